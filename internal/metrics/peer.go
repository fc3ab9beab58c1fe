package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/g960059/infersession/internal/model"
)

// PeerMetrics exports daemon-side metrics.
type PeerMetrics struct {
	connections *prometheus.GaugeVec
	requests    *prometheus.CounterVec
	generation  *prometheus.HistogramVec
	cancels     prometheus.Counter
	health      *prometheus.GaugeVec
}

func NewPeerMetrics(reg prometheus.Registerer) (*PeerMetrics, error) {
	p := &PeerMetrics{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "connections",
			Help:      "Open client connections by transport.",
		}, []string{"transport"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "requests_total",
			Help:      "Requests handled by kind and result.",
		}, []string{"kind", "result"}),
		generation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "generation_seconds",
			Help:      "Engine call duration.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"kind"}),
		cancels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "cancels_total",
			Help:      "Cancel frames that stopped an in-progress request.",
		}),
		health: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "health_status",
			Help:      "1 for the advertised health status, 0 otherwise.",
		}, []string{"status"}),
	}
	if err := register(reg, p.connections, p.requests, p.generation, p.cancels, p.health); err != nil {
		return nil, err
	}
	return p, nil
}

// ConnOpened increments the open connection gauge and returns a func that
// decrements it.
func (p *PeerMetrics) ConnOpened(transport string) func() {
	if p == nil {
		return func() {}
	}
	g := p.connections.WithLabelValues(transport)
	g.Inc()
	return g.Dec
}

func (p *PeerMetrics) RequestDone(kind model.OperationKind, result string, took time.Duration) {
	if p == nil {
		return
	}
	p.requests.WithLabelValues(string(kind), result).Inc()
	p.generation.WithLabelValues(string(kind)).Observe(took.Seconds())
}

func (p *PeerMetrics) Cancelled() {
	if p == nil {
		return
	}
	p.cancels.Inc()
}

func (p *PeerMetrics) SetHealth(status model.HealthStatus) {
	if p == nil {
		return
	}
	setOneHot(p.health, string(status), healthAsStrings())
}
