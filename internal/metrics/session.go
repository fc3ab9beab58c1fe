package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/g960059/infersession/internal/confidence"
	"github.com/g960059/infersession/internal/correlation"
	"github.com/g960059/infersession/internal/health"
	"github.com/g960059/infersession/internal/model"
	"github.com/g960059/infersession/internal/session"
)

const namespace = "infersession"

// SessionCollector exports client session metrics. It implements
// session.Observer; every method only touches prometheus collectors, which
// are safe to call from the session event loop.
type SessionCollector struct {
	state             *prometheus.GaugeVec
	transitions       *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	outcomes          *prometheus.CounterVec
	latency           *prometheus.HistogramVec
	confidence        *prometheus.HistogramVec
	review            *prometheus.CounterVec
	health            *prometheus.GaugeVec
	memory            prometheus.Gauge
}

var _ session.Observer = (*SessionCollector)(nil)

func NewSessionCollector(reg prometheus.Registerer) (*SessionCollector, error) {
	c := &SessionCollector{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Connection state transitions.",
		}, []string{"from", "to"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reconnect_attempts_total",
			Help:      "Dial attempts made after the first connection was established or failed.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "total",
			Help:      "Settled requests by kind and outcome.",
		}, []string{"kind", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "latency_seconds",
			Help:      "Time from issue to settlement.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"kind", "outcome"}),
		confidence: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "responses",
			Name:      "confidence",
			Help:      "Confidence assigned to scored responses.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}, []string{"kind", "mode"}),
		review: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "responses",
			Name:      "review_required_total",
			Help:      "Responses scored below the review threshold.",
		}, []string{"kind"}),
		health: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "1 for the current health status, 0 otherwise.",
		}, []string{"status"}),
		memory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "memory_usage_bytes",
			Help:      "Memory usage reported by the peer.",
		}),
	}
	if err := register(reg,
		c.state, c.transitions, c.reconnectAttempts, c.outcomes,
		c.latency, c.confidence, c.review, c.health, c.memory,
	); err != nil {
		return nil, err
	}
	setOneHot(c.state, string(model.StateDisconnected), statesAsStrings())
	setOneHot(c.health, string(model.HealthUnavailable), healthAsStrings())
	return c, nil
}

func (c *SessionCollector) StateChanged(tr session.Transition) {
	setOneHot(c.state, string(tr.To), statesAsStrings())
	c.transitions.WithLabelValues(string(tr.From), string(tr.To)).Inc()
	if tr.To == model.StateConnecting && tr.From == model.StateReconnecting {
		c.reconnectAttempts.Inc()
	}
}

func (c *SessionCollector) HealthChanged(_ string, snap health.Snapshot) {
	setOneHot(c.health, string(snap.Status), healthAsStrings())
	if snap.MemoryUsageBytes != nil {
		c.memory.Set(float64(*snap.MemoryUsageBytes))
	}
}

func (c *SessionCollector) RequestSettled(_ string, s correlation.Settlement) {
	kind := string(s.Kind)
	outcome := string(s.Outcome)
	c.outcomes.WithLabelValues(kind, outcome).Inc()
	c.latency.WithLabelValues(kind, outcome).Observe(s.Latency.Seconds())
}

func (c *SessionCollector) ResponseScored(_ string, r confidence.ScoredResponse) {
	c.confidence.WithLabelValues(string(r.Kind), string(r.Mode)).Observe(r.Confidence)
	if r.RequiresReview {
		c.review.WithLabelValues(string(r.Kind)).Inc()
	}
}

func register(reg prometheus.Registerer, cs ...prometheus.Collector) error {
	if reg == nil {
		return nil
	}
	var errs []error
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("register metrics: %w", errors.Join(errs...))
	}
	return nil
}

func setOneHot(g *prometheus.GaugeVec, current string, all []string) {
	for _, v := range all {
		if v == current {
			g.WithLabelValues(v).Set(1)
		} else {
			g.WithLabelValues(v).Set(0)
		}
	}
}

func statesAsStrings() []string {
	out := make([]string, 0, len(model.ConnectionStates))
	for _, s := range model.ConnectionStates {
		out = append(out, string(s))
	}
	return out
}

func healthAsStrings() []string {
	return []string{string(model.HealthReady), string(model.HealthDegraded), string(model.HealthUnavailable)}
}
