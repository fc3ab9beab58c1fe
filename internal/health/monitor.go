package health

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/infersession/internal/model"
	"github.com/g960059/infersession/internal/wire"
)

// Snapshot is an immutable view of the backing inference service.
// LastUpdated is the local receive time of the event it was built from.
type Snapshot struct {
	Status           model.HealthStatus `json:"status"`
	MemoryUsageBytes *uint64            `json:"memory_usage_bytes,omitempty"`
	LastUpdated      time.Time          `json:"last_updated"`
	ModelIdentifier  string             `json:"model"`
	Mode             model.EngineMode   `json:"mode"`
	PeerTimestamp    time.Time          `json:"peer_timestamp,omitzero"`
	Synthetic        bool               `json:"synthetic,omitempty"`
}

func (s Snapshot) Age(now time.Time) time.Duration {
	if s.LastUpdated.IsZero() {
		return 0
	}
	return now.Sub(s.LastUpdated)
}

type Option func(*Monitor)

func WithLogger(logger *zap.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// Monitor holds the current snapshot. Writes (Apply, Check, Reset,
// Invalidate) come from the session event loop; Current and Subscribe are
// safe from any goroutine.
type Monitor struct {
	staleAfter time.Duration
	logger     *zap.Logger
	now        func() time.Time

	current atomic.Pointer[Snapshot]
	dropped atomic.Uint64

	mu        sync.Mutex
	lastEvent time.Time
	escalated bool
	subs      map[int]chan Snapshot
	nextSub   int
	closed    bool
}

func NewMonitor(staleAfter time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		staleAfter: staleAfter,
		logger:     zap.NewNop(),
		now:        time.Now,
		subs:       make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.current.Store(&Snapshot{
		Status:      model.HealthUnavailable,
		LastUpdated: m.now(),
		Synthetic:   true,
	})
	return m
}

func (m *Monitor) Current() Snapshot {
	return *m.current.Load()
}

// Apply replaces the snapshot with one built from ev.
func (m *Monitor) Apply(ev wire.Health) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	status, ok := model.ParseHealthStatus(string(ev.Status))
	if !ok {
		m.logger.Warn("unknown health status from peer, treating as unavailable", zap.String("status", string(ev.Status)))
	}
	mode, ok := model.ParseEngineMode(string(ev.Mode))
	if !ok {
		m.logger.Warn("unknown engine mode from peer, treating as mock", zap.String("mode", string(ev.Mode)))
		mode = model.ModeMock
	}
	next := Snapshot{
		Status:           status,
		MemoryUsageBytes: ev.MemoryUsageBytes,
		LastUpdated:      now,
		ModelIdentifier:  ev.ModelName,
		Mode:             mode,
		PeerTimestamp:    ev.Timestamp,
	}
	prev := m.current.Load()
	if !prev.Synthetic && prev.Mode != "" && prev.Mode != next.Mode {
		m.logger.Info("engine mode changed",
			zap.String("from", string(prev.Mode)),
			zap.String("to", string(next.Mode)),
			zap.String("model", next.ModelIdentifier),
		)
	}
	if prev.Status != next.Status {
		m.logger.Debug("health status changed",
			zap.String("from", string(prev.Status)),
			zap.String("to", string(next.Status)),
		)
	}
	m.lastEvent = now
	m.escalated = false
	m.publishLocked(next)
	return next
}

// Check reports true when the session is connected, no event arrived within
// the stale period, and escalation has not yet been reported for this
// period. It then publishes a synthetic unavailable snapshot.
func (m *Monitor) Check(now time.Time, connected bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !connected || m.staleAfter <= 0 || m.escalated || m.lastEvent.IsZero() {
		return false
	}
	if now.Sub(m.lastEvent) <= m.staleAfter {
		return false
	}
	m.escalated = true
	m.logger.Warn("health events stale, marking unavailable",
		zap.Duration("silent_for", now.Sub(m.lastEvent)),
		zap.Duration("stale_after", m.staleAfter),
	)
	m.publishLocked(m.syntheticLocked(now))
	return true
}

// Reset starts a new stale period, typically when a connection is
// established.
func (m *Monitor) Reset(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastEvent = now
	m.escalated = false
}

// Invalidate publishes a synthetic unavailable snapshot, used when the
// connection is lost.
func (m *Monitor) Invalidate(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastEvent = time.Time{}
	m.escalated = false
	if cur := m.current.Load(); cur.Synthetic && cur.Status == model.HealthUnavailable {
		return
	}
	m.publishLocked(m.syntheticLocked(now))
}

// Subscribe returns a channel of snapshot updates. Updates that do not fit
// in the buffer are dropped and counted. cancel closes the channel.
func (m *Monitor) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if sub, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(sub)
			}
		})
	}
}

// Dropped returns how many updates were dropped for slow subscribers.
func (m *Monitor) Dropped() uint64 {
	return m.dropped.Load()
}

// Close closes every subscription channel.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
}

func (m *Monitor) syntheticLocked(now time.Time) Snapshot {
	prev := m.current.Load()
	return Snapshot{
		Status:          model.HealthUnavailable,
		LastUpdated:     now,
		ModelIdentifier: prev.ModelIdentifier,
		Mode:            prev.Mode,
		Synthetic:       true,
	}
}

func (m *Monitor) publishLocked(s Snapshot) {
	m.current.Store(&s)
	for _, ch := range m.subs {
		select {
		case ch <- s:
		default:
			m.dropped.Add(1)
		}
	}
}
