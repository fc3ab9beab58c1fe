package peer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/infersession/internal/engine"
	"github.com/g960059/infersession/internal/health"
	"github.com/g960059/infersession/internal/model"
	"github.com/g960059/infersession/internal/wire"
)

// observe feeds one engine outcome into the health tracker. A status change
// is broadcast to every connection before observe returns.
func (s *Server) observe(obs health.Observation) (wire.Health, bool) {
	s.healthMu.Lock()
	prev := s.tracker.Current
	s.tracker = health.NextStatus(s.policy, s.tracker, obs, time.Now().UTC())
	changed := s.tracker.Current != prev
	h := s.healthLocked()
	s.healthMu.Unlock()

	if changed {
		s.metrics.SetHealth(h.Status)
		s.logger.Info("health changed",
			zap.String("from", string(prev)),
			zap.String("to", string(h.Status)),
			zap.Stringer("observation", obs),
		)
		s.broadcast(h)
	}
	return h, changed
}

func (s *Server) currentHealth() wire.Health {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	return s.healthLocked()
}

func (s *Server) healthLocked() wire.Health {
	var mem *uint64
	if s.memory != nil {
		v := *s.memory
		mem = &v
	}
	return wire.Health{
		Status:           s.tracker.Current,
		MemoryUsageBytes: mem,
		ModelName:        s.model,
		Mode:             s.engine.Mode(),
		Timestamp:        time.Now().UTC(),
	}
}

func (s *Server) broadcast(h wire.Health) {
	for _, pc := range s.snapshotConns() {
		pc.send(wire.Frame{Body: h})
	}
}

// healthLoop probes the engine and pushes a health event to every client on
// each tick so that clients never see their health snapshot go stale while
// the daemon is alive.
func (s *Server) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h, changed := s.probe(ctx)
			if !changed {
				s.broadcast(h)
			}
		}
	}
}

func (s *Server) probe(ctx context.Context) (wire.Health, bool) {
	st, err := engine.Probe(ctx, s.engine)
	if ctx.Err() != nil {
		return s.currentHealth(), false
	}

	s.healthMu.Lock()
	if st.Model != "" {
		s.model = st.Model
	}
	if st.MemoryUsageBytes != nil {
		v := *st.MemoryUsageBytes
		s.memory = &v
	}
	s.healthMu.Unlock()

	switch {
	case err == nil && st.Ready:
		return s.observe(health.ObserveSuccess)
	case err == nil:
		return s.observe(health.ObserveUnavailable)
	}
	failure := engine.Classify(err)
	s.logger.Debug("engine probe failed", zap.String("error_kind", failure.Kind), zap.Error(err))
	if failure.Health == model.HealthUnavailable || errors.Is(err, model.ErrModelUnavailable) {
		return s.observe(health.ObserveUnavailable)
	}
	return s.observe(health.ObserveFailure)
}
