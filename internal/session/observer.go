package session

import (
	"time"

	"github.com/g960059/infersession/internal/confidence"
	"github.com/g960059/infersession/internal/correlation"
	"github.com/g960059/infersession/internal/health"
	"github.com/g960059/infersession/internal/model"
)

// Transition records one state change.
type Transition struct {
	SessionID string
	Seq       uint64
	From      model.ConnectionState
	To        model.ConnectionState
	Reason    string
	Attempt   int
	At        time.Time
	// Delay is the backoff scheduled before the next attempt, set on
	// transitions into Reconnecting.
	Delay time.Duration
}

// Observer is notified from the session event loop. Implementations must
// not block.
type Observer interface {
	StateChanged(Transition)
	HealthChanged(sessionID string, snap health.Snapshot)
	RequestSettled(sessionID string, s correlation.Settlement)
	ResponseScored(sessionID string, r confidence.ScoredResponse)
}

type NopObserver struct{}

func (NopObserver) StateChanged(Transition) {}
func (NopObserver) HealthChanged(string, health.Snapshot) {}
func (NopObserver) RequestSettled(string, correlation.Settlement) {}
func (NopObserver) ResponseScored(string, confidence.ScoredResponse) {}

type multiObserver []Observer

// Observers fans notifications out to every non-nil observer in order.
func Observers(obs ...Observer) Observer {
	out := make(multiObserver, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return NopObserver{}
	}
	return out
}

func (m multiObserver) StateChanged(t Transition) {
	for _, o := range m {
		o.StateChanged(t)
	}
}

func (m multiObserver) HealthChanged(id string, snap health.Snapshot) {
	for _, o := range m {
		o.HealthChanged(id, snap)
	}
}

func (m multiObserver) RequestSettled(id string, s correlation.Settlement) {
	for _, o := range m {
		o.RequestSettled(id, s)
	}
}

func (m multiObserver) ResponseScored(id string, r confidence.ScoredResponse) {
	for _, o := range m {
		o.ResponseScored(id, r)
	}
}
