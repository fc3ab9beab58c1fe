package health

import (
	"time"

	"github.com/g960059/infersession/internal/model"
)

// Observation is the outcome of one engine call or probe as seen by the peer.
type Observation int

const (
	ObserveSuccess Observation = iota
	// ObserveFailure is a recoverable engine failure such as out-of-memory or
	// a generation timeout.
	ObserveFailure
	// ObserveUnavailable means the model is not loaded or not reachable.
	ObserveUnavailable
)

func (o Observation) String() string {
	switch o {
	case ObserveSuccess:
		return "success"
	case ObserveFailure:
		return "failure"
	case ObserveUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

type Policy struct {
	DegradeFailures     int
	UnavailableFailures int
	RecoverSuccesses    int
	FailureWindow       time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		DegradeFailures:     1,
		UnavailableFailures: 3,
		RecoverSuccesses:    2,
		FailureWindow:       30 * time.Second,
	}
}

type Tracker struct {
	Current              model.HealthStatus
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransitionAt     time.Time
}

// NextStatus derives the advertised status after one observation.
func NextStatus(p Policy, state Tracker, obs Observation, now time.Time) Tracker {
	if state.Current == "" {
		state.Current = model.HealthReady
	}
	if state.LastTransitionAt.IsZero() {
		state.LastTransitionAt = now
	}
	transition := func(to model.HealthStatus) {
		if state.Current != to {
			state.Current = to
			state.LastTransitionAt = now
		}
	}

	switch obs {
	case ObserveSuccess:
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
		if state.Current != model.HealthReady && state.ConsecutiveSuccesses >= p.RecoverSuccesses {
			transition(model.HealthReady)
		}
		return state
	case ObserveUnavailable:
		state.ConsecutiveFailures++
		state.ConsecutiveSuccesses = 0
		transition(model.HealthUnavailable)
		return state
	}

	state.ConsecutiveFailures++
	state.ConsecutiveSuccesses = 0
	switch state.Current {
	case model.HealthReady:
		if state.ConsecutiveFailures >= p.DegradeFailures {
			transition(model.HealthDegraded)
		}
	case model.HealthDegraded:
		if p.FailureWindow > 0 && now.Sub(state.LastTransitionAt) > p.FailureWindow {
			// Start a new degraded window from this failure.
			state.ConsecutiveFailures = 1
			state.LastTransitionAt = now
			return state
		}
		if state.ConsecutiveFailures >= p.UnavailableFailures {
			transition(model.HealthUnavailable)
		}
	case model.HealthUnavailable:
		// stays unavailable until enough successes arrive
	}
	return state
}
