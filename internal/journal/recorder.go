package journal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/infersession/internal/confidence"
	"github.com/g960059/infersession/internal/correlation"
	"github.com/g960059/infersession/internal/health"
	"github.com/g960059/infersession/internal/security"
	"github.com/g960059/infersession/internal/session"
)

const DefaultRecorderQueue = 256

// Recorder writes session lifecycle notifications to a Store from its own
// goroutine. Notifications that do not fit in the queue are dropped and
// counted. It implements session.Observer.
type Recorder struct {
	store    *Store
	logger   *zap.Logger
	clientID string
	endpoint string
	timeout  time.Duration

	mu      sync.Mutex
	closed  bool
	queue   chan func(context.Context) error
	done    chan struct{}
	dropped atomic.Uint64

	// Owned by the writer goroutine.
	begun map[string]time.Time
}

type RecorderOption func(*Recorder)

func WithRecorderLogger(logger *zap.Logger) RecorderOption {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan func(context.Context) error, n)
		}
	}
}

// WithSessionInfo sets the client id and endpoint stored with each session
// the recorder sees. Credentials in the endpoint are redacted before storage.
func WithSessionInfo(clientID, endpoint string) RecorderOption {
	return func(r *Recorder) {
		r.clientID = clientID
		r.endpoint = security.Endpoint(endpoint)
	}
}

func NewRecorder(store *Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:   store,
		logger:  zap.NewNop(),
		timeout: 5 * time.Second,
		queue:   make(chan func(context.Context) error, DefaultRecorderQueue),
		done:    make(chan struct{}),
		begun:   map[string]time.Time{},
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

var _ session.Observer = (*Recorder)(nil)

func (r *Recorder) StateChanged(tr session.Transition) {
	r.enqueue(func(ctx context.Context) error {
		if err := r.ensureSession(ctx, tr.SessionID, tr.At); err != nil {
			return err
		}
		return r.store.InsertTransition(ctx, TransitionRecord{
			SessionID: tr.SessionID,
			Seq:       tr.Seq,
			From:      tr.From,
			To:        tr.To,
			Reason:    tr.Reason,
			Attempt:   tr.Attempt,
			RetryIn:   tr.Delay,
			At:        tr.At,
		})
	})
}

func (r *Recorder) HealthChanged(sessionID string, snap health.Snapshot) {
	r.enqueue(func(ctx context.Context) error {
		if err := r.ensureSession(ctx, sessionID, snap.LastUpdated); err != nil {
			return err
		}
		return r.store.InsertHealthSample(ctx, HealthSample{
			SessionID:   sessionID,
			Status:      snap.Status,
			Mode:        snap.Mode,
			Model:       snap.ModelIdentifier,
			MemoryBytes: snap.MemoryUsageBytes,
			Synthetic:   snap.Synthetic,
			ObservedAt:  snap.LastUpdated,
		})
	})
}

// Request outcomes and payloads are not journaled.
func (r *Recorder) RequestSettled(string, correlation.Settlement) {}
func (r *Recorder) ResponseScored(string, confidence.ScoredResponse) {}

// Dropped returns how many notifications were discarded on a full queue.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Close flushes queued notifications, marks every session it recorded as
// ended and stops the writer. ctx bounds the wait for the flush.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) enqueue(op func(context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- op:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("journal queue full, dropping notifications")
		}
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for op := range r.queue {
		r.exec(op)
	}
	now := time.Now().UTC()
	for id := range r.begun {
		r.exec(func(ctx context.Context) error {
			return r.store.EndSession(ctx, id, now)
		})
	}
}

func (r *Recorder) exec(op func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := op(ctx); err != nil {
		r.logger.Warn("journal write failed", zap.Error(err))
	}
}

func (r *Recorder) ensureSession(ctx context.Context, sessionID string, at time.Time) error {
	if _, ok := r.begun[sessionID]; ok {
		return nil
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := r.store.BeginSession(ctx, Session{
		SessionID: sessionID,
		ClientID:  r.clientID,
		Endpoint:  r.endpoint,
		StartedAt: at,
	}); err != nil {
		return err
	}
	r.begun[sessionID] = at
	return nil
}
