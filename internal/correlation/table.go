package correlation

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/infersession/internal/model"
)

var (
	ErrDuplicateID    = errors.New("correlation: duplicate request id")
	ErrTableClosed    = errors.New("correlation: table closed")
	ErrInvalidTimeout = errors.New("correlation: timeout must be positive")
)

type Outcome string

const (
	OutcomeResolved  Outcome = "resolved"
	OutcomeExpired   Outcome = "expired"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeLost      Outcome = "lost"
	OutcomeFailed    Outcome = "failed"
)

// Outcomes lists every terminal outcome.
var Outcomes = []Outcome{OutcomeResolved, OutcomeExpired, OutcomeCancelled, OutcomeLost, OutcomeFailed}

// Settlement describes the single terminal event of one request.
type Settlement struct {
	ID      uint64
	Kind    model.OperationKind
	Outcome Outcome
	Latency time.Duration
	Err     error
}

type entry[T any] struct {
	id       uint64
	kind     model.OperationKind
	issuedAt time.Time
	timeout  time.Duration
	deadline time.Time
	future   *Future[T]
}

type options struct {
	logger *zap.Logger
	now    func() time.Time
	hook   func(Settlement)
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSettleHook registers fn to be called once per settled request.
func WithSettleHook(fn func(Settlement)) Option {
	return func(o *options) {
		o.hook = fn
	}
}

// Table maps outstanding request ids to their futures. It is not safe for
// concurrent use; the session event loop is its only user. Futures handed
// out by the table may be read and cancelled from any goroutine.
type Table[T any] struct {
	logger  *zap.Logger
	now     func() time.Time
	hook    func(Settlement)
	entries map[uint64]*entry[T]
	closed  bool
}

func New[T any](opts ...Option) *Table[T] {
	o := options{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Table[T]{
		logger:  o.logger,
		now:     o.now,
		hook:    o.hook,
		entries: make(map[uint64]*entry[T]),
	}
}

func (t *Table[T]) Register(id uint64, kind model.OperationKind, timeout time.Duration) (*Future[T], error) {
	f := NewFuture[T]()
	if err := t.Adopt(id, kind, timeout, f); err != nil {
		return nil, err
	}
	return f, nil
}

// Adopt tracks a future created by the caller. A future that was already
// cancelled before adoption is reported and not tracked.
func (t *Table[T]) Adopt(id uint64, kind model.OperationKind, timeout time.Duration, f *Future[T]) error {
	if t.closed {
		return ErrTableClosed
	}
	if timeout <= 0 {
		return ErrInvalidTimeout
	}
	if _, exists := t.entries[id]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}
	now := t.now()
	e := &entry[T]{
		id:       id,
		kind:     kind,
		issuedAt: now,
		timeout:  timeout,
		deadline: now.Add(timeout),
		future:   f,
	}
	if f.Settled() {
		t.report(e, OutcomeCancelled, nil)
		return nil
	}
	t.entries[id] = e
	return nil
}

// Resolve fulfils the future registered under id. Unknown or already settled
// ids are logged and ignored.
func (t *Table[T]) Resolve(id uint64, value T) bool {
	e, ok := t.entries[id]
	if !ok {
		t.logger.Debug("ignoring response for unknown or settled request", zap.Uint64("request_id", id))
		return false
	}
	delete(t.entries, id)
	if !e.future.settle(value, nil, OutcomeResolved) {
		t.report(e, OutcomeCancelled, nil)
		return false
	}
	t.report(e, OutcomeResolved, nil)
	return true
}

// Fail settles id with a request-level error.
func (t *Table[T]) Fail(id uint64, err error) bool {
	return t.finish(id, err, OutcomeFailed)
}

// Cancel settles id with an error wrapping model.ErrCancelled.
func (t *Table[T]) Cancel(id uint64, cause error) bool {
	err := model.ErrCancelled
	if cause != nil && !errors.Is(cause, model.ErrCancelled) {
		err = fmt.Errorf("%w: %w", model.ErrCancelled, cause)
	} else if cause != nil {
		err = cause
	}
	return t.finish(id, err, OutcomeCancelled)
}

func (t *Table[T]) finish(id uint64, err error, outcome Outcome) bool {
	e, ok := t.entries[id]
	if !ok {
		return false
	}
	delete(t.entries, id)
	var zero T
	if !e.future.settle(zero, err, outcome) {
		t.report(e, OutcomeCancelled, nil)
		return false
	}
	t.report(e, outcome, err)
	return true
}

// ExpireOverdue fails every entry whose deadline is at or before now with
// model.ErrTimeout and drops entries whose futures were settled by their
// callers. It returns the number of expired entries.
func (t *Table[T]) ExpireOverdue(now time.Time) int {
	expired := 0
	for _, id := range t.sortedIDs() {
		e := t.entries[id]
		if e.future.Settled() {
			delete(t.entries, id)
			t.report(e, OutcomeCancelled, nil)
			continue
		}
		if now.Before(e.deadline) {
			continue
		}
		delete(t.entries, id)
		var zero T
		err := fmt.Errorf("%w: request %d after %s", model.ErrTimeout, id, e.timeout)
		if e.future.settle(zero, err, OutcomeExpired) {
			t.report(e, OutcomeExpired, err)
			expired++
		} else {
			t.report(e, OutcomeCancelled, nil)
		}
	}
	return expired
}

// CancelAll fails every outstanding entry with an error wrapping
// model.ErrConnectionLost and returns how many were failed.
func (t *Table[T]) CancelAll(reason error) int {
	err := lostError(reason)
	lost := 0
	for _, id := range t.sortedIDs() {
		e := t.entries[id]
		delete(t.entries, id)
		var zero T
		if e.future.settle(zero, err, OutcomeLost) {
			t.report(e, OutcomeLost, err)
			lost++
		} else {
			t.report(e, OutcomeCancelled, nil)
		}
	}
	return lost
}

// Close cancels everything outstanding and rejects later registrations.
func (t *Table[T]) Close(reason error) int {
	n := t.CancelAll(reason)
	t.closed = true
	return n
}

func (t *Table[T]) Len() int {
	return len(t.entries)
}

// Kind returns the operation kind of an outstanding id.
func (t *Table[T]) Kind(id uint64) (model.OperationKind, bool) {
	e, ok := t.entries[id]
	if !ok {
		return "", false
	}
	return e.kind, true
}

// Pending returns outstanding ids in ascending order.
func (t *Table[T]) Pending() []uint64 {
	return t.sortedIDs()
}

// NextDeadline returns the earliest deadline among outstanding entries.
func (t *Table[T]) NextDeadline() (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	for _, e := range t.entries {
		if !found || e.deadline.Before(next) {
			next = e.deadline
			found = true
		}
	}
	return next, found
}

func (t *Table[T]) sortedIDs() []uint64 {
	return slices.Sorted(maps.Keys(t.entries))
}

func (t *Table[T]) report(e *entry[T], outcome Outcome, err error) {
	if outcome != OutcomeResolved {
		t.logger.Debug("request settled",
			zap.Uint64("request_id", e.id),
			zap.String("kind", string(e.kind)),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)
	}
	if t.hook == nil {
		return
	}
	t.hook(Settlement{
		ID:      e.id,
		Kind:    e.kind,
		Outcome: outcome,
		Latency: t.now().Sub(e.issuedAt),
		Err:     err,
	})
}

func lostError(reason error) error {
	switch {
	case reason == nil:
		return model.ErrConnectionLost
	case errors.Is(reason, model.ErrConnectionLost):
		return reason
	default:
		return fmt.Errorf("%w: %w", model.ErrConnectionLost, reason)
	}
}
