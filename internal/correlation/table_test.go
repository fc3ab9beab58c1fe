package correlation

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/g960059/infersession/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	settlements []Settlement
}

func (r *recorder) hook(s Settlement) { r.settlements = append(r.settlements, s) }

func (r *recorder) outcomes() map[uint64][]Outcome {
	out := make(map[uint64][]Outcome)
	for _, s := range r.settlements {
		out[s.ID] = append(out[s.ID], s.Outcome)
	}
	return out
}

func newTable(clock *fakeClock, rec *recorder) *Table[string] {
	return New[string](WithClock(clock.Now), WithSettleHook(rec.hook))
}

func TestResolveDeliversExactlyOnce(t *testing.T) {
	clock, rec := newFakeClock(), &recorder{}
	table := newTable(clock, rec)

	f, err := table.Register(1, model.KindGenerate, 2*time.Second)
	require.NoError(t, err)

	clock.Advance(300 * time.Millisecond)
	require.True(t, table.Resolve(1, "first"))
	require.False(t, table.Resolve(1, "second"))

	got, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "first", got)
	require.Equal(t, OutcomeResolved, f.Outcome())
	require.Zero(t, table.Len())

	require.Len(t, rec.settlements, 1)
	require.Equal(t, 300*time.Millisecond, rec.settlements[0].Latency)
}

func TestRegisterRejectsDuplicateAndInvalid(t *testing.T) {
	table := New[string]()
	_, err := table.Register(1, model.KindStatus, time.Second)
	require.NoError(t, err)

	_, err = table.Register(1, model.KindStatus, time.Second)
	require.ErrorIs(t, err, ErrDuplicateID)

	_, err = table.Register(2, model.KindStatus, 0)
	require.ErrorIs(t, err, ErrInvalidTimeout)

	table.Close(nil)
	_, err = table.Register(3, model.KindStatus, time.Second)
	require.ErrorIs(t, err, ErrTableClosed)
}

func TestExpireOverdueTimesOutAndLeavesNoEntries(t *testing.T) {
	clock, rec := newFakeClock(), &recorder{}
	table := newTable(clock, rec)

	f, err := table.Register(1, model.KindGenerate, 2*time.Second)
	require.NoError(t, err)
	other, err := table.Register(2, model.KindGenerate, 5*time.Second)
	require.NoError(t, err)

	clock.Advance(1999 * time.Millisecond)
	require.Zero(t, table.ExpireOverdue(clock.Now()))
	require.False(t, f.Settled())

	clock.Advance(time.Millisecond)
	require.Equal(t, 1, table.ExpireOverdue(clock.Now()))

	_, err = f.Result()
	require.ErrorIs(t, err, model.ErrTimeout)
	require.Equal(t, OutcomeExpired, f.Outcome())
	require.Equal(t, []uint64{2}, table.Pending())
	require.False(t, other.Settled())

	require.True(t, table.Resolve(2, "late but in time"))
	require.Zero(t, table.Len())
}

func TestCancelAllFailsEveryPendingWithConnectionLost(t *testing.T) {
	clock, rec := newFakeClock(), &recorder{}
	table := newTable(clock, rec)

	futures := make([]*Future[string], 0, 3)
	for id := uint64(1); id <= 3; id++ {
		f, err := table.Register(id, model.KindCompletion, time.Minute)
		require.NoError(t, err)
		futures = append(futures, f)
	}

	require.Equal(t, 3, table.CancelAll(errors.New("socket closed")))
	for _, f := range futures {
		select {
		case <-f.Done():
		default:
			t.Fatalf("future not settled by CancelAll")
		}
		_, err := f.Result()
		require.ErrorIs(t, err, model.ErrConnectionLost)
		require.Equal(t, OutcomeLost, f.Outcome())
	}
	require.Zero(t, table.Len())

	// A response for a lost request after reconnect is ignored.
	require.False(t, table.Resolve(2, "stale"))
}

func TestCallerCancelReportsOnce(t *testing.T) {
	clock, rec := newFakeClock(), &recorder{}
	table := newTable(clock, rec)

	f, err := table.Register(7, model.KindGenerate, time.Minute)
	require.NoError(t, err)

	require.True(t, f.Cancel(model.ErrCancelled))
	require.False(t, table.Resolve(7, "too late"))
	require.False(t, table.Cancel(7, nil))

	_, err = f.Result()
	require.ErrorIs(t, err, model.ErrCancelled)
	require.Equal(t, map[uint64][]Outcome{7: {OutcomeCancelled}}, rec.outcomes())
}

func TestSweepReapsCallerCancelledEntries(t *testing.T) {
	clock, rec := newFakeClock(), &recorder{}
	table := newTable(clock, rec)

	f, err := table.Register(4, model.KindEmbed, time.Minute)
	require.NoError(t, err)
	f.Cancel(context.Canceled)

	require.Zero(t, table.ExpireOverdue(clock.Now()))
	require.Zero(t, table.Len())
	require.Equal(t, map[uint64][]Outcome{4: {OutcomeCancelled}}, rec.outcomes())
}

func TestAdoptAlreadyCancelledFuture(t *testing.T) {
	rec := &recorder{}
	table := New[string](WithSettleHook(rec.hook))

	f := NewFuture[string]()
	f.Cancel(model.ErrCancelled)
	require.NoError(t, table.Adopt(9, model.KindStatus, time.Second, f))
	require.Zero(t, table.Len())
	require.Equal(t, map[uint64][]Outcome{9: {OutcomeCancelled}}, rec.outcomes())
}

func TestCancelWrapsCause(t *testing.T) {
	table := New[string]()
	f, err := table.Register(1, model.KindStatus, time.Second)
	require.NoError(t, err)
	require.True(t, table.Cancel(1, context.DeadlineExceeded))

	_, err = f.Result()
	require.ErrorIs(t, err, model.ErrCancelled)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFailCarriesPeerError(t *testing.T) {
	rec := &recorder{}
	table := New[string](WithSettleHook(rec.hook))
	f, err := table.Register(5, model.KindGenerate, time.Second)
	require.NoError(t, err)

	peerErr := &model.PeerError{Kind: model.ErrKindOutOfMemory, Message: "kv cache"}
	require.True(t, table.Fail(5, peerErr))

	_, err = f.Result()
	var got *model.PeerError
	require.ErrorAs(t, err, &got)
	require.ErrorIs(t, err, model.ErrDegraded)
	require.Equal(t, OutcomeFailed, rec.settlements[0].Outcome)
}

func TestNextDeadline(t *testing.T) {
	clock := newFakeClock()
	table := New[string](WithClock(clock.Now))
	_, ok := table.NextDeadline()
	require.False(t, ok)

	_, err := table.Register(1, model.KindGenerate, 5*time.Second)
	require.NoError(t, err)
	_, err = table.Register(2, model.KindGenerate, 2*time.Second)
	require.NoError(t, err)

	next, ok := table.NextDeadline()
	require.True(t, ok)
	require.Equal(t, clock.Now().Add(2*time.Second), next)
}

// Random interleavings of every table operation and caller cancellation must
// end each request in exactly one terminal outcome.
func TestEveryRequestSettlesExactlyOnce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		clock, rec := newFakeClock(), &recorder{}
		table := newTable(clock, rec)
		futures := map[uint64]*Future[string]{}
		var nextID uint64

		for step := 0; step < 200; step++ {
			switch op := rng.Intn(8); {
			case op <= 2:
				nextID++
				f, err := table.Register(nextID, model.KindGenerate, time.Duration(1+rng.Intn(5))*time.Second)
				require.NoError(t, err)
				futures[nextID] = f
			case op == 3 && nextID > 0:
				table.Resolve(uint64(1+rng.Intn(int(nextID))), "ok")
			case op == 4 && nextID > 0:
				futures[uint64(1+rng.Intn(int(nextID)))].Cancel(model.ErrCancelled)
			case op == 5:
				clock.Advance(time.Duration(rng.Intn(1500)) * time.Millisecond)
				table.ExpireOverdue(clock.Now())
			case op == 6 && rng.Intn(10) == 0:
				table.CancelAll(nil)
			case op == 7 && nextID > 0:
				table.Fail(uint64(1+rng.Intn(int(nextID))), &model.PeerError{Kind: model.ErrKindInternal})
			}
		}
		table.Close(nil)

		outcomes := rec.outcomes()
		for id, f := range futures {
			require.True(t, f.Settled(), "round %d: request %d never settled", round, id)
			require.Len(t, outcomes[id], 1, "round %d: request %d settled %v", round, id, outcomes[id])
		}
		require.Zero(t, table.Len())
	}
}

func TestFutureWaitHonoursContext(t *testing.T) {
	f := NewFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, f.Settled())

	_, err = f.Result()
	require.ErrorIs(t, err, ErrPending)
}
