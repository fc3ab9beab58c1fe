package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/g960059/infersession/internal/model"
	"github.com/g960059/infersession/internal/wire"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *clock {
	return &clock{now: time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)}
}

func readyEvent(mode model.EngineMode) wire.Health {
	mem := uint64(512 << 20)
	return wire.Health{
		Status:           model.HealthReady,
		MemoryUsageBytes: &mem,
		ModelName:        "llama3",
		Mode:             mode,
	}
}

func TestInitialSnapshotIsSyntheticUnavailable(t *testing.T) {
	m := NewMonitor(30 * time.Second)
	snap := m.Current()
	require.Equal(t, model.HealthUnavailable, snap.Status)
	require.True(t, snap.Synthetic)
}

func TestApplyReplacesSnapshotWholesale(t *testing.T) {
	c := newClock()
	m := NewMonitor(30*time.Second, WithClock(c.Now))

	m.Apply(readyEvent(model.ModeReal))
	c.Advance(time.Second)
	m.Apply(wire.Health{Status: model.HealthDegraded, ModelName: "llama3", Mode: model.ModeReal})

	snap := m.Current()
	require.Equal(t, model.HealthDegraded, snap.Status)
	require.Nil(t, snap.MemoryUsageBytes, "fields from the previous event must not leak")
	require.Equal(t, c.Now(), snap.LastUpdated)
	require.False(t, snap.Synthetic)
}

func TestStalenessEscalatesWithinOneTick(t *testing.T) {
	c := newClock()
	m := NewMonitor(30*time.Second, WithClock(c.Now))
	m.Reset(c.Now())
	m.Apply(readyEvent(model.ModeReal))

	c.Advance(30 * time.Second)
	require.False(t, m.Check(c.Now(), true), "exactly stale-after is not yet stale")
	require.Equal(t, model.HealthReady, m.Current().Status)

	c.Advance(time.Second)
	require.True(t, m.Check(c.Now(), true))
	snap := m.Current()
	require.Equal(t, model.HealthUnavailable, snap.Status)
	require.True(t, snap.Synthetic)
	require.Equal(t, "llama3", snap.ModelIdentifier)

	c.Advance(time.Second)
	require.False(t, m.Check(c.Now(), true), "escalation is reported once per stale period")

	m.Apply(readyEvent(model.ModeReal))
	c.Advance(31 * time.Second)
	require.True(t, m.Check(c.Now(), true))
}

func TestCheckIgnoresDisconnectedSession(t *testing.T) {
	c := newClock()
	m := NewMonitor(time.Second, WithClock(c.Now))
	m.Apply(readyEvent(model.ModeReal))
	c.Advance(time.Minute)
	require.False(t, m.Check(c.Now(), false))
	require.Equal(t, model.HealthReady, m.Current().Status)
}

func TestResetStartsNewPeriodWithoutEvent(t *testing.T) {
	c := newClock()
	m := NewMonitor(10*time.Second, WithClock(c.Now))
	m.Reset(c.Now())
	c.Advance(11 * time.Second)
	require.True(t, m.Check(c.Now(), true), "a peer that never sends health is stale too")
}

func TestInvalidatePublishesOnce(t *testing.T) {
	c := newClock()
	m := NewMonitor(10*time.Second, WithClock(c.Now))
	m.Apply(readyEvent(model.ModeMock))

	updates, cancel := m.Subscribe(4)
	defer cancel()

	m.Invalidate(c.Now())
	m.Invalidate(c.Now())

	got := <-updates
	require.Equal(t, model.HealthUnavailable, got.Status)
	require.Equal(t, model.ModeMock, got.Mode)
	select {
	case extra := <-updates:
		t.Fatalf("unexpected second update %+v", extra)
	default:
	}
}

func TestModeTransitionIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	m := NewMonitor(time.Minute, WithLogger(zap.New(core)))

	m.Apply(readyEvent(model.ModeReal))
	m.Apply(readyEvent(model.ModeMock))

	entries := logs.FilterMessage("engine mode changed").All()
	require.Len(t, entries, 1)
	require.Equal(t, "real", entries[0].ContextMap()["from"])
	require.Equal(t, "mock", entries[0].ContextMap()["to"])
}

func TestUnknownModeIsTreatedAsMock(t *testing.T) {
	m := NewMonitor(time.Minute)
	snap := m.Apply(wire.Health{Status: "ready", Mode: "quantum"})
	require.Equal(t, model.ModeMock, snap.Mode)

	snap = m.Apply(wire.Health{Status: "exploding", Mode: model.ModeReal})
	require.Equal(t, model.HealthUnavailable, snap.Status)
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	m := NewMonitor(time.Minute)
	updates, cancel := m.Subscribe(1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			m.Apply(readyEvent(model.ModeReal))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Apply blocked on a slow subscriber")
	}
	require.Equal(t, uint64(9), m.Dropped())

	cancel()
	cancel()
	<-updates
	_, open := <-updates
	require.False(t, open)
}

func TestCloseClosesSubscriptions(t *testing.T) {
	m := NewMonitor(time.Minute)
	updates, cancel := m.Subscribe(1)
	m.Close()
	_, open := <-updates
	require.False(t, open)
	cancel()

	late, _ := m.Subscribe(1)
	_, open = <-late
	require.False(t, open)
}
