package distributor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trackguard/interlocking/infrastructure/metrics"
	"github.com/trackguard/interlocking/internal/domain"
	"github.com/trackguard/interlocking/internal/store"
	"github.com/trackguard/interlocking/internal/store/storetest"
)

// collector is a thread-safe Observer that records every published event, for assertions.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) OnEvent(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *collector) countType(t EventType) int {
	n := 0
	for _, ev := range c.snapshot() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func newTestDistributor(t *testing.T, gw *storetest.Gateway, cfg Config) (*Distributor, *collector) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry("distributor-test", reg)
	d := New(gw, cfg, nil, m)
	c := &collector{}
	d.RegisterObserver(c)
	return d, c
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// quiescentConfig disables the background poll and health-check timers (by setting them far
// beyond the test's lifetime) so only the notification path under test can produce events.
func quiescentConfig() Config {
	cfg := DefaultConfig()
	cfg.SlowInterval = time.Hour
	cfg.FastInterval = time.Hour
	cfg.HealthCheckEvery = time.Hour
	return cfg
}

func TestDistributor_NotificationFansOutTypedEvent(t *testing.T) {
	gw := storetest.New()
	gw.SeedSignal(&domain.Signal{ID: "SIG-1", Type: domain.SignalHome, PossibleAspects: []domain.MainAspect{domain.AspectRed, domain.AspectGreen}})

	d, c := newTestDistributor(t, gw, quiescentConfig())
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	if err := gw.UpdateSignalAspect(context.Background(), "SIG-1", domain.AspectGreen, "test"); err != nil {
		t.Fatalf("update signal: %v", err)
	}

	waitFor(t, time.Second, func() bool { return c.countType(EventSignalUpdated) > 0 })
	if c.countType(EventSignalsChanged) == 0 {
		t.Error("expected a signals_changed event alongside signal_updated")
	}
}

func TestDistributor_SelfTestDoesNotTriggerRefresh(t *testing.T) {
	gw := storetest.New()
	d, c := newTestDistributor(t, gw, quiescentConfig())

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	waitFor(t, time.Second, func() bool { return true })
	time.Sleep(50 * time.Millisecond)

	for _, ev := range c.snapshot() {
		if ev.Type == EventSignalsChanged || ev.Type == EventTrackCircuitsChanged {
			t.Fatalf("self-test notification must not trigger a refresh event, got %v", ev.Type)
		}
	}
}

// TestDistributor_HealthClockForcesFastThenRecoversOnNotification covers the scenario where
// notifications stop arriving: after the unhealthy threshold elapses, the health clock forces
// FAST cadence and fires exactly one polling_interval_changed(FAST) event, and a subsequent
// notification flips it back to SLOW with exactly one more event.
func TestDistributor_HealthClockForcesFastThenRecoversOnNotification(t *testing.T) {
	gw := storetest.New()
	gw.SeedSignal(&domain.Signal{ID: "SIG-1", Type: domain.SignalHome, PossibleAspects: []domain.MainAspect{domain.AspectRed, domain.AspectGreen}})

	cfg := quiescentConfig()
	cfg.HealthCheckEvery = 20 * time.Millisecond
	cfg.UnhealthyThreshold = 30 * time.Millisecond
	d, c := newTestDistributor(t, gw, cfg)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	waitFor(t, time.Second, func() bool { return d.cadenceSnapshot() == CadenceFast })
	waitFor(t, time.Second, func() bool { return c.countType(EventPollingIntervalChanged) >= 1 })

	if err := gw.UpdateSignalAspect(context.Background(), "SIG-1", domain.AspectGreen, "test"); err != nil {
		t.Fatalf("update signal: %v", err)
	}

	waitFor(t, time.Second, func() bool { return d.cadenceSnapshot() == CadenceSlow })

	if changes := c.countType(EventPollingIntervalChanged); changes != 2 {
		t.Errorf("expected exactly 2 polling_interval_changed events (FAST then SLOW), got %d", changes)
	}
}

func TestDistributor_QueueOverflowDropsAndForcesFast(t *testing.T) {
	gw := storetest.New()
	cfg := quiescentConfig()
	cfg.QueueSize = 1
	d, c := newTestDistributor(t, gw, cfg)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	// Fill the queue's single slot, then push past it directly: onNotification must not
	// block, and the overflow must force FAST cadence and count a drop.
	d.queue <- store.Notification{Table: "signals", EntityID: "SIG-1"}
	d.onNotification(context.Background(), store.Notification{Table: "signals", EntityID: "SIG-2"})

	waitFor(t, time.Second, func() bool { return d.cadenceSnapshot() == CadenceFast })
	_ = c
}
