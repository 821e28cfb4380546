package distributor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/trackguard/interlocking/infrastructure/logging"
	"github.com/trackguard/interlocking/infrastructure/metrics"
	"github.com/trackguard/interlocking/infrastructure/resilience"
	"github.com/trackguard/interlocking/internal/domain"
	"github.com/trackguard/interlocking/internal/store"
)

// Cadence names the two adaptive polling speeds.
type Cadence string

const (
	CadenceSlow Cadence = "SLOW"
	CadenceFast Cadence = "FAST"
)

// NotificationChannel is the single channel name the store publishes every watched table's
// change on.
const NotificationChannel = "railway_changes"

// Config configures the health clock, the two polling cadences, and the notification queue.
type Config struct {
	FastInterval       time.Duration
	SlowInterval       time.Duration
	HealthCheckEvery   time.Duration
	UnhealthyThreshold time.Duration
	QueueSize          int
	// PollRateLimit bounds outbound Store Gateway scan calls per second while at FAST
	// cadence, so a prolonged notification outage cannot itself overload the store.
	PollRateLimit rate.Limit
}

// DefaultConfig matches the resolved Open Question values: a 300s unhealthy threshold and a
// ~100s health-check cadence.
func DefaultConfig() Config {
	return Config{
		FastInterval:       5 * time.Second,
		SlowInterval:       60 * time.Second,
		HealthCheckEvery:    100 * time.Second,
		UnhealthyThreshold: 300 * time.Second,
		QueueSize:          256,
		PollRateLimit:      5,
	}
}

// selfTester is implemented by store.Gateway backends (concretely *postgres.Store) that can
// emit the startup self-test notification. storetest.Gateway implements it too, so tests can
// exercise the same path. Backends that don't implement it simply skip the self-test.
type selfTester interface {
	PublishSelfTest(ctx context.Context, channel string) error
}

// Distributor is the Change Distributor: notification subscriber, health clock, adaptive
// poller, and the single Publish fan-out point for every typed Event in this module.
type Distributor struct {
	gw  store.Gateway
	cfg Config
	log *logging.Logger
	m   *metrics.Metrics

	mu           sync.Mutex
	observers    []Observer
	cadence      Cadence
	lastReceived time.Time

	cron        *cron.Cron
	pollEntryID cron.EntryID
	limiter     *rate.Limiter
	pollBreaker *resilience.CircuitBreaker

	queue  chan store.Notification
	stopCh chan struct{}
	wg     sync.WaitGroup

	fpMu                sync.Mutex
	signalFingerprints  map[string]string
	circuitFingerprints map[string]string
}

// New builds a Distributor bound to gw. Call Start to begin subscribing and polling.
func New(gw store.Gateway, cfg Config, log *logging.Logger, m *metrics.Metrics) *Distributor {
	if cfg.FastInterval == 0 {
		cfg = DefaultConfig()
	}
	d := &Distributor{
		gw:                  gw,
		cfg:                 cfg,
		log:                 log,
		m:                   m,
		cadence:             CadenceSlow,
		cron:                cron.New(),
		limiter:             rate.NewLimiter(cfg.PollRateLimit, 1),
		queue:               make(chan store.Notification, cfg.QueueSize),
		stopCh:              make(chan struct{}),
		signalFingerprints:  make(map[string]string),
		circuitFingerprints: make(map[string]string),
	}

	// The poll loop is the safety net for a dropped notification stream; if the store itself
	// is the thing failing, a sustained FAST cadence would otherwise hammer it with scans on
	// top of whatever already has it struggling. The breaker gives poll a cooldown instead.
	d.pollBreaker = resilience.New(resilience.Config{
		MaxFailures: 3,
		Timeout:     d.cfg.SlowInterval,
		OnStateChange: func(from, to resilience.State) {
			degraded := to == resilience.StateOpen
			if d.m != nil {
				d.m.RecordError("distributor", "store_poll_circuit", to.String())
			}
			d.Publish(Event{
				Type:    EventStorePollDegraded,
				Details: map[string]interface{}{"state": to.String(), "degraded": degraded},
			})
		},
	})

	return d
}

// cadenceSnapshot reports the current polling cadence, for tests and diagnostics.
func (d *Distributor) cadenceSnapshot() Cadence {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cadence
}

// RegisterObserver adds an observer to the fan-out list. Must be called before Start;
// registration is not safe to race against a running dispatch loop.
func (d *Distributor) RegisterObserver(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, o)
}

// Publish fans ev out to every registered observer synchronously, in registration order.
// Both the distributor's own notification/polling logic and other core components (the
// Interlocking Service's branches, the Route Lifecycle Manager) call this as their single
// path to the HMI observer surface.
func (d *Distributor) Publish(ev Event) {
	d.mu.Lock()
	observers := append([]Observer(nil), d.observers...)
	d.mu.Unlock()
	for _, o := range observers {
		o.OnEvent(ev)
	}
}

// Start subscribes to the notification channel, launches the dispatch loop, the health-check
// timer, and the initial SLOW-cadence poll job. It performs (and waits briefly to confirm) the
// startup self-test notification if the gateway supports it.
func (d *Distributor) Start(ctx context.Context) error {
	d.lastReceived = time.Now()

	if err := d.gw.Subscribe(ctx, NotificationChannel, d.onNotification); err != nil {
		return fmt.Errorf("distributor: subscribe: %w", err)
	}

	if _, err := d.cron.AddFunc(fmt.Sprintf("@every %s", d.cfg.SlowInterval), func() { d.poll(context.Background()) }); err != nil {
		return fmt.Errorf("distributor: schedule poll: %w", err)
	}
	entries := d.cron.Entries()
	if len(entries) > 0 {
		d.pollEntryID = entries[len(entries)-1].ID
	}
	d.cron.Start()

	d.wg.Add(2)
	go d.dispatchLoop()
	go d.healthLoop()

	if st, ok := d.gw.(selfTester); ok {
		if err := st.PublishSelfTest(ctx, NotificationChannel); err != nil && d.log != nil {
			d.log.WithError(err).Warn("distributor: startup self-test publish failed")
		}
	}

	return nil
}

// Stop drains the cron scheduler and background loops.
func (d *Distributor) Stop() {
	d.cron.Stop()
	close(d.stopCh)
	d.wg.Wait()
}

// onNotification is the store.NotificationHandler registered at Start; it never blocks the
// caller's goroutine — a full queue drops the notification, counts it, and forces FAST
// cadence, since dropping can only mean the dispatch loop is falling behind.
func (d *Distributor) onNotification(ctx context.Context, n store.Notification) {
	select {
	case d.queue <- n:
	default:
		if d.m != nil {
			d.m.DistributorQueueDrops.Inc()
		}
		if d.log != nil {
			d.log.WithFields(map[string]interface{}{"table": n.Table, "entity_id": n.EntityID}).Warn("distributor: notification queue full, dropping")
		}
		d.setCadence(CadenceFast)
	}
}

// dispatchLoop drains the queue on a single goroutine, preserving the per-(table,entity_id)
// ordering guarantee: one reader, no fan-out across goroutines ahead of Publish.
func (d *Distributor) dispatchLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case n := <-d.queue:
			d.handleNotification(n)
		}
	}
}

func (d *Distributor) handleNotification(n store.Notification) {
	if d.m != nil {
		d.m.NotificationsReceived.Inc()
	}

	wasFast := d.cadence == CadenceFast
	d.mu.Lock()
	d.lastReceived = time.Now()
	d.mu.Unlock()

	if n.Test != "" {
		// Startup self-test: updates the health clock above but must never trigger a refresh.
		if wasFast {
			d.setCadence(CadenceSlow)
		}
		return
	}

	if wasFast {
		d.setCadence(CadenceSlow)
	}

	switch n.Table {
	case "signals":
		d.Publish(Event{Type: EventSignalsChanged})
		d.Publish(Event{Type: EventSignalUpdated, EntityID: n.EntityID})
	case "point_machines":
		d.Publish(Event{Type: EventPointMachinesChanged})
		d.Publish(Event{Type: EventPointMachineUpdated, EntityID: n.EntityID})
	case "track_circuits":
		d.Publish(Event{Type: EventTrackCircuitsChanged})
		d.Publish(Event{Type: EventTrackCircuitUpdated, EntityID: n.EntityID})
		// A circuit's change implies its segments changed too — segments have no occupancy
		// of their own.
		d.Publish(Event{Type: EventTrackSegmentsChanged})
	case "route_assignments":
		switch n.Operation {
		case "INSERT":
			d.Publish(Event{Type: EventRouteAssignmentInserted, EntityID: n.EntityID})
		case "DELETE":
			d.Publish(Event{Type: EventRouteDeleted, EntityID: n.EntityID})
		default:
			d.Publish(Event{Type: EventRouteStateChanged, EntityID: n.EntityID})
		}
	case "resource_locks":
		d.Publish(Event{Type: EventResourceLockAcquired, EntityID: n.EntityID})
	}
}

// healthLoop runs the ~100s health-check timer: when the last received notification (real or
// self-test) is older than the unhealthy threshold, it forces FAST cadence.
func (d *Distributor) healthLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.HealthCheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.mu.Lock()
			silentFor := time.Since(d.lastReceived)
			d.mu.Unlock()
			if silentFor > d.cfg.UnhealthyThreshold {
				d.setCadence(CadenceFast)
			}
		}
	}
}

// setCadence swaps the polling cron.Entry for one at the new interval, if the cadence is
// actually changing, and fires exactly one polling_interval_changed event. cron.Every's
// ConstantDelaySchedule cannot be mutated in place, so a cadence change is a remove-and-re-add
// of the entry — the idiomatic way this library supports a runtime-changeable period.
func (d *Distributor) setCadence(next Cadence) {
	d.mu.Lock()
	if d.cadence == next {
		d.mu.Unlock()
		return
	}
	d.cadence = next
	interval := d.cfg.SlowInterval
	if next == CadenceFast {
		interval = d.cfg.FastInterval
	}
	d.mu.Unlock()

	d.cron.Remove(d.pollEntryID)
	id, err := d.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() { d.poll(context.Background()) })
	if err == nil {
		d.pollEntryID = id
	}

	if d.m != nil {
		d.m.SetPollingInterval(interval)
	}
	d.Publish(Event{Type: EventPollingIntervalChanged, Details: map[string]interface{}{"cadence": string(next), "interval_ms": interval.Milliseconds()}})
}

// poll is the SAFETY net: it scans signals and track circuits directly, independent of
// whether notifications are flowing, and emits per-entity changed events on fingerprint
// transitions. Rate-limited so a sustained FAST cadence cannot itself overload the store.
func (d *Distributor) poll(ctx context.Context) {
	if err := d.limiter.Wait(ctx); err != nil {
		return
	}

	var signals []*domain.Signal
	err := d.pollBreaker.Execute(ctx, func() error {
		var execErr error
		signals, execErr = d.gw.ListSignals(ctx)
		return execErr
	})
	if err != nil {
		if d.log != nil {
			d.log.WithError(err).Warn("distributor: poll list signals failed")
		}
	} else {
		d.fpMu.Lock()
		for _, s := range signals {
			fp := signalFingerprint(s)
			if prev, ok := d.signalFingerprints[s.ID]; !ok || prev != fp {
				d.signalFingerprints[s.ID] = fp
				d.fpMu.Unlock()
				d.Publish(Event{Type: EventSignalUpdated, EntityID: s.ID})
				d.fpMu.Lock()
			}
		}
		d.fpMu.Unlock()
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return
	}

	var circuits []*domain.TrackCircuit
	err = d.pollBreaker.Execute(ctx, func() error {
		var execErr error
		circuits, execErr = d.gw.ListTrackCircuits(ctx)
		return execErr
	})
	if err != nil {
		if d.log != nil {
			d.log.WithError(err).Warn("distributor: poll list track circuits failed")
		}
		return
	}
	d.fpMu.Lock()
	for _, c := range circuits {
		fp := circuitFingerprint(c)
		if prev, ok := d.circuitFingerprints[c.ID]; !ok || prev != fp {
			d.circuitFingerprints[c.ID] = fp
			d.fpMu.Unlock()
			d.Publish(Event{Type: EventTrackCircuitUpdated, EntityID: c.ID})
			d.fpMu.Lock()
		}
	}
	d.fpMu.Unlock()
}

// signalFingerprint captures the fields an HMI observer would need to redraw a signal. It is
// deliberately a plain string join rather than a hash: cheap, and trivial to read in a debugger.
func signalFingerprint(s *domain.Signal) string {
	return strings.Join([]string{
		string(s.MainAspect), string(s.CallingOnAspect), string(s.LoopAspect),
		boolStr(s.IsLocked), boolStr(s.IsActive),
	}, "|")
}

// circuitFingerprint captures the fields that change as a track circuit is occupied, assigned,
// or released.
func circuitFingerprint(c *domain.TrackCircuit) string {
	return strings.Join([]string{
		boolStr(c.IsOccupied), c.OccupiedBy, boolStr(c.IsAssigned), boolStr(c.IsOverlap),
	}, "|")
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
