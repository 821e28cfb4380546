// Package storetest provides an in-memory Gateway for unit and scenario tests, modeled on
// the teacher's in-memory repository mocks: plain maps guarded by a mutex, with an
// error-injection hook for exercising failure paths.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/trackguard/interlocking/internal/domain"
	"github.com/trackguard/interlocking/internal/store"
)

// Gateway is an in-memory implementation of store.Gateway.
type Gateway struct {
	mu sync.RWMutex

	signals       map[string]*domain.Signal
	segments      map[string]*domain.TrackSegment
	circuits      map[string]*domain.TrackCircuit
	pointMachines map[string]*domain.PointMachine
	routes        map[string]*domain.RouteAssignment
	locks         []*domain.ResourceLock
	rules         map[string]*domain.SignalRules
	routeEvents   map[string][]*domain.RouteEvent
	textLabels    map[string]*domain.TextLabel

	// rulesProtecting/circuitProtecting/segmentsProtecting let tests seed the triple-source lookups independently
	// of the Signal/TrackCircuit/TrackSegment records, mirroring the source's distinct tables.
	rulesProtecting    map[string][]string
	circuitProtecting  map[string][]string
	segmentsProtecting map[string][]string

	// signalProtectedCircuits is the interlocking-rules table's view of which circuits a
	// signal protects, used by the signal branch's own protection-agreement check. Seeded
	// separately from the Signal record so tests can exercise a disagreement.
	signalProtectedCircuits map[string][]string

	subscribers map[string][]store.NotificationHandler

	// ErrorOnNextCall, when set, is returned (and cleared) by the next mutator, ListRouteEvents
	// or Ping call.
	ErrorOnNextCall error

	seq int64
}

// New creates an empty in-memory Gateway.
func New() *Gateway {
	return &Gateway{
		signals:            make(map[string]*domain.Signal),
		segments:           make(map[string]*domain.TrackSegment),
		circuits:           make(map[string]*domain.TrackCircuit),
		pointMachines:      make(map[string]*domain.PointMachine),
		routes:             make(map[string]*domain.RouteAssignment),
		rules:              make(map[string]*domain.SignalRules),
		routeEvents:        make(map[string][]*domain.RouteEvent),
		textLabels:         make(map[string]*domain.TextLabel),
		rulesProtecting:         make(map[string][]string),
		circuitProtecting:       make(map[string][]string),
		segmentsProtecting:      make(map[string][]string),
		signalProtectedCircuits: make(map[string][]string),
		subscribers:             make(map[string][]store.NotificationHandler),
	}
}

func (g *Gateway) checkError() error {
	if g.ErrorOnNextCall != nil {
		err := g.ErrorOnNextCall
		g.ErrorOnNextCall = nil
		return err
	}
	return nil
}

// SeedSignal inserts or replaces a signal, for test setup.
func (g *Gateway) SeedSignal(s *domain.Signal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.signals[s.ID] = s
}

// SeedTrackCircuit inserts or replaces a track circuit.
func (g *Gateway) SeedTrackCircuit(c *domain.TrackCircuit) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.circuits[c.ID] = c
}

// SeedTextLabel inserts or replaces a schematic caption.
func (g *Gateway) SeedTextLabel(l *domain.TextLabel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.textLabels[l.ID] = l
}

// SeedTrackSegment inserts or replaces a track segment.
func (g *Gateway) SeedTrackSegment(s *domain.TrackSegment) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.segments[s.ID] = s
}

// SeedPointMachine inserts or replaces a point machine.
func (g *Gateway) SeedPointMachine(p *domain.PointMachine) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pointMachines[p.ID] = p
}

// SeedSignalRules inserts or replaces a signal's rule record.
func (g *Gateway) SeedSignalRules(r *domain.SignalRules) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules[r.SignalID] = r
}

// SeedSignalProtectedCircuits sets the interlocking-rules table's view of the circuits a
// signal protects, independent of the Signal record — for exercising the signal branch's
// protection-agreement check.
func (g *Gateway) SeedSignalProtectedCircuits(signalID string, circuitIDs []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.signalProtectedCircuits[signalID] = circuitIDs
}

// SeedProtectingSignals sets the three independently-queryable protecting-signal sources for
// a circuit, for exercising the triple-source consistency check.
func (g *Gateway) SeedProtectingSignals(circuitID string, fromRules, fromTrackCircuit, fromSegments []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rulesProtecting[circuitID] = fromRules
	g.circuitProtecting[circuitID] = fromTrackCircuit
	g.segmentsProtecting[circuitID] = fromSegments
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// --- Getters -----------------------------------------------------------------

func (g *Gateway) GetSignal(ctx context.Context, id string) (*domain.Signal, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.signals[id]
	if !ok {
		return nil, fmt.Errorf("signal %s: not found", id)
	}
	cp := *s
	return &cp, nil
}

func (g *Gateway) GetTextLabel(ctx context.Context, id string) (*domain.TextLabel, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	l, ok := g.textLabels[id]
	if !ok {
		return nil, fmt.Errorf("text label %s: not found", id)
	}
	cp := *l
	return &cp, nil
}

func (g *Gateway) ListTextLabels(ctx context.Context) ([]*domain.TextLabel, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*domain.TextLabel, 0, len(g.textLabels))
	for _, l := range g.textLabels {
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *Gateway) GetTrackSegment(ctx context.Context, id string) (*domain.TrackSegment, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.segments[id]
	if !ok {
		return nil, fmt.Errorf("track segment %s: not found", id)
	}
	cp := *s
	return &cp, nil
}

func (g *Gateway) GetTrackCircuit(ctx context.Context, id string) (*domain.TrackCircuit, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.circuits[id]
	if !ok {
		return nil, fmt.Errorf("track circuit %s: not found", id)
	}
	cp := *c
	return &cp, nil
}

func (g *Gateway) GetTrackCircuitBySegment(ctx context.Context, segmentID string) (*domain.TrackCircuit, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seg, ok := g.segments[segmentID]
	if !ok {
		return nil, fmt.Errorf("track segment %s: not found", segmentID)
	}
	c, ok := g.circuits[seg.CircuitID]
	if !ok {
		return nil, fmt.Errorf("track circuit %s: not found", seg.CircuitID)
	}
	cp := *c
	return &cp, nil
}

func (g *Gateway) GetPointMachine(ctx context.Context, id string) (*domain.PointMachine, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.pointMachines[id]
	if !ok {
		return nil, fmt.Errorf("point machine %s: not found", id)
	}
	cp := *p
	return &cp, nil
}

func (g *Gateway) GetRouteAssignment(ctx context.Context, id string) (*domain.RouteAssignment, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.routes[id]
	if !ok {
		return nil, fmt.Errorf("route %s: not found", id)
	}
	cp := *r
	return &cp, nil
}

// --- Listers -------------------------------------------------------------------

func (g *Gateway) ListSignals(ctx context.Context) ([]*domain.Signal, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*domain.Signal, 0, len(g.signals))
	for _, s := range g.signals {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *Gateway) ListTrackCircuits(ctx context.Context) ([]*domain.TrackCircuit, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*domain.TrackCircuit, 0, len(g.circuits))
	for _, c := range g.circuits {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *Gateway) ListPointMachines(ctx context.Context) ([]*domain.PointMachine, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*domain.PointMachine, 0, len(g.pointMachines))
	for _, p := range g.pointMachines {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *Gateway) ListSegmentsByCircuit(ctx context.Context, circuitID string) ([]*domain.TrackSegment, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*domain.TrackSegment
	for _, s := range g.segments {
		if s.CircuitID == circuitID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out, nil
}

func (g *Gateway) ListActiveRouteAssignments(ctx context.Context) ([]*domain.RouteAssignment, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*domain.RouteAssignment
	for _, r := range g.routes {
		if !r.State.Terminal() {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *Gateway) ListResourceLocks(ctx context.Context, resourceType domain.ResourceType, resourceID string) ([]*domain.ResourceLock, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*domain.ResourceLock
	for _, l := range g.locks {
		if l.ResourceType == resourceType && l.ResourceID == resourceID && l.IsActive {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Triple-source protecting-signal resolution -------------------------------

func (g *Gateway) GetProtectingSignalsFromRules(ctx context.Context, circuitID string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return cloneStrings(g.rulesProtecting[circuitID]), nil
}

func (g *Gateway) GetProtectingSignalsFromTrackCircuit(ctx context.Context, circuitID string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if ids, ok := g.circuitProtecting[circuitID]; ok {
		return cloneStrings(ids), nil
	}
	if c, ok := g.circuits[circuitID]; ok {
		return cloneStrings(c.ProtectingSignals), nil
	}
	return nil, nil
}

func (g *Gateway) GetProtectingSignalsFromTrackSegments(ctx context.Context, circuitID string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if ids, ok := g.segmentsProtecting[circuitID]; ok {
		return cloneStrings(ids), nil
	}
	var out []string
	seen := make(map[string]struct{})
	for _, s := range g.segments {
		if s.CircuitID != circuitID {
			continue
		}
		for _, sig := range s.ProtectingSignals {
			if _, ok := seen[sig]; !ok {
				seen[sig] = struct{}{}
				out = append(out, sig)
			}
		}
	}
	return out, nil
}

func (g *Gateway) GetProtectedCircuitsFromRules(ctx context.Context, signalID string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if ids, ok := g.signalProtectedCircuits[signalID]; ok {
		return cloneStrings(ids), nil
	}
	if s, ok := g.signals[signalID]; ok {
		return cloneStrings(s.ProtectedTrackCircuits), nil
	}
	return nil, nil
}

func (g *Gateway) ListSignalRules(ctx context.Context) ([]*domain.SignalRules, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*domain.SignalRules, 0, len(g.rules))
	for _, r := range g.rules {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// --- Mutators ------------------------------------------------------------------

func (g *Gateway) UpdateSignalAspect(ctx context.Context, signalID string, aspect domain.MainAspect, operator string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkError(); err != nil {
		return err
	}
	s, ok := g.signals[signalID]
	if !ok {
		return fmt.Errorf("signal %s: not found", signalID)
	}
	s.MainAspect = aspect
	g.notifyLocked("signals", "UPDATE", signalID)
	return nil
}

func (g *Gateway) UpdateSubsidiarySignalAspect(ctx context.Context, signalID string, kind domain.SubsidiaryKind, value string, operator string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkError(); err != nil {
		return err
	}
	s, ok := g.signals[signalID]
	if !ok {
		return fmt.Errorf("signal %s: not found", signalID)
	}
	switch kind {
	case domain.SubsidiaryCallingOn:
		s.CallingOnAspect = domain.CallingOnAspect(value)
	case domain.SubsidiaryLoop:
		s.LoopAspect = domain.LoopAspect(value)
	}
	g.notifyLocked("signals", "UPDATE", signalID)
	return nil
}

func (g *Gateway) UpdatePointPositionPaired(ctx context.Context, machineID string, requested domain.PointPosition, operator string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkError(); err != nil {
		return false, err
	}
	m, ok := g.pointMachines[machineID]
	if !ok {
		return false, fmt.Errorf("point machine %s: not found", machineID)
	}
	m.CurrentPosition = requested
	g.notifyLocked("point_machines", "UPDATE", machineID)

	mismatch := false
	if m.PairedEntity != "" {
		if paired, ok := g.pointMachines[m.PairedEntity]; ok && paired.CurrentPosition != requested {
			paired.CurrentPosition = requested
			mismatch = true
			g.notifyLocked("point_machines", "UPDATE", paired.ID)
		}
	}
	return mismatch, nil
}

func (g *Gateway) UpdateTrackCircuitOccupancy(ctx context.Context, circuitID string, occupied bool, occupiedBy string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkError(); err != nil {
		return err
	}
	c, ok := g.circuits[circuitID]
	if !ok {
		return fmt.Errorf("track circuit %s: not found", circuitID)
	}
	c.IsOccupied = occupied
	c.OccupiedBy = occupiedBy
	g.notifyLocked("track_circuits", "UPDATE", circuitID)
	return nil
}

func (g *Gateway) UpdateTrackSegmentOccupancy(ctx context.Context, segmentID string, occupied bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkError(); err != nil {
		return err
	}
	if _, ok := g.segments[segmentID]; !ok {
		return fmt.Errorf("track segment %s: not found", segmentID)
	}
	g.notifyLocked("track_segments", "UPDATE", segmentID)
	return nil
}

func (g *Gateway) InsertRouteAssignment(ctx context.Context, route *domain.RouteAssignment) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkError(); err != nil {
		return err
	}
	if route.ReservedAt.IsZero() {
		route.ReservedAt = time.Now()
	}
	cp := *route
	g.routes[route.ID] = &cp
	g.notifyLocked("route_assignments", "INSERT", route.ID)
	return nil
}

func (g *Gateway) UpdateRouteState(ctx context.Context, routeID string, newState domain.RouteState, operator, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkError(); err != nil {
		return err
	}
	r, ok := g.routes[routeID]
	if !ok {
		return fmt.Errorf("route %s: not found", routeID)
	}
	r.State = newState
	now := time.Now()
	switch newState {
	case domain.RouteActive:
		r.ActivatedAt = &now
	case domain.RouteReleased, domain.RouteFailed, domain.RoutePartiallyReleased:
		r.ReleasedAt = &now
		if newState == domain.RouteFailed {
			r.FailureReason = reason
		}
	}
	g.notifyLocked("route_assignments", "UPDATE", routeID)
	return nil
}

func (g *Gateway) UpdateRoutePerformanceMetrics(ctx context.Context, routeID string, metrics []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkError(); err != nil {
		return err
	}
	r, ok := g.routes[routeID]
	if !ok {
		return fmt.Errorf("route %s: not found", routeID)
	}
	r.PerformanceMetrics = metrics
	return nil
}

func (g *Gateway) DeleteRouteAssignment(ctx context.Context, routeID string, forceDelete bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkError(); err != nil {
		return err
	}
	r, ok := g.routes[routeID]
	if !ok {
		return fmt.Errorf("route %s: not found", routeID)
	}
	if !r.State.Terminal() && !forceDelete {
		return fmt.Errorf("route %s: cannot delete a non-terminal route without force_delete", routeID)
	}
	delete(g.routes, routeID)
	g.notifyLocked("route_assignments", "DELETE", routeID)
	return nil
}

func (g *Gateway) InsertRouteEvent(ctx context.Context, event *domain.RouteEvent) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkError(); err != nil {
		return err
	}
	g.seq++
	event.Seq = g.seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	cp := *event
	g.routeEvents[event.RouteID] = append(g.routeEvents[event.RouteID], &cp)
	g.notifyLocked("route_events", "INSERT", event.RouteID)
	return nil
}

// RouteEvents returns the journal for a route, in sequence order, for test assertions.
func (g *Gateway) RouteEvents(routeID string) []*domain.RouteEvent {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*domain.RouteEvent(nil), g.routeEvents[routeID]...)
}

func (g *Gateway) ListRouteEvents(ctx context.Context, routeID string) ([]*domain.RouteEvent, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if err := g.checkError(); err != nil {
		return nil, err
	}
	return append([]*domain.RouteEvent(nil), g.routeEvents[routeID]...), nil
}

func (g *Gateway) AcquireResourceLock(ctx context.Context, lock *domain.ResourceLock) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkError(); err != nil {
		return err
	}
	if lock.AcquiredAt.IsZero() {
		lock.AcquiredAt = time.Now()
	}
	lock.IsActive = true
	cp := *lock
	g.locks = append(g.locks, &cp)
	g.notifyLocked("resource_locks", "INSERT", lock.ResourceID)
	return nil
}

func (g *Gateway) ReleaseResourceLocks(ctx context.Context, routeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkError(); err != nil {
		return err
	}
	for _, l := range g.locks {
		if l.RouteID == routeID {
			l.IsActive = false
		}
	}
	g.notifyLocked("resource_locks", "UPDATE", routeID)
	return nil
}

// --- Notifications & transactions ------------------------------------------------

func (g *Gateway) Subscribe(ctx context.Context, channel string, handler store.NotificationHandler) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscribers[channel] = append(g.subscribers[channel], handler)
	return nil
}

// notifyLocked dispatches to every "railway_changes" subscriber synchronously. Callers must already hold g.mu;
// it releases and reacquires briefly so handlers may themselves call back into the gateway.
func (g *Gateway) notifyLocked(table, operation, entityID string) {
	handlers := append([]store.NotificationHandler(nil), g.subscribers["railway_changes"]...)
	g.mu.Unlock()
	for _, h := range handlers {
		h(context.Background(), store.Notification{Table: table, Operation: operation, EntityID: entityID})
	}
	g.mu.Lock()
}

// PublishSelfTest mirrors postgres.Store's method of the same name, so distributor tests can
// exercise the startup self-test path against the in-memory fake through the same optional
// interface the real store satisfies.
func (g *Gateway) PublishSelfTest(ctx context.Context, channel string) error {
	g.mu.Lock()
	handlers := append([]store.NotificationHandler(nil), g.subscribers[channel]...)
	g.mu.Unlock()
	for _, h := range handlers {
		h(ctx, store.Notification{Test: "startup"})
	}
	return nil
}

func (g *Gateway) Transaction(ctx context.Context, fn func(ctx context.Context, tx store.Gateway) error) error {
	return fn(ctx, g)
}

func (g *Gateway) Ping(ctx context.Context) error {
	return g.checkError()
}

var _ store.Gateway = (*Gateway)(nil)
