package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/trackguard/interlocking/infrastructure/logging"
	"github.com/trackguard/interlocking/internal/domain"
	"github.com/trackguard/interlocking/internal/interlocking"
	"github.com/trackguard/interlocking/internal/store"
)

// Request describes an operator's new-route ask.
type Request struct {
	SourceSignal        string
	DestSignal          string
	Direction           domain.Direction
	Path                []string
	OverlapCircuits     []string
	LockedPointMachines []string
	Priority            int
	OperatorID          string
}

// Manager implements the Route Lifecycle Manager: the RESERVED/ACTIVE/PARTIALLY_RELEASED/
// RELEASED/FAILED state machine, resource-conflict detection, and the route-event journal.
type Manager struct {
	gw           store.Gateway
	signalBranch *interlocking.SignalBranch
	log          *logging.Logger
	observer     Observer
}

// New builds a Manager bound to a Store Gateway and the Signal Branch it delegates
// source-signal clearance/restoration checks to. observer may be nil in tests that do not
// care about emitted events.
func New(gw store.Gateway, signalBranch *interlocking.SignalBranch, log *logging.Logger, observer Observer) *Manager {
	return &Manager{gw: gw, signalBranch: signalBranch, log: log, observer: observer}
}

// RequestRoute validates a new route request, reserves the path's locks, and journals
// creation. The route is returned in RESERVED state.
func (m *Manager) RequestRoute(ctx context.Context, req Request) (*domain.RouteAssignment, error) {
	if err := m.validateRouteRequest(ctx, req); err != nil {
		return nil, err
	}

	allResources := append(append([]string{}, req.Path...), req.OverlapCircuits...)
	if err := m.checkResourceConflicts(ctx, domain.ResourceTrackCircuit, allResources, ""); err != nil {
		return nil, err
	}
	if err := m.checkResourceConflicts(ctx, domain.ResourcePointMachine, req.LockedPointMachines, ""); err != nil {
		return nil, err
	}

	route := &domain.RouteAssignment{
		ID:                  uuid.NewString(),
		SourceSignal:        req.SourceSignal,
		DestSignal:          req.DestSignal,
		Direction:           req.Direction,
		AssignedCircuits:    req.Path,
		OverlapCircuits:     req.OverlapCircuits,
		LockedPointMachines: req.LockedPointMachines,
		State:               domain.RouteReserved,
		Priority:            req.Priority,
		OperatorID:          req.OperatorID,
		ReservedAt:          time.Now(),
	}

	if err := m.gw.InsertRouteAssignment(ctx, route); err != nil {
		return nil, fmt.Errorf("routes: insert route assignment: %w", err)
	}
	if m.observer != nil {
		m.observer.OnRouteAssignmentInserted(ctx, route.ID)
	}

	if err := m.acquireLocks(ctx, route); err != nil {
		_ = m.gw.DeleteRouteAssignment(ctx, route.ID, true)
		return nil, fmt.Errorf("routes: acquire locks for route %s: %w", route.ID, err)
	}

	if err := m.journal(ctx, route.ID, domain.EventRouteCreated, req.OperatorID, "route-request", true, map[string]interface{}{
		"source_signal": req.SourceSignal,
		"dest_signal":    req.DestSignal,
		"path":          req.Path,
	}); err != nil {
		return nil, err
	}

	return route, nil
}

func (m *Manager) validateRouteRequest(ctx context.Context, req Request) error {
	if _, err := m.gw.GetSignal(ctx, req.SourceSignal); err != nil {
		return interlocking.Blocked(interlocking.RuleSignalNotFound, "source signal not found", req.SourceSignal)
	}
	if _, err := m.gw.GetSignal(ctx, req.DestSignal); err != nil {
		return interlocking.Blocked(interlocking.RuleSignalNotFound, "destination signal not found", req.DestSignal)
	}
	if req.Direction != domain.DirectionUp && req.Direction != domain.DirectionDown {
		return interlocking.Blocked(interlocking.RuleInvalidDirection, "direction must be UP or DOWN", req.SourceSignal)
	}
	if len(req.Path) == 0 {
		return interlocking.Blocked(interlocking.RuleEmptyPath, "path must name at least one circuit", req.SourceSignal)
	}

	for _, circuitID := range req.Path {
		circuit, err := m.gw.GetTrackCircuit(ctx, circuitID)
		if err != nil {
			return interlocking.Blocked(interlocking.RuleCircuitUnknown, "path circuit does not exist", circuitID)
		}
		if circuit.IsOccupied {
			return interlocking.Blocked(interlocking.RuleCircuitOccupied, "path circuit is occupied", circuitID)
		}
	}

	active, err := m.gw.ListActiveRouteAssignments(ctx)
	if err != nil {
		return fmt.Errorf("routes: list active route assignments: %w", err)
	}
	for _, other := range active {
		if domain.Intersects(req.Path, other.AssignedCircuits) {
			return interlocking.Blocked(interlocking.RuleRouteConflict,
				fmt.Sprintf("requested path overlaps assigned circuits of route %s", other.ID), other.ID)
		}
	}
	return nil
}

// checkResourceConflicts implements validate_resource_conflict for every resource in ids,
// aggregating every conflicting route into one ValidationBlocked rather than stopping at the
// first.
func (m *Manager) checkResourceConflicts(ctx context.Context, resourceType domain.ResourceType, ids []string, requestingRouteID string) error {
	var merr *multierror.Error
	var conflicting []string

	for _, id := range ids {
		locks, err := m.gw.ListResourceLocks(ctx, resourceType, id)
		if err != nil {
			return fmt.Errorf("routes: list resource locks for %s: %w", id, err)
		}
		for _, lock := range locks {
			if lock.RouteID == requestingRouteID {
				continue
			}
			switch lock.LockType {
			case domain.LockRoute, domain.LockEmergency, domain.LockMaintenance:
				merr = multierror.Append(merr, fmt.Errorf("%s held by route %s via %s lock", id, lock.RouteID, lock.LockType))
				conflicting = append(conflicting, lock.RouteID)
			case domain.LockOverlap:
				if resourceType == domain.ResourceTrackCircuit {
					merr = multierror.Append(merr, fmt.Errorf("%s has an overlap lock held by route %s", id, lock.RouteID))
					conflicting = append(conflicting, lock.RouteID)
				}
			default:
				merr = multierror.Append(merr, fmt.Errorf("%s has an unrecognized lock type %q held by route %s", id, lock.LockType, lock.RouteID))
				conflicting = append(conflicting, lock.RouteID)
			}
		}

		if resourceType == domain.ResourcePointMachine {
			if pairedConflict := m.pairedMachineConflict(ctx, id, requestingRouteID); pairedConflict != nil {
				merr = multierror.Append(merr, pairedConflict)
			}
		}
	}

	if merr.ErrorOrNil() != nil {
		return interlocking.Blocked(interlocking.RuleResourceConflict, merr.Error(), conflicting...)
	}
	return nil
}

// pairedMachineConflict implements "point machines inherit their paired machine's conflicts":
// a ROUTE/EMERGENCY/MAINTENANCE lock on the paired entity blocks this machine too.
func (m *Manager) pairedMachineConflict(ctx context.Context, machineID, requestingRouteID string) error {
	machine, err := m.gw.GetPointMachine(ctx, machineID)
	if err != nil || machine.PairedEntity == "" {
		return nil
	}
	locks, err := m.gw.ListResourceLocks(ctx, domain.ResourcePointMachine, machine.PairedEntity)
	if err != nil {
		return nil
	}
	for _, lock := range locks {
		if lock.RouteID == requestingRouteID {
			continue
		}
		switch lock.LockType {
		case domain.LockRoute, domain.LockEmergency, domain.LockMaintenance:
			return fmt.Errorf("%s inherits conflict from paired machine %s held by route %s", machineID, machine.PairedEntity, lock.RouteID)
		}
	}
	return nil
}

func (m *Manager) acquireLocks(ctx context.Context, route *domain.RouteAssignment) error {
	for _, circuitID := range route.AssignedCircuits {
		if err := m.gw.AcquireResourceLock(ctx, &domain.ResourceLock{
			ResourceType: domain.ResourceTrackCircuit, ResourceID: circuitID, RouteID: route.ID, LockType: domain.LockRoute, IsActive: true,
		}); err != nil {
			return err
		}
		m.notifyLockAcquired(ctx, route.ID, string(domain.ResourceTrackCircuit), circuitID)
	}
	for _, circuitID := range route.OverlapCircuits {
		if err := m.gw.AcquireResourceLock(ctx, &domain.ResourceLock{
			ResourceType: domain.ResourceTrackCircuit, ResourceID: circuitID, RouteID: route.ID, LockType: domain.LockOverlap, IsActive: true,
		}); err != nil {
			return err
		}
		m.notifyLockAcquired(ctx, route.ID, string(domain.ResourceTrackCircuit), circuitID)
	}
	for _, machineID := range route.LockedPointMachines {
		if err := m.gw.AcquireResourceLock(ctx, &domain.ResourceLock{
			ResourceType: domain.ResourcePointMachine, ResourceID: machineID, RouteID: route.ID, LockType: domain.LockRoute, IsActive: true,
		}); err != nil {
			return err
		}
		m.notifyLockAcquired(ctx, route.ID, string(domain.ResourcePointMachine), machineID)
	}
	return nil
}

func (m *Manager) notifyLockAcquired(ctx context.Context, routeID, resourceType, resourceID string) {
	if m.observer != nil {
		m.observer.OnResourceLockAcquired(ctx, routeID, resourceType, resourceID)
	}
}

func (m *Manager) notifyStateChanged(ctx context.Context, routeID string, newState domain.RouteState) {
	if m.observer != nil {
		m.observer.OnRouteStateChanged(ctx, routeID, string(newState))
	}
}

func (m *Manager) notifyLocksReleased(ctx context.Context, routeID string) {
	if m.observer != nil {
		m.observer.OnResourceLockReleased(ctx, routeID)
	}
}

// ActivateRoute validates and performs the RESERVED -> ACTIVE transition.
func (m *Manager) ActivateRoute(ctx context.Context, routeID, operator string) error {
	route, err := m.gw.GetRouteAssignment(ctx, routeID)
	if err != nil {
		return interlocking.Blocked(interlocking.RuleRouteNotFound, "route not found", routeID)
	}
	if route.State != domain.RouteReserved {
		return interlocking.Blocked(interlocking.RuleRouteWrongState, fmt.Sprintf("route is %s, must be RESERVED to activate", route.State), routeID)
	}

	for _, circuitID := range route.AssignedCircuits {
		circuit, err := m.gw.GetTrackCircuit(ctx, circuitID)
		if err != nil {
			return interlocking.Blocked(interlocking.RuleCircuitUnknown, "assigned circuit no longer exists", circuitID)
		}
		if circuit.IsOccupied {
			return interlocking.Blocked(interlocking.RuleCircuitOccupied, "assigned circuit became occupied before activation", circuitID)
		}
	}

	if m.signalBranch != nil {
		sig, err := m.gw.GetSignal(ctx, route.SourceSignal)
		if err != nil {
			return interlocking.Blocked(interlocking.RuleSignalNotFound, "source signal not found", route.SourceSignal)
		}
		if err := m.signalBranch.ValidateMainAspectChange(ctx, *sig, domain.AspectGreen); err != nil {
			return err
		}
	}

	if err := m.gw.UpdateRouteState(ctx, routeID, domain.RouteActive, operator, ""); err != nil {
		return fmt.Errorf("routes: update route state to ACTIVE: %w", err)
	}
	m.notifyStateChanged(ctx, routeID, domain.RouteActive)
	return m.journal(ctx, routeID, domain.EventRouteActivated, operator, "route-activation", true, nil)
}

// ReleaseRoute validates and performs a non-terminal -> RELEASED transition. EMERGENCY_RELEASE
// bypasses the occupancy and signal-restoration checks.
func (m *Manager) ReleaseRoute(ctx context.Context, routeID string, reason domain.ReleaseReason, operator string) error {
	route, err := m.gw.GetRouteAssignment(ctx, routeID)
	if err != nil {
		return interlocking.Blocked(interlocking.RuleRouteNotFound, "route not found", routeID)
	}
	if route.State.Terminal() {
		return interlocking.Blocked(interlocking.RuleRouteWrongState, fmt.Sprintf("route is already %s", route.State), routeID)
	}

	if reason != domain.ReleaseEmergency {
		for _, circuitID := range route.AssignedCircuits {
			circuit, err := m.gw.GetTrackCircuit(ctx, circuitID)
			if err != nil {
				return interlocking.Blocked(interlocking.RuleCircuitUnknown, "assigned circuit no longer exists", circuitID)
			}
			if circuit.IsOccupied {
				return interlocking.Blocked(interlocking.RuleCircuitOccupied, "assigned circuit must be clear to release", circuitID)
			}
		}
		if m.signalBranch != nil {
			sig, err := m.gw.GetSignal(ctx, route.SourceSignal)
			if err != nil {
				return interlocking.Blocked(interlocking.RuleSignalNotFound, "source signal not found", route.SourceSignal)
			}
			if err := m.signalBranch.ValidateMainAspectChange(ctx, *sig, domain.AspectRed); err != nil {
				return err
			}
		}
	}

	if err := m.gw.UpdateRouteState(ctx, routeID, domain.RouteReleased, operator, string(reason)); err != nil {
		return fmt.Errorf("routes: update route state to RELEASED: %w", err)
	}
	m.notifyStateChanged(ctx, routeID, domain.RouteReleased)
	if err := m.gw.ReleaseResourceLocks(ctx, routeID); err != nil {
		return fmt.Errorf("routes: release locks for route %s: %w", routeID, err)
	}
	m.notifyLocksReleased(ctx, routeID)
	return m.journal(ctx, routeID, domain.EventRouteReleased, operator, "route-release", true, map[string]interface{}{"reason": reason})
}

// PartialRelease moves an ACTIVE route to PARTIALLY_RELEASED once every named circuit is
// confirmed clear — used when a train has cleared part of the path but not the whole route.
// It releases no resource locks: the route keeps all of them until ReleaseRoute or FailRoute.
func (m *Manager) PartialRelease(ctx context.Context, routeID string, clearedCircuits []string, operator string) error {
	route, err := m.gw.GetRouteAssignment(ctx, routeID)
	if err != nil {
		return interlocking.Blocked(interlocking.RuleRouteNotFound, "route not found", routeID)
	}
	if route.State != domain.RouteActive {
		return interlocking.Blocked(interlocking.RuleRouteWrongState, fmt.Sprintf("route is %s, must be ACTIVE to partially release", route.State), routeID)
	}
	for _, circuitID := range clearedCircuits {
		circuit, err := m.gw.GetTrackCircuit(ctx, circuitID)
		if err != nil {
			return interlocking.Blocked(interlocking.RuleCircuitUnknown, "cleared circuit does not exist", circuitID)
		}
		if circuit.IsOccupied {
			return interlocking.Blocked(interlocking.RuleCircuitOccupied, "circuit named as cleared is still occupied", circuitID)
		}
	}
	if err := m.gw.UpdateRouteState(ctx, routeID, domain.RoutePartiallyReleased, operator, ""); err != nil {
		return fmt.Errorf("routes: update route state to PARTIALLY_RELEASED: %w", err)
	}
	m.notifyStateChanged(ctx, routeID, domain.RoutePartiallyReleased)
	return m.journal(ctx, routeID, domain.EventRoutePartialRelease, operator, "partial-release", true, map[string]interface{}{"cleared_circuits": clearedCircuits})
}

// FailRoute moves a RESERVED or ACTIVE route to FAILED and releases its locks.
func (m *Manager) FailRoute(ctx context.Context, routeID, reason, operator string) error {
	route, err := m.gw.GetRouteAssignment(ctx, routeID)
	if err != nil {
		return interlocking.Blocked(interlocking.RuleRouteNotFound, "route not found", routeID)
	}
	if route.State != domain.RouteReserved && route.State != domain.RouteActive {
		return interlocking.Blocked(interlocking.RuleRouteWrongState, fmt.Sprintf("route is %s, must be RESERVED or ACTIVE to fail", route.State), routeID)
	}
	if err := m.gw.UpdateRouteState(ctx, routeID, domain.RouteFailed, operator, reason); err != nil {
		return fmt.Errorf("routes: update route state to FAILED: %w", err)
	}
	m.notifyStateChanged(ctx, routeID, domain.RouteFailed)
	if err := m.gw.ReleaseResourceLocks(ctx, routeID); err != nil {
		return fmt.Errorf("routes: release locks for failed route %s: %w", routeID, err)
	}
	m.notifyLocksReleased(ctx, routeID)
	return m.journal(ctx, routeID, domain.EventRouteFailed, operator, "route-failure", true, map[string]interface{}{"reason": reason})
}

// DeleteRoute removes a route record. A non-terminal route requires forceDelete.
func (m *Manager) DeleteRoute(ctx context.Context, routeID string, forceDelete bool, operator string) error {
	if err := m.gw.DeleteRouteAssignment(ctx, routeID, forceDelete); err != nil {
		return fmt.Errorf("routes: delete route %s: %w", routeID, err)
	}
	return m.journal(ctx, routeID, domain.EventRouteDeleted, operator, "route-deletion", false, nil)
}

// UpdatePerformanceMetrics round-trips an opaque JSON payload alongside the route without
// interpreting it — the HMI is the consumer.
func (m *Manager) UpdatePerformanceMetrics(ctx context.Context, routeID string, metrics json.RawMessage) error {
	return m.gw.UpdateRoutePerformanceMetrics(ctx, routeID, metrics)
}

// journal appends a route-event. Safety-critical events are re-read immediately after the
// insert returns, to confirm the append was actually durable.
func (m *Manager) journal(ctx context.Context, routeID string, eventType domain.RouteEventType, operator, source string, safetyCritical bool, payload map[string]interface{}) error {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("routes: encode event payload: %w", err)
		}
		raw = encoded
	}

	event := &domain.RouteEvent{
		RouteID:        routeID,
		Type:           eventType,
		Timestamp:      time.Now(),
		Payload:        raw,
		OperatorID:     operator,
		Source:         source,
		CorrelationID:  uuid.NewString(),
		SafetyCritical: safetyCritical,
	}
	if err := m.gw.InsertRouteEvent(ctx, event); err != nil {
		return fmt.Errorf("routes: insert route event: %w", err)
	}
	if m.observer != nil {
		m.observer.OnRouteEventLogged(ctx, routeID, string(eventType))
	}

	if !safetyCritical {
		return nil
	}

	events, err := m.gw.ListRouteEvents(ctx, routeID)
	if err != nil {
		return fmt.Errorf("routes: re-read route events for %s: %w", routeID, err)
	}
	for _, e := range events {
		if e.Seq == event.Seq {
			if m.log != nil {
				m.log.LogAudit(ctx, string(eventType), "route", routeID, "CONFIRMED")
			}
			return nil
		}
	}
	return &errJournalNotDurable{RouteID: routeID, EventID: event.Seq}
}
