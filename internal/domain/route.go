package domain

import (
	"encoding/json"
	"time"
)

// RouteState is a state in the route lifecycle state machine.
type RouteState string

const (
	RouteReserved          RouteState = "RESERVED"
	RouteActive            RouteState = "ACTIVE"
	RoutePartiallyReleased RouteState = "PARTIALLY_RELEASED"
	RouteReleased          RouteState = "RELEASED"
	RouteFailed            RouteState = "FAILED"
)

// Terminal reports whether a route state accepts no further transitions.
func (s RouteState) Terminal() bool {
	return s == RouteReleased || s == RouteFailed
}

// ReleaseReason distinguishes a normal release from an emergency one, which bypasses
// occupancy and signal-restoration checks.
type ReleaseReason string

const (
	ReleaseNormal    ReleaseReason = "NORMAL"
	ReleaseEmergency ReleaseReason = "EMERGENCY_RELEASE"
)

// RouteAssignment is a reserved path of track circuits for a train movement.
type RouteAssignment struct {
	ID                   string
	SourceSignal         string
	DestSignal           string
	Direction            Direction
	AssignedCircuits     []string
	OverlapCircuits      []string
	LockedPointMachines  []string
	State                RouteState
	Priority             int
	OperatorID           string
	ReservedAt           time.Time
	ActivatedAt          *time.Time
	ReleasedAt           *time.Time
	FailureReason        string
	PerformanceMetrics   json.RawMessage
}

// RouteEventType names a journaled route lifecycle action.
type RouteEventType string

const (
	EventRouteCreated         RouteEventType = "ROUTE_CREATED"
	EventRouteActivated       RouteEventType = "ROUTE_ACTIVATED"
	EventRoutePartialRelease  RouteEventType = "ROUTE_PARTIALLY_RELEASED"
	EventRouteReleased        RouteEventType = "ROUTE_RELEASED"
	EventRouteFailed          RouteEventType = "ROUTE_FAILED"
	EventRouteDeleted         RouteEventType = "ROUTE_DELETED"
	EventLockAcquired         RouteEventType = "LOCK_ACQUIRED"
	EventLockReleased         RouteEventType = "LOCK_RELEASED"
	EventSignalReasserted     RouteEventType = "SIGNAL_REASSERTED"
)

// RouteEvent is an append-only journal entry.
type RouteEvent struct {
	Seq             int64
	RouteID         string
	Type            RouteEventType
	Timestamp       time.Time
	Payload         json.RawMessage
	OperatorID      string
	Source          string
	CorrelationID   string
	ResponseTimeMS  float64
	SafetyCritical  bool
}

// CircuitSet is a small helper for disjointness checks over assigned/overlap circuits.
type CircuitSet map[string]struct{}

// NewCircuitSet builds a CircuitSet from a slice.
func NewCircuitSet(ids []string) CircuitSet {
	s := make(CircuitSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Intersects reports whether two circuit id slices share any element.
func Intersects(a, b []string) bool {
	set := NewCircuitSet(a)
	for _, id := range b {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}
