// Package store defines the Gateway interface: the narrow, synchronous,
// transactional boundary between the interlocking core and the authoritative
// relational store. internal/store/postgres implements it against
// PostgreSQL; internal/store/storetest implements it in memory for tests.
package store

import (
	"context"

	"github.com/trackguard/interlocking/internal/domain"
)

// Notification is the decoded shape of a change-distribution payload.
type Notification struct {
	Table     string
	Operation string // INSERT, UPDATE, DELETE
	EntityID  string
	Test      string // non-empty for the startup self-test notification
}

// NotificationHandler receives notifications from a subscribed channel, in the order the
// store observed them.
type NotificationHandler func(ctx context.Context, n Notification)

// Gateway is the interlocking core's only path to durable state.
type Gateway interface {
	// Getters.
	GetSignal(ctx context.Context, id string) (*domain.Signal, error)
	GetTrackSegment(ctx context.Context, id string) (*domain.TrackSegment, error)
	GetTrackCircuit(ctx context.Context, id string) (*domain.TrackCircuit, error)
	GetTrackCircuitBySegment(ctx context.Context, segmentID string) (*domain.TrackCircuit, error)
	GetPointMachine(ctx context.Context, id string) (*domain.PointMachine, error)
	GetRouteAssignment(ctx context.Context, id string) (*domain.RouteAssignment, error)
	// GetTextLabel returns a single schematic caption. Read-only: the HMI query surface needs
	// it, but nothing in the core writes or interprets label text.
	GetTextLabel(ctx context.Context, id string) (*domain.TextLabel, error)

	// Listers.
	ListSignals(ctx context.Context) ([]*domain.Signal, error)
	ListTrackCircuits(ctx context.Context) ([]*domain.TrackCircuit, error)
	ListPointMachines(ctx context.Context) ([]*domain.PointMachine, error)
	ListSegmentsByCircuit(ctx context.Context, circuitID string) ([]*domain.TrackSegment, error)
	ListActiveRouteAssignments(ctx context.Context) ([]*domain.RouteAssignment, error)
	ListResourceLocks(ctx context.Context, resourceType domain.ResourceType, resourceID string) ([]*domain.ResourceLock, error)
	ListTextLabels(ctx context.Context) ([]*domain.TextLabel, error)

	// Triple-source protecting-signal resolution: each of these three must agree before a
	// circuit's protecting-signal set is treated as authoritative.
	GetProtectingSignalsFromRules(ctx context.Context, circuitID string) ([]string, error)
	GetProtectingSignalsFromTrackCircuit(ctx context.Context, circuitID string) ([]string, error)
	GetProtectingSignalsFromTrackSegments(ctx context.Context, circuitID string) ([]string, error)

	// Rule document source rows, read once at Rule Engine load time.
	ListSignalRules(ctx context.Context) ([]*domain.SignalRules, error)

	// GetProtectedCircuitsFromRules returns the circuits the interlocking-rules table records
	// as protected by signalID — the second source compared against Signal.ProtectedTrackCircuits
	// in the signal branch's own protection-agreement check.
	GetProtectedCircuitsFromRules(ctx context.Context, signalID string) ([]string, error)

	// Mutators — each is a single stored-procedure-style call, atomic in the underlying store.
	UpdateSignalAspect(ctx context.Context, signalID string, aspect domain.MainAspect, operator string) error
	UpdateSubsidiarySignalAspect(ctx context.Context, signalID string, kind domain.SubsidiaryKind, value string, operator string) error
	UpdatePointPositionPaired(ctx context.Context, machineID string, requested domain.PointPosition, operator string) (mismatchCorrected bool, err error)
	UpdateTrackCircuitOccupancy(ctx context.Context, circuitID string, occupied bool, occupiedBy string) error
	UpdateTrackSegmentOccupancy(ctx context.Context, segmentID string, occupied bool) error
	InsertRouteAssignment(ctx context.Context, route *domain.RouteAssignment) error
	UpdateRouteState(ctx context.Context, routeID string, newState domain.RouteState, operator, reason string) error
	UpdateRoutePerformanceMetrics(ctx context.Context, routeID string, metrics []byte) error
	DeleteRouteAssignment(ctx context.Context, routeID string, forceDelete bool) error
	InsertRouteEvent(ctx context.Context, event *domain.RouteEvent) error
	// ListRouteEvents returns a route's journal in sequence order. The Route Lifecycle Manager
	// re-reads a safety-critical event through this path immediately after InsertRouteEvent
	// returns, to confirm the append was actually durable rather than trusting the write call.
	ListRouteEvents(ctx context.Context, routeID string) ([]*domain.RouteEvent, error)
	AcquireResourceLock(ctx context.Context, lock *domain.ResourceLock) error
	ReleaseResourceLocks(ctx context.Context, routeID string) error

	// Notification channel.
	Subscribe(ctx context.Context, channel string, handler NotificationHandler) error

	// Transaction runs fn with guaranteed commit-or-rollback. Mutators called without an
	// explicit Transaction still run inside an implicit one at the implementation's
	// discretion; branches that must read-then-write atomically wrap both in Transaction.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Gateway) error) error

	// Ping checks connectivity to the store.
	Ping(ctx context.Context) error
}
