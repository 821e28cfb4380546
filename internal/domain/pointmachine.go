package domain

import "time"

// PointPosition is the physical position of a point machine.
type PointPosition string

const (
	PositionNormal  PointPosition = "NORMAL"
	PositionReverse PointPosition = "REVERSE"
)

// OperatingStatus is the operational readiness of a point machine.
type OperatingStatus string

const (
	StatusAvailable   OperatingStatus = "AVAILABLE"
	StatusInTransition OperatingStatus = "IN_TRANSITION"
	StatusFailed      OperatingStatus = "FAILED"
	StatusLockedOut   OperatingStatus = "LOCKED_OUT"
	StatusMaintenance OperatingStatus = "MAINTENANCE"
)

// Direction is a route/edge traversal direction.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// PointMachine is the projection of a v_point_machines_complete row.
type PointMachine struct {
	ID                string
	CurrentPosition   PointPosition
	OperatingStatus   OperatingStatus
	PairedEntity      string // machine_id of the paired machine, empty if unpaired
	HostTrackCircuit  string
	IsLocked          bool
	LockExpiresAt     *time.Time
	ProtectedSignals  []string
	RootSegment       string
	NormalSegment     string
	ReverseSegment    string

	// LastTransitionAt is carried from original_source/database/DatabaseManager: the
	// timestamp of the last AVAILABLE->IN_TRANSITION edge, used to compute time-lock expiry.
	LastTransitionAt time.Time

	// DetectionLockingCircuits lists the circuits whose occupancy locks this machine
	// (the "detection-lock" check).
	DetectionLockingCircuits []string

	// ConflictingMachines lists machine IDs whose position this machine's move conflicts with.
	ConflictingMachines []string
}

// IsPaired reports whether the machine has a paired entity.
func (p PointMachine) IsPaired() bool {
	return p.PairedEntity != ""
}

// Settled reports whether the machine is in a settled (non-transitional) state.
func (p PointMachine) Settled() bool {
	return p.OperatingStatus == StatusAvailable
}

// AffectedSegment returns the track segment a requested position move occupies besides the
// shared root segment.
func (p PointMachine) AffectedSegment(requested PointPosition) string {
	if requested == PositionReverse {
		return p.ReverseSegment
	}
	return p.NormalSegment
}
