package domain

import "time"

// ResourceType names the kind of entity a lock applies to.
type ResourceType string

const (
	ResourceTrackCircuit ResourceType = "TRACK_CIRCUIT"
	ResourcePointMachine ResourceType = "POINT_MACHINE"
	ResourceSignal       ResourceType = "SIGNAL"
)

// LockType names the priority class of a resource lock.
type LockType string

const (
	LockRoute       LockType = "ROUTE"
	LockOverlap     LockType = "OVERLAP"
	LockEmergency   LockType = "EMERGENCY"
	LockMaintenance LockType = "MAINTENANCE"
)

// ResourceLock is a (resource, route) reservation. At most one ROUTE, EMERGENCY, or
// MAINTENANCE lock may be active per resource at a time; OVERLAP locks may coexist per
// configured policy; EMERGENCY and MAINTENANCE supersede all other lock types.
type ResourceLock struct {
	ResourceType ResourceType
	ResourceID   string
	RouteID      string
	LockType     LockType
	AcquiredAt   time.Time
	IsActive     bool
}
