package domain

import "time"

// TrackSegment is a UI-layout granularity element belonging to one track circuit. It has no
// occupancy of its own: occupancy is always derived from its circuit.
type TrackSegment struct {
	ID                string
	CircuitID         string
	IsAssigned        bool
	IsOverlap         bool
	ProtectingSignals []string

	// LengthM and SortOrder are carried through from original_source/database/DatabaseManager
	// purely for HMI layout; the core never interprets them.
	LengthM   float64
	SortOrder int
}

// TrackCircuit is the hardware-authoritative occupancy sensor spanning one or more segments.
type TrackCircuit struct {
	ID                string
	IsOccupied        bool
	OccupiedBy        string
	IsAssigned        bool
	IsOverlap         bool
	ProtectingSignals []string
}

// TrackCircuitEdge is a directed edge in the route-search graph: it exists only while the
// named point machine sits in the named position.
type TrackCircuitEdge struct {
	FromCircuit        string
	ToCircuit          string
	Side               Direction
	ConditionMachine   string
	ConditionPosition  PointPosition
	Weight             float64
}

// SignalOverlapDefinition names the overlap circuits and release conditions for a signal.
type SignalOverlapDefinition struct {
	SignalID             string
	OverlapCircuits      []string
	ReleaseTriggerCircuits []string
	OverlapDistanceM     float64
	TimedReleaseS        int
}

// TextLabel is a read-only schematic caption, surfaced for the HMI query surface only.
type TextLabel struct {
	ID        string
	Text      string
	UpdatedAt time.Time
}
