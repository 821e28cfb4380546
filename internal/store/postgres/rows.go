package postgres

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/trackguard/interlocking/internal/domain"
)

// The row types below are the sqlx scan targets for each table: flat structs with
// pq.StringArray / pq.NullTime in place of the domain package's slices and pointers, plus a
// toDomain() conversion. Keeping them separate from internal/domain means the wire-to-SQL
// mapping never leaks into the core's entity types.

type signalRow struct {
	ID                     string         `db:"id"`
	Type                   string         `db:"type"`
	MainAspect             string         `db:"main_aspect"`
	CallingOnAspect        string         `db:"calling_on_aspect"`
	LoopAspect             string         `db:"loop_aspect"`
	IsLocked               bool           `db:"is_locked"`
	IsActive               bool           `db:"is_active"`
	PossibleAspects        pq.StringArray `db:"possible_aspects"`
	ProtectedTrackCircuits pq.StringArray `db:"protected_track_circuits"`
	InterlockedWith        pq.StringArray `db:"interlocked_with"`
	ControlMode            string         `db:"control_mode"`
	ControlledBy           pq.StringArray `db:"controlled_by"`
}

func (r signalRow) toDomain() domain.Signal {
	possible := make([]domain.MainAspect, len(r.PossibleAspects))
	for i, a := range r.PossibleAspects {
		possible[i] = domain.MainAspect(a)
	}
	return domain.Signal{
		ID:                     r.ID,
		Type:                   domain.SignalType(r.Type),
		MainAspect:             domain.MainAspect(r.MainAspect),
		CallingOnAspect:        domain.CallingOnAspect(r.CallingOnAspect),
		LoopAspect:             domain.LoopAspect(r.LoopAspect),
		IsLocked:               r.IsLocked,
		IsActive:               r.IsActive,
		PossibleAspects:        possible,
		ProtectedTrackCircuits: []string(r.ProtectedTrackCircuits),
		InterlockedWith:        []string(r.InterlockedWith),
		ControlMode:            domain.ControlMode(r.ControlMode),
		ControlledBy:           []string(r.ControlledBy),
	}
}

type segmentRow struct {
	ID                string         `db:"id"`
	CircuitID         string         `db:"circuit_id"`
	IsAssigned        bool           `db:"is_assigned"`
	IsOverlap         bool           `db:"is_overlap"`
	ProtectingSignals pq.StringArray `db:"protecting_signals"`
	LengthM           float64        `db:"length_m"`
	SortOrder         int            `db:"sort_order"`
}

func (r segmentRow) toDomain() domain.TrackSegment {
	return domain.TrackSegment{
		ID:                r.ID,
		CircuitID:         r.CircuitID,
		IsAssigned:        r.IsAssigned,
		IsOverlap:         r.IsOverlap,
		ProtectingSignals: []string(r.ProtectingSignals),
		LengthM:           r.LengthM,
		SortOrder:         r.SortOrder,
	}
}

type circuitRow struct {
	ID                string         `db:"id"`
	IsOccupied        bool           `db:"is_occupied"`
	OccupiedBy        string         `db:"occupied_by"`
	IsAssigned        bool           `db:"is_assigned"`
	IsOverlap         bool           `db:"is_overlap"`
	ProtectingSignals pq.StringArray `db:"protecting_signals"`
}

func (r circuitRow) toDomain() domain.TrackCircuit {
	return domain.TrackCircuit{
		ID:                r.ID,
		IsOccupied:        r.IsOccupied,
		OccupiedBy:        r.OccupiedBy,
		IsAssigned:        r.IsAssigned,
		IsOverlap:         r.IsOverlap,
		ProtectingSignals: []string(r.ProtectingSignals),
	}
}

type pointMachineRow struct {
	ID                       string         `db:"id"`
	CurrentPosition          string         `db:"current_position"`
	OperatingStatus          string         `db:"operating_status"`
	PairedEntity             string         `db:"paired_entity"`
	HostTrackCircuit         string         `db:"host_track_circuit"`
	IsLocked                 bool           `db:"is_locked"`
	LockExpiresAt            *time.Time     `db:"lock_expires_at"`
	ProtectedSignals         pq.StringArray `db:"protected_signals"`
	RootSegment              string         `db:"root_segment"`
	NormalSegment            string         `db:"normal_segment"`
	ReverseSegment           string         `db:"reverse_segment"`
	LastTransitionAt         time.Time      `db:"last_transition_at"`
	DetectionLockingCircuits pq.StringArray `db:"detection_locking_circuits"`
	ConflictingMachines      pq.StringArray `db:"conflicting_machines"`
}

func (r pointMachineRow) toDomain() domain.PointMachine {
	return domain.PointMachine{
		ID:                       r.ID,
		CurrentPosition:          domain.PointPosition(r.CurrentPosition),
		OperatingStatus:          domain.OperatingStatus(r.OperatingStatus),
		PairedEntity:             r.PairedEntity,
		HostTrackCircuit:         r.HostTrackCircuit,
		IsLocked:                 r.IsLocked,
		LockExpiresAt:            r.LockExpiresAt,
		ProtectedSignals:         []string(r.ProtectedSignals),
		RootSegment:              r.RootSegment,
		NormalSegment:            r.NormalSegment,
		ReverseSegment:           r.ReverseSegment,
		LastTransitionAt:         r.LastTransitionAt,
		DetectionLockingCircuits: []string(r.DetectionLockingCircuits),
		ConflictingMachines:      []string(r.ConflictingMachines),
	}
}

type routeRow struct {
	ID                  string          `db:"id"`
	SourceSignal        string          `db:"source_signal"`
	DestSignal          string          `db:"dest_signal"`
	Direction           string          `db:"direction"`
	AssignedCircuits    pq.StringArray  `db:"assigned_circuits"`
	OverlapCircuits     pq.StringArray  `db:"overlap_circuits"`
	LockedPointMachines pq.StringArray  `db:"locked_point_machines"`
	State               string          `db:"state"`
	Priority            int             `db:"priority"`
	OperatorID          string          `db:"operator_id"`
	ReservedAt          time.Time       `db:"reserved_at"`
	ActivatedAt         *time.Time      `db:"activated_at"`
	ReleasedAt          *time.Time      `db:"released_at"`
	FailureReason       string          `db:"failure_reason"`
	PerformanceMetrics  json.RawMessage `db:"performance_metrics"`
}

func (r routeRow) toDomain() domain.RouteAssignment {
	return domain.RouteAssignment{
		ID:                  r.ID,
		SourceSignal:        r.SourceSignal,
		DestSignal:          r.DestSignal,
		Direction:           domain.Direction(r.Direction),
		AssignedCircuits:    []string(r.AssignedCircuits),
		OverlapCircuits:     []string(r.OverlapCircuits),
		LockedPointMachines: []string(r.LockedPointMachines),
		State:               domain.RouteState(r.State),
		Priority:            r.Priority,
		OperatorID:          r.OperatorID,
		ReservedAt:          r.ReservedAt,
		ActivatedAt:         r.ActivatedAt,
		ReleasedAt:          r.ReleasedAt,
		FailureReason:       r.FailureReason,
		PerformanceMetrics:  r.PerformanceMetrics,
	}
}

type routeEventRow struct {
	Seq            int64           `db:"seq"`
	RouteID        string          `db:"route_id"`
	Type           string          `db:"type"`
	Timestamp      time.Time       `db:"timestamp"`
	Payload        json.RawMessage `db:"payload"`
	OperatorID     string          `db:"operator_id"`
	Source         string          `db:"source"`
	CorrelationID  string          `db:"correlation_id"`
	ResponseTimeMS float64         `db:"response_time_ms"`
	SafetyCritical bool            `db:"safety_critical"`
}

func (r routeEventRow) toDomain() domain.RouteEvent {
	return domain.RouteEvent{
		Seq:            r.Seq,
		RouteID:        r.RouteID,
		Type:           domain.RouteEventType(r.Type),
		Timestamp:      r.Timestamp,
		Payload:        r.Payload,
		OperatorID:     r.OperatorID,
		Source:         r.Source,
		CorrelationID:  r.CorrelationID,
		ResponseTimeMS: r.ResponseTimeMS,
		SafetyCritical: r.SafetyCritical,
	}
}

type lockRow struct {
	ResourceType string    `db:"resource_type"`
	ResourceID   string    `db:"resource_id"`
	RouteID      string    `db:"route_id"`
	LockType     string    `db:"lock_type"`
	AcquiredAt   time.Time `db:"acquired_at"`
	IsActive     bool      `db:"is_active"`
}

func (r lockRow) toDomain() domain.ResourceLock {
	return domain.ResourceLock{
		ResourceType: domain.ResourceType(r.ResourceType),
		ResourceID:   r.ResourceID,
		RouteID:      r.RouteID,
		LockType:     domain.LockType(r.LockType),
		AcquiredAt:   r.AcquiredAt,
		IsActive:     r.IsActive,
	}
}

type textLabelRow struct {
	ID        string    `db:"id"`
	Text      string    `db:"text"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r textLabelRow) toDomain() domain.TextLabel {
	return domain.TextLabel{ID: r.ID, Text: r.Text, UpdatedAt: r.UpdatedAt}
}

type signalRulesRow struct {
	SignalID     string         `db:"signal_id"`
	Type         string         `db:"type"`
	Independent  bool           `db:"independent"`
	ControlMode  string         `db:"control_mode"`
	ControlledBy pq.StringArray `db:"controlled_by"`
	Rules        json.RawMessage `db:"rules"`
}

func (r signalRulesRow) toDomain() (domain.SignalRules, error) {
	var rules []domain.InterlockingRule
	if len(r.Rules) > 0 {
		if err := json.Unmarshal(r.Rules, &rules); err != nil {
			return domain.SignalRules{}, err
		}
	}
	return domain.SignalRules{
		SignalID:     r.SignalID,
		Type:         domain.SignalType(r.Type),
		Independent:  r.Independent,
		ControlMode:  domain.ControlMode(r.ControlMode),
		ControlledBy: []string(r.ControlledBy),
		Rules:        rules,
	}, nil
}
