// Package interlocking implements the validation branches (signal, point-machine,
// track-circuit) and the facade that fronts them for operator and reactive callers.
package interlocking

import "fmt"

// ValidationBlocked is the normal, recoverable outcome of a rejected operator action: it
// carries a stable rule_id for the HMI and the entities the block concerns.
type ValidationBlocked struct {
	Reason            string
	RuleID            string
	AffectedEntities  []string
}

func (e *ValidationBlocked) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Reason, e.RuleID, e.AffectedEntities)
}

func blocked(ruleID, reason string, entities ...string) *ValidationBlocked {
	return &ValidationBlocked{Reason: reason, RuleID: ruleID, AffectedEntities: entities}
}

// IntegrityViolation signals that data disagrees across independently queried sources — the
// triple-source consistency check failing is the canonical example. Always CRITICAL.
type IntegrityViolation struct {
	Reason  string
	Subject string
	Details map[string]interface{}
}

func (e *IntegrityViolation) Error() string {
	return fmt.Sprintf("integrity violation on %s: %s", e.Subject, e.Reason)
}

// EnforcementFailed signals that automatic RED enforcement could not be confirmed after the
// settling delay. Always CRITICAL.
type EnforcementFailed struct {
	Subject        string
	FailedSignals  []string
	Cause          error
}

func (e *EnforcementFailed) Error() string {
	return fmt.Sprintf("enforcement failed on %s for signals %v: %v", e.Subject, e.FailedSignals, e.Cause)
}

func (e *EnforcementFailed) Unwrap() error { return e.Cause }

// Rule IDs surfaced to the HMI. Stable strings, never renumbered.
const (
	RuleSignalNotFound                  = "SIGNAL_NOT_FOUND"
	RuleSignalInactive                  = "SIGNAL_INACTIVE"
	RuleInvalidTransition                = "INVALID_TRANSITION"
	RuleAspectNotSupported                = "ASPECT_NOT_SUPPORTED"
	RuleProtectedCircuitOccupied          = "PROTECTED_CIRCUIT_OCCUPIED"
	RuleTrackCircuitProtectionInconsistent = "TRACK_CIRCUIT_PROTECTION_INCONSISTENT"
	RuleControllerRestriction             = "CONTROLLER_RESTRICTION"
	RuleCallingOnMainNotDanger             = "CALLING_ON_MAIN_NOT_DANGER"
	RuleNoTransitionNeeded                 = "NO_TRANSITION_NEEDED"

	RulePointNotFound         = "POINT_NOT_FOUND"
	RulePointNotAvailable     = "POINT_NOT_AVAILABLE"
	RulePointLocked           = "POINT_LOCKED"
	RulePointTimeLocked       = "POINT_TIME_LOCKED"
	RulePointDetectionLocked  = "POINT_DETECTION_LOCKED"
	RuleProtectingSignalsNotRed = "PROTECTING_SIGNALS_NOT_RED"
	RuleSegmentOccupied       = "SEGMENT_OCCUPIED"
	RuleConflictingMachine    = "CONFLICTING_MACHINE_NOT_NORMAL"
	RuleConflictingMachineReverse = "CONFLICTING_MACHINE_IN_REVERSE"
	RuleRouteConflict         = "ROUTE_CONFLICT"

	RuleRouteNotFound       = "ROUTE_NOT_FOUND"
	RuleRouteWrongState     = "ROUTE_WRONG_STATE"
	RuleCircuitOccupied     = "CIRCUIT_OCCUPIED"
	RuleCircuitUnknown      = "CIRCUIT_UNKNOWN"
	RuleResourceConflict    = "RESOURCE_CONFLICT"
	RuleInvalidDirection    = "INVALID_DIRECTION"
	RuleEmptyPath           = "EMPTY_PATH"
)

// Blocked builds a ValidationBlocked for callers outside this package — internal/routes
// reports requests rejected before a route exists, so it cannot use the unexported
// constructor the branches share.
func Blocked(ruleID, reason string, entities ...string) *ValidationBlocked {
	return blocked(ruleID, reason, entities...)
}
