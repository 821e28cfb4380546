package interlocking

import (
	"context"
	"fmt"

	"github.com/trackguard/interlocking/internal/domain"
	"github.com/trackguard/interlocking/internal/store"
)

// PointMachineBranch validates point-machine position changes.
type PointMachineBranch struct {
	gw store.Gateway
}

// NewPointMachineBranch builds a branch bound to a Store Gateway.
func NewPointMachineBranch(gw store.Gateway) *PointMachineBranch {
	return &PointMachineBranch{gw: gw}
}

// ValidatePositionChange implements validate_position_change(machine, current, requested, operator).
func (b *PointMachineBranch) ValidatePositionChange(ctx context.Context, m domain.PointMachine, requested domain.PointPosition, operator string) error {
	if requested == m.CurrentPosition {
		return nil // no-op
	}

	if m.OperatingStatus != domain.StatusAvailable {
		return blocked(RulePointNotAvailable, fmt.Sprintf("point machine %s is %s", m.ID, m.OperatingStatus), m.ID)
	}

	if m.IsLocked {
		return blocked(RulePointLocked, fmt.Sprintf("point machine %s is locked", m.ID), m.ID)
	}

	if m.LockExpiresAt != nil && m.LockExpiresAt.After(nowFunc()) {
		return blocked(RulePointTimeLocked, fmt.Sprintf("point machine %s is time-locked until %s", m.ID, m.LockExpiresAt), m.ID)
	}

	if err := b.checkDetectionLock(ctx, m); err != nil {
		return err
	}

	if err := b.checkProtectingSignalsRed(ctx, m); err != nil {
		return err
	}

	if err := b.checkAffectedSegmentsClear(ctx, []string{m.RootSegment, m.AffectedSegment(requested)}); err != nil {
		return err
	}

	if err := b.checkConflictingMachines(ctx, m.ConflictingMachines, domain.PositionReverse, RuleConflictingMachine); err != nil {
		return err
	}

	if err := b.checkRouteConflict(ctx, m.ID); err != nil {
		return err
	}

	return nil
}

// ValidatePairedOperation implements validate_paired_operation(m, paired, cur, paired_cur,
// requested, operator): the single-machine validation for both machines, plus the combined
// checks that only make sense when they move together.
func (b *PointMachineBranch) ValidatePairedOperation(ctx context.Context, m, paired domain.PointMachine, requested domain.PointPosition, operator string) error {
	if err := b.ValidatePositionChange(ctx, m, requested, operator); err != nil {
		return err
	}
	if err := b.ValidatePositionChange(ctx, paired, requested, operator); err != nil {
		return err
	}

	combined := uniqueStrings([]string{m.RootSegment, m.AffectedSegment(requested), paired.RootSegment, paired.AffectedSegment(requested)})
	if err := b.checkAffectedSegmentsClear(ctx, combined); err != nil {
		return err
	}

	excluding := func(ids []string, exclude string) []string {
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			if id != exclude {
				out = append(out, id)
			}
		}
		return out
	}
	if err := b.checkConflictingMachines(ctx, excluding(m.ConflictingMachines, paired.ID), domain.PositionReverse, RuleConflictingMachineReverse); err != nil {
		return err
	}
	if err := b.checkConflictingMachines(ctx, excluding(paired.ConflictingMachines, m.ID), domain.PositionReverse, RuleConflictingMachineReverse); err != nil {
		return err
	}
	return nil
}

func (b *PointMachineBranch) checkDetectionLock(ctx context.Context, m domain.PointMachine) error {
	var occupied []string
	for _, circuitID := range m.DetectionLockingCircuits {
		c, err := b.gw.GetTrackCircuit(ctx, circuitID)
		if err != nil {
			return fmt.Errorf("point machine branch: read detection circuit %s: %w", circuitID, err)
		}
		if c.IsOccupied {
			occupied = append(occupied, circuitID)
		}
	}
	if len(occupied) > 0 {
		return blocked(RulePointDetectionLocked, fmt.Sprintf("detection-locking circuits occupied: %v", occupied), append([]string{m.ID}, occupied...)...)
	}
	return nil
}

func (b *PointMachineBranch) checkProtectingSignalsRed(ctx context.Context, m domain.PointMachine) error {
	var notRed []string
	for _, signalID := range m.ProtectedSignals {
		s, err := b.gw.GetSignal(ctx, signalID)
		if err != nil {
			return fmt.Errorf("point machine branch: read protecting signal %s: %w", signalID, err)
		}
		if s.MainAspect != domain.AspectRed {
			notRed = append(notRed, signalID)
		}
	}
	if len(notRed) > 0 {
		return blocked(RuleProtectingSignalsNotRed, fmt.Sprintf("protecting signals not RED: %v", notRed), append([]string{m.ID}, notRed...)...)
	}
	return nil
}

func (b *PointMachineBranch) checkAffectedSegmentsClear(ctx context.Context, segmentIDs []string) error {
	var occupied []string
	seen := make(map[string]struct{})
	for _, segID := range segmentIDs {
		if segID == "" {
			continue
		}
		if _, dup := seen[segID]; dup {
			continue
		}
		seen[segID] = struct{}{}
		circuit, err := b.gw.GetTrackCircuitBySegment(ctx, segID)
		if err != nil {
			return fmt.Errorf("point machine branch: read circuit for segment %s: %w", segID, err)
		}
		if circuit.IsOccupied {
			occupied = append(occupied, segID)
		}
	}
	if len(occupied) > 0 {
		return blocked(RuleSegmentOccupied, fmt.Sprintf("affected segments occupied: %v", occupied), occupied...)
	}
	return nil
}

func (b *PointMachineBranch) checkConflictingMachines(ctx context.Context, machineIDs []string, disallowed domain.PointPosition, ruleID string) error {
	var violating []string
	for _, id := range machineIDs {
		other, err := b.gw.GetPointMachine(ctx, id)
		if err != nil {
			return fmt.Errorf("point machine branch: read conflicting machine %s: %w", id, err)
		}
		if other.CurrentPosition == disallowed {
			violating = append(violating, id)
		}
	}
	if len(violating) > 0 {
		return blocked(ruleID, fmt.Sprintf("conflicting machines at %s: %v", disallowed, violating), violating...)
	}
	return nil
}

func (b *PointMachineBranch) checkRouteConflict(ctx context.Context, machineID string) error {
	locks, err := b.gw.ListResourceLocks(ctx, domain.ResourcePointMachine, machineID)
	if err != nil {
		return fmt.Errorf("point machine branch: read resource locks for %s: %w", machineID, err)
	}
	for _, l := range locks {
		if l.LockType != domain.LockRoute {
			continue
		}
		route, err := b.gw.GetRouteAssignment(ctx, l.RouteID)
		if err != nil {
			return fmt.Errorf("point machine branch: read route %s: %w", l.RouteID, err)
		}
		if route.State == domain.RouteActive || route.State == domain.RouteReserved {
			return blocked(RuleRouteConflict, fmt.Sprintf("point machine %s is locked by route %s", machineID, route.ID), machineID, route.ID)
		}
	}
	return nil
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
