package interlocking

import (
	"context"
	"fmt"
	"sort"

	"github.com/trackguard/interlocking/internal/domain"
	"github.com/trackguard/interlocking/internal/rules"
	"github.com/trackguard/interlocking/internal/store"
)

// SignalBranch validates signal aspect changes. It is a pure function of the snapshot it is
// handed — callers are responsible for re-reading current state from the gateway immediately
// before calling, and for performing the write only after an ALLOW.
type SignalBranch struct {
	gw     store.Gateway
	engine *rules.Engine
}

// NewSignalBranch builds a branch bound to a Store Gateway and the currently loaded rule
// engine.
func NewSignalBranch(gw store.Gateway, engine *rules.Engine) *SignalBranch {
	return &SignalBranch{gw: gw, engine: engine}
}

// ValidateMainAspectChange implements validate_main_aspect_change(signal, current, requested).
func (b *SignalBranch) ValidateMainAspectChange(ctx context.Context, sig domain.Signal, requested domain.MainAspect) error {
	if !sig.IsActive {
		return blocked(RuleSignalInactive, "signal is not active", sig.ID)
	}

	current := sig.MainAspect

	if requested == current {
		if requested == domain.AspectRed {
			// RED->RED safety reassertion: allowed, logged as a warning by the caller.
			return nil
		}
		return blocked(RuleNoTransitionNeeded, "signal already shows the requested aspect", sig.ID)
	}

	// Emergency transitions TO RED are always allowed for an active signal. Every other main
	// aspect (YELLOW, GREEN, SINGLE_YELLOW, DOUBLE_YELLOW) belongs to the same main-signal
	// group, so transitions among them never need a RED detour; only a crossing into the
	// calling-on/loop group requires one, and those are validated separately.
	if requested != domain.AspectRed {
		if !sig.SupportsAspect(requested) {
			return blocked(RuleAspectNotSupported, fmt.Sprintf("%s does not support aspect %s", sig.ID, requested), sig.ID)
		}
	}

	if requested != domain.AspectRed {
		if err := b.checkTrackCircuitProtection(ctx, sig); err != nil {
			return err
		}
	}

	if b.engine != nil && requested != domain.AspectRed {
		requestedComposite := domain.Aspect{Main: requested, CallingOn: sig.CallingOnAspect, Loop: sig.LoopAspect}
		if err := b.validateAgainstRuleEngine(ctx, sig.ID, requestedComposite); err != nil {
			return err
		}
	}

	return nil
}

// checkTrackCircuitProtection implements step 3: the signal's protected circuits, read from
// both the signal record and the interlocking-rules table, must agree, and every one of them
// must be clear.
func (b *SignalBranch) checkTrackCircuitProtection(ctx context.Context, sig domain.Signal) error {
	fromSignal := sortedCopy(sig.ProtectedTrackCircuits)

	fromRulesRaw, err := b.gw.GetProtectedCircuitsFromRules(ctx, sig.ID)
	if err != nil {
		return fmt.Errorf("signal branch: read protected circuits from rules for %s: %w", sig.ID, err)
	}
	fromRules := sortedCopy(fromRulesRaw)

	if !stringsEqual(fromSignal, fromRules) {
		return &IntegrityViolation{
			Reason:  "protected track circuit list disagrees between signal record and interlocking rules",
			Subject: sig.ID,
			Details: map[string]interface{}{"from_signal": fromSignal, "from_rules": fromRules},
		}
	}

	var occupiedBy []string
	for _, circuitID := range fromSignal {
		circuit, err := b.gw.GetTrackCircuit(ctx, circuitID)
		if err != nil {
			return fmt.Errorf("signal branch: read track circuit %s: %w", circuitID, err)
		}
		if circuit.IsOccupied {
			occupiedBy = append(occupiedBy, circuitID)
		}
	}
	if len(occupiedBy) > 0 {
		return blocked(RuleProtectedCircuitOccupied, fmt.Sprintf("protected circuits occupied: %v", occupiedBy), append([]string{sig.ID}, occupiedBy...)...)
	}
	return nil
}

func (b *SignalBranch) validateAgainstRuleEngine(ctx context.Context, signalID string, requested domain.Aspect) error {
	currentAspects := func(ctx context.Context, controllerID string) (domain.Aspect, error) {
		controller, err := b.gw.GetSignal(ctx, controllerID)
		if err != nil {
			return domain.Aspect{}, err
		}
		return controller.CompositeAspect(), nil
	}
	points := func(ctx context.Context, machineID string) (domain.PointPosition, error) {
		m, err := b.gw.GetPointMachine(ctx, machineID)
		if err != nil {
			return "", err
		}
		return m.CurrentPosition, nil
	}
	if err := b.engine.ValidateAspectChange(ctx, signalID, requested, currentAspects, points); err != nil {
		var bc *rules.BlockedByController
		if asBlockedByController(err, &bc) {
			return blocked(RuleControllerRestriction, bc.Error(), signalID, bc.Controller)
		}
		return fmt.Errorf("signal branch: rule engine: %w", err)
	}
	return nil
}

func asBlockedByController(err error, target **rules.BlockedByController) bool {
	if bc, ok := err.(*rules.BlockedByController); ok {
		*target = bc
		return true
	}
	return false
}

// ValidateSubsidiaryAspectChange implements
// validate_subsidiary_aspect_change(signal, kind, current, requested).
func (b *SignalBranch) ValidateSubsidiaryAspectChange(ctx context.Context, sig domain.Signal, kind domain.SubsidiaryKind, requested string) error {
	if !sig.IsActive {
		return blocked(RuleSignalInactive, "signal is not active", sig.ID)
	}

	switch kind {
	case domain.SubsidiaryCallingOn:
		return b.validateCallingOnChange(ctx, sig, domain.CallingOnAspect(requested))
	case domain.SubsidiaryLoop:
		return b.validateLoopChange(ctx, sig, domain.LoopAspect(requested))
	default:
		return blocked(RuleInvalidTransition, fmt.Sprintf("unknown subsidiary kind %s", kind), sig.ID)
	}
}

func (b *SignalBranch) validateCallingOnChange(ctx context.Context, sig domain.Signal, requested domain.CallingOnAspect) error {
	current := sig.CallingOnAspect
	if requested == current {
		return blocked(RuleNoTransitionNeeded, "signal already shows the requested calling-on aspect", sig.ID)
	}
	if requested != domain.CallingOnOff && requested != domain.CallingOnWhite {
		return blocked(RuleInvalidTransition, "calling-on aspect must be OFF or WHITE", sig.ID)
	}
	if requested == domain.CallingOnOff {
		return nil
	}
	if sig.MainAspect != domain.AspectRed {
		return blocked(RuleCallingOnMainNotDanger, "main aspect must be RED to show calling-on", sig.ID)
	}
	predicted := domain.Aspect{Main: domain.AspectRed, CallingOn: requested, Loop: sig.LoopAspect}
	return b.validateAgainstRuleEngine(ctx, sig.ID, predicted)
}

func (b *SignalBranch) validateLoopChange(ctx context.Context, sig domain.Signal, requested domain.LoopAspect) error {
	current := sig.LoopAspect
	if requested == current {
		return blocked(RuleNoTransitionNeeded, "signal already shows the requested loop aspect", sig.ID)
	}
	if requested != domain.LoopOff && requested != domain.LoopYellow {
		return blocked(RuleInvalidTransition, "loop aspect must be OFF or YELLOW", sig.ID)
	}
	if requested == domain.LoopOff {
		return nil
	}
	predicted := domain.Aspect{Main: sig.MainAspect, CallingOn: sig.CallingOnAspect, Loop: requested}
	return b.validateAgainstRuleEngine(ctx, sig.ID, predicted)
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
