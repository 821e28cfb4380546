package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/trackguard/interlocking/infrastructure/cache"
	"github.com/trackguard/interlocking/internal/domain"
)

// ErrRuleEngineUnavailable is returned when the engine has no loaded document — it must
// never silently ALLOW in that state.
var ErrRuleEngineUnavailable = fmt.Errorf("rules: engine has no rule document loaded")

// BlockedByController reports that a controlling signal's current aspect disallows the
// requested aspect on the controlled signal.
type BlockedByController struct {
	Controller      string
	ControllerAspect string
	Controlled      string
	Requested       string
}

func (e *BlockedByController) Error() string {
	return fmt.Sprintf("rules: controller %s at %s disallows %s on %s", e.Controller, e.ControllerAspect, e.Requested, e.Controlled)
}

// PointState resolves a point machine's current position, so the engine can evaluate rule
// conditions without depending on the Store Gateway directly.
type PointState func(ctx context.Context, machineID string) (domain.PointPosition, error)

// Engine evaluates the loaded rule document. It is safe for concurrent use; Reload swaps the
// document under a lock so in-flight validations always see a consistent snapshot.
type Engine struct {
	mu      sync.RWMutex
	signals map[string]*domain.SignalRules

	cache *cache.TTLCache
}

// New builds an engine from a slice of per-signal rule records (loaded from either a YAML
// document via Document.AsSignalRules, or the Store Gateway's ListSignalRules).
func New(records []*domain.SignalRules) (*Engine, error) {
	if len(records) == 0 {
		return nil, ErrRuleEngineUnavailable
	}
	e := &Engine{
		signals: make(map[string]*domain.SignalRules, len(records)),
		cache:   cache.NewTTLCache(0),
	}
	for _, r := range records {
		cp := *r
		e.signals[r.SignalID] = &cp
	}
	return e, nil
}

// Reload atomically replaces the document, invalidating every cached permitted-aspect lookup.
func (e *Engine) Reload(records []*domain.SignalRules) error {
	if len(records) == 0 {
		return ErrRuleEngineUnavailable
	}
	signals := make(map[string]*domain.SignalRules, len(records))
	for _, r := range records {
		cp := *r
		signals[r.SignalID] = &cp
	}
	e.mu.Lock()
	e.signals = signals
	e.mu.Unlock()
	e.cache.InvalidateAll()
	return nil
}

func (e *Engine) lookup(signalID string) (*domain.SignalRules, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sr, ok := e.signals[signalID]
	return sr, ok
}

// matchRule finds the rule on sr whose when_aspect decodes to the same composite aspect as
// aspect (an empty subsidiary component counts as OFF), and whose conditions (if any)
// currently hold.
func matchRule(ctx context.Context, sr *domain.SignalRules, aspect domain.Aspect, points PointState) (*domain.InterlockingRule, error) {
	want := domain.DecodeAspect(domain.EncodeAspect(aspect))
	for i := range sr.Rules {
		r := &sr.Rules[i]
		if domain.DecodeAspect(r.WhenAspect) != want {
			continue
		}
		ok, err := conditionsHold(ctx, r.Conditions, points)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		return r, nil
	}
	return nil, nil
}

func conditionsHold(ctx context.Context, conditions []domain.PointCondition, points PointState) (bool, error) {
	if len(conditions) == 0 {
		return true, nil
	}
	if points == nil {
		return false, fmt.Errorf("rules: rule has point conditions but no PointState resolver was provided")
	}
	for _, c := range conditions {
		pos, err := points(ctx, c.PointMachine)
		if err != nil {
			return false, fmt.Errorf("rules: resolve position of %s: %w", c.PointMachine, err)
		}
		if pos != c.Position {
			return false, nil
		}
	}
	return true, nil
}

// ValidateAspectChange implements validate_aspect_change(signal, current, requested). The
// signal's own current aspect is not an input: controllers are evaluated at their own current
// aspect, read fresh via currentAspects.
func (e *Engine) ValidateAspectChange(ctx context.Context, signalID string, requested domain.Aspect, currentAspects func(ctx context.Context, controllerID string) (domain.Aspect, error), points PointState) error {
	sr, ok := e.lookup(signalID)
	if !ok {
		return fmt.Errorf("rules: no rule entry for signal %s: %w", signalID, ErrRuleEngineUnavailable)
	}
	if sr.Independent {
		return nil
	}
	if currentAspects == nil {
		return fmt.Errorf("rules: validate %s: no controller-aspect resolver provided", signalID)
	}

	requestedStr := string(requested.Main)
	allowCount := 0
	var lastBlock *BlockedByController

	for _, controllerID := range sr.ControlledBy {
		controllerSR, ok := e.lookup(controllerID)
		if !ok {
			return fmt.Errorf("rules: controller %s of %s has no rule entry: %w", controllerID, signalID, ErrRuleEngineUnavailable)
		}
		controllerAspect, err := currentAspects(ctx, controllerID)
		if err != nil {
			return fmt.Errorf("rules: read current aspect of controller %s: %w", controllerID, err)
		}
		rule, err := matchRule(ctx, controllerSR, controllerAspect, points)
		if err != nil {
			return err
		}
		if rule == nil {
			// No matching rule (or its conditions failed) — treat as disallowing in AND
			// mode, as a non-vote in OR mode.
			lastBlock = &BlockedByController{Controller: controllerID, ControllerAspect: domain.EncodeAspect(controllerAspect), Controlled: signalID, Requested: requestedStr}
			if sr.ControlMode == domain.ControlModeAND {
				return lastBlock
			}
			continue
		}
		allowed := rule.Allows[signalID]
		if containsAspect(allowed, requested) {
			allowCount++
			if sr.ControlMode == domain.ControlModeOR {
				return nil
			}
			continue
		}
		lastBlock = &BlockedByController{Controller: controllerID, ControllerAspect: domain.EncodeAspect(controllerAspect), Controlled: signalID, Requested: requestedStr}
		if sr.ControlMode == domain.ControlModeAND {
			return lastBlock
		}
	}

	if sr.ControlMode == domain.ControlModeOR {
		if allowCount > 0 {
			return nil
		}
		if lastBlock != nil {
			return lastBlock
		}
		return fmt.Errorf("rules: signal %s has no controllers in controlled_by", signalID)
	}
	// AND mode: every controller must have allowed, or there were none to check (independent
	// already handled above, so an empty controlled_by in AND mode allows by default).
	return nil
}

func containsAspect(allowed []string, requested domain.Aspect) bool {
	target := domain.EncodeAspect(requested)
	for _, a := range allowed {
		if a == target {
			return true
		}
		if domain.DecodeAspect(a) == requested {
			return true
		}
	}
	return false
}

// PermittedAspects implements permitted_aspects(controller, controller_aspect, controlled):
// the set of composite aspect strings controller's current aspect allows controlled to show,
// per controller's own rule document. Used for UI forward-preview, independent of whether
// controlled is actually gated by controller at all (the caller already knows that).
func (e *Engine) PermittedAspects(ctx context.Context, controller string, controllerAspect domain.Aspect, controlled string, points PointState) ([]string, error) {
	cacheKey := fmt.Sprintf("permitted:%s:%s:%s", controller, domain.EncodeAspect(controllerAspect), controlled)
	if v, ok := e.cache.Get(ctx, cacheKey); ok {
		return v.([]string), nil
	}

	sr, ok := e.lookup(controller)
	if !ok {
		return nil, fmt.Errorf("rules: no rule entry for controller %s: %w", controller, ErrRuleEngineUnavailable)
	}
	rule, err := matchRule(ctx, sr, controllerAspect, points)
	if err != nil {
		return nil, err
	}
	var allowed []string
	if rule != nil {
		allowed = append(allowed, rule.Allows[controlled]...)
	}
	e.cache.Set(ctx, cacheKey, allowed)
	return allowed, nil
}

// SignalRules returns a copy of the loaded record for signalID, for branches that need raw
// access (e.g. to read ControlledBy for a dependency graph).
func (e *Engine) SignalRules(signalID string) (domain.SignalRules, bool) {
	sr, ok := e.lookup(signalID)
	if !ok {
		return domain.SignalRules{}, false
	}
	return *sr, true
}
