package interlocking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trackguard/interlocking/infrastructure/logging"
	"github.com/trackguard/interlocking/infrastructure/metrics"
	"github.com/trackguard/interlocking/internal/domain"
	"github.com/trackguard/interlocking/internal/opstate"
	"github.com/trackguard/interlocking/internal/rules"
	"github.com/trackguard/interlocking/internal/store"
)

// Configuration constants for the facade's latency tracking and warning threshold.
const (
	TargetResponseTimeMS = 50
	MaxResponseHistory   = 1000
)

// ErrNotOperational is returned by every Validate* call while the operational latch is
// cleared — the core refuses new write-intents until an explicit Reinitialize.
// ReactToTrackOccupancyChange and ReloadRules do not check the latch.
var ErrNotOperational = fmt.Errorf("interlocking: system is not operational")

// Service is the single facade the HMI-facing transport layer calls into. It gates every
// operation on the operational latch, routes to the appropriate branch, and tracks latency in
// a bounded rolling window.
type Service struct {
	gw     store.Gateway
	engine *rules.Engine
	latch  *opstate.Latch
	log    *logging.Logger
	m      *metrics.Metrics

	signalBranch *SignalBranch
	pointBranch  *PointMachineBranch
	trackBranch  *TrackCircuitBranch

	mu      sync.Mutex
	samples []time.Duration
}

// New builds the facade. observer may be nil in tests that do not care about emitted events.
func New(gw store.Gateway, engine *rules.Engine, latch *opstate.Latch, log *logging.Logger, m *metrics.Metrics, observer Observer) *Service {
	return &Service{
		gw:           gw,
		engine:       engine,
		latch:        latch,
		log:          log,
		m:            m,
		signalBranch: NewSignalBranch(gw, engine),
		pointBranch:  NewPointMachineBranch(gw),
		trackBranch:  NewTrackCircuitBranch(gw, log, observer),
	}
}

func (s *Service) checkOperational(ctx context.Context) error {
	if s.latch == nil {
		return nil
	}
	ok, err := s.latch.IsOperational(ctx)
	if err != nil {
		return fmt.Errorf("interlocking: check operational state: %w", err)
	}
	if !ok {
		return ErrNotOperational
	}
	return nil
}

// timed records latency for one branch call, logs a slow-operation warning past the target,
// and appends to the bounded rolling window.
func (s *Service) timed(ctx context.Context, branch, entityID string, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start)

	s.recordSample(duration)

	allowed := err == nil
	ruleID := ""
	if vb, ok := err.(*ValidationBlocked); ok {
		ruleID = vb.RuleID
	}
	if s.log != nil {
		s.log.LogValidationOutcome(ctx, branch, entityID, allowed, ruleID, duration)
	}
	if s.m != nil {
		s.m.RecordValidation(branch, duration, !allowed, ruleID)
	}
	if duration > TargetResponseTimeMS*time.Millisecond {
		if s.log != nil {
			s.log.Warn(ctx, "slow operation", map[string]interface{}{"branch": branch, "entity_id": entityID, "duration_ms": duration.Milliseconds()})
		}
		if s.m != nil {
			s.m.RecordSlowOperation(branch)
		}
	}

	s.maybeFreeze(ctx, err)
	return err
}

// maybeFreeze clears the operational latch on any CRITICAL outcome — an IntegrityViolation or
// EnforcementFailed reaching the facade means enforcement could not be trusted.
func (s *Service) maybeFreeze(ctx context.Context, err error) {
	if err == nil || s.latch == nil {
		return
	}
	var reason string
	switch e := err.(type) {
	case *IntegrityViolation:
		reason = fmt.Sprintf("integrity violation on %s: %s", e.Subject, e.Reason)
	case *EnforcementFailed:
		reason = fmt.Sprintf("enforcement failed on %s", e.Subject)
	default:
		return
	}
	if clearErr := s.latch.Clear(ctx, reason); clearErr != nil && s.log != nil {
		s.log.Error(ctx, "failed to clear operational latch after critical event", clearErr, nil)
	}
	if s.m != nil {
		s.m.RecordSystemFreeze()
		s.m.SetOperational(false)
	}
}

func (s *Service) recordSample(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, d)
	if len(s.samples) > MaxResponseHistory {
		s.samples = s.samples[len(s.samples)-MaxResponseHistory:]
	}
}

// AverageResponseTime reports the mean of the current rolling latency window.
func (s *Service) AverageResponseTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range s.samples {
		total += d
	}
	return total / time.Duration(len(s.samples))
}

// ValidateMainAspectChange validates a requested main-aspect change after re-reading the
// signal's current snapshot from the gateway.
func (s *Service) ValidateMainAspectChange(ctx context.Context, signalID string, requested domain.MainAspect) error {
	if err := s.checkOperational(ctx); err != nil {
		return err
	}
	return s.timed(ctx, "signal", signalID, func() error {
		sig, err := s.gw.GetSignal(ctx, signalID)
		if err != nil {
			return blocked(RuleSignalNotFound, err.Error(), signalID)
		}
		if err := s.signalBranch.ValidateMainAspectChange(ctx, *sig, requested); err != nil {
			return err
		}
		if sig.MainAspect == domain.AspectRed && requested == domain.AspectRed && s.log != nil {
			s.log.Warn(ctx, "RED->RED safety reassertion", map[string]interface{}{"signal_id": signalID})
		}
		return nil
	})
}

// ValidateSubsidiaryAspectChange validates a requested subsidiary-aspect change.
func (s *Service) ValidateSubsidiaryAspectChange(ctx context.Context, signalID string, kind domain.SubsidiaryKind, requested string) error {
	if err := s.checkOperational(ctx); err != nil {
		return err
	}
	return s.timed(ctx, "signal_subsidiary", signalID, func() error {
		sig, err := s.gw.GetSignal(ctx, signalID)
		if err != nil {
			return blocked(RuleSignalNotFound, err.Error(), signalID)
		}
		return s.signalBranch.ValidateSubsidiaryAspectChange(ctx, *sig, kind, requested)
	})
}

// ValidatePositionChange validates a requested point-machine position change.
func (s *Service) ValidatePositionChange(ctx context.Context, machineID string, requested domain.PointPosition, operator string) error {
	if err := s.checkOperational(ctx); err != nil {
		return err
	}
	return s.timed(ctx, "point_machine", machineID, func() error {
		m, err := s.gw.GetPointMachine(ctx, machineID)
		if err != nil {
			return blocked(RulePointNotFound, err.Error(), machineID)
		}
		return s.pointBranch.ValidatePositionChange(ctx, *m, requested, operator)
	})
}

// ValidatePairedOperation validates a requested paired point-machine position change.
func (s *Service) ValidatePairedOperation(ctx context.Context, machineID, pairedID string, requested domain.PointPosition, operator string) error {
	if err := s.checkOperational(ctx); err != nil {
		return err
	}
	return s.timed(ctx, "point_machine_paired", machineID, func() error {
		m, err := s.gw.GetPointMachine(ctx, machineID)
		if err != nil {
			return blocked(RulePointNotFound, err.Error(), machineID)
		}
		paired, err := s.gw.GetPointMachine(ctx, pairedID)
		if err != nil {
			return blocked(RulePointNotFound, err.Error(), pairedID)
		}
		return s.pointBranch.ValidatePairedOperation(ctx, *m, *paired, requested, operator)
	})
}

// ReactToTrackOccupancyChange is the single hook the Change Distributor (or a direct hardware
// update path) calls on every occupancy transition; it delegates to the Track-Circuit Branch.
func (s *Service) ReactToTrackOccupancyChange(ctx context.Context, segmentID string, wasOccupied, isOccupied bool) error {
	circuit, err := s.gw.GetTrackCircuitBySegment(ctx, segmentID)
	if err != nil {
		return fmt.Errorf("interlocking: resolve circuit for segment %s: %w", segmentID, err)
	}
	return s.timed(ctx, "track_circuit", circuit.ID, func() error {
		return s.trackBranch.OnOccupancyChange(ctx, circuit.ID, wasOccupied, isOccupied)
	})
}

// ReloadRules swaps the rule engine's document, invalidating every cached permitted-aspect
// lookup. Call after the Rule Engine's document file changes.
func (s *Service) ReloadRules(records []*domain.SignalRules) error {
	return s.engine.Reload(records)
}
