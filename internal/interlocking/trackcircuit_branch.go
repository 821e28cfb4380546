package interlocking

import (
	"context"
	"fmt"
	"time"

	"github.com/trackguard/interlocking/infrastructure/logging"
	"github.com/trackguard/interlocking/internal/domain"
	"github.com/trackguard/interlocking/internal/store"
)

// Observer receives the typed events the Track-Circuit Branch and the wider facade emit. It
// composes with the observer hub in internal/httpapi; branches never know about transport.
type Observer interface {
	OnAutomaticProtectionActivated(ctx context.Context, circuitID string, affectedSignals []string)
	OnInterlockingFailure(ctx context.Context, circuitID string, failedSignals []string, cause error)
	OnSystemFreezeRequired(ctx context.Context, subject, reason string, details map[string]interface{})
}

// TrackCircuitBranch implements the reactive enforcement triggered by every occupancy
// transition on a track circuit.
type TrackCircuitBranch struct {
	gw       store.Gateway
	log      *logging.Logger
	observer Observer

	// sleep is the settling delay between forcing a signal RED and re-reading it to confirm
	// the write landed; overridden in tests to avoid a real-time wait.
	sleep func(time.Duration)
}

// NewTrackCircuitBranch builds a branch bound to a Store Gateway, a logger for CRITICAL
// safety events, and the observer that publishes to the HMI.
func NewTrackCircuitBranch(gw store.Gateway, log *logging.Logger, observer Observer) *TrackCircuitBranch {
	return &TrackCircuitBranch{gw: gw, log: log, observer: observer, sleep: time.Sleep}
}

// OnOccupancyChange implements the reactive hook: only the unoccupied->occupied transition is
// acted on; the opposite direction never clears or lowers an aspect.
func (b *TrackCircuitBranch) OnOccupancyChange(ctx context.Context, circuitID string, wasOccupied, isOccupied bool) error {
	if wasOccupied || !isOccupied {
		return nil
	}

	s1, err := b.gw.GetProtectingSignalsFromRules(ctx, circuitID)
	if err != nil {
		return fmt.Errorf("track circuit branch: read protecting signals (rules) for %s: %w", circuitID, err)
	}
	s2, err := b.gw.GetProtectingSignalsFromTrackCircuit(ctx, circuitID)
	if err != nil {
		return fmt.Errorf("track circuit branch: read protecting signals (track circuit) for %s: %w", circuitID, err)
	}
	s3, err := b.gw.GetProtectingSignalsFromTrackSegments(ctx, circuitID)
	if err != nil {
		return fmt.Errorf("track circuit branch: read protecting signals (track segments) for %s: %w", circuitID, err)
	}

	resolved, iv := resolveProtectingSignals(circuitID, s1, s2, s3)
	if iv != nil {
		if b.log != nil {
			b.log.LogSafetyEvent(ctx, iv.Reason, iv.Details)
		}
		if b.observer != nil {
			b.observer.OnSystemFreezeRequired(ctx, iv.Subject, iv.Reason, iv.Details)
		}
		return iv
	}

	var failed []string
	for _, signalID := range resolved {
		sig, err := b.gw.GetSignal(ctx, signalID)
		if err != nil {
			return fmt.Errorf("track circuit branch: read signal %s: %w", signalID, err)
		}
		if sig.MainAspect == domain.AspectRed {
			continue
		}
		if err := b.gw.UpdateSignalAspect(ctx, signalID, domain.AspectRed, "SYSTEM_AUTOMATIC"); err != nil {
			failed = append(failed, signalID)
			continue
		}
		b.sleep(VerifyAfterWriteDelay)
		verify, err := b.gw.GetSignal(ctx, signalID)
		if err != nil || verify.MainAspect != domain.AspectRed {
			failed = append(failed, signalID)
		}
	}

	if len(failed) > 0 {
		ef := &EnforcementFailed{Subject: circuitID, FailedSignals: failed}
		if b.log != nil {
			b.log.LogSafetyEvent(ctx, "automatic RED enforcement could not be confirmed", map[string]interface{}{
				"circuit_id":     circuitID,
				"failed_signals": failed,
			})
		}
		if b.observer != nil {
			b.observer.OnInterlockingFailure(ctx, circuitID, failed, ef)
			b.observer.OnSystemFreezeRequired(ctx, circuitID, "automatic RED enforcement failed", map[string]interface{}{"failed_signals": failed})
		}
		return ef
	}

	if b.observer != nil {
		b.observer.OnAutomaticProtectionActivated(ctx, circuitID, resolved)
	}
	return nil
}

// resolveProtectingSignals implements the triple-source consistency rule and authoritative
// priority: interlocking-rules > track-circuits > track-segments.
func resolveProtectingSignals(circuitID string, s1, s2, s3 []string) ([]string, *IntegrityViolation) {
	sources := [][]string{s1, s2, s3}
	var nonEmpty [][]string
	for _, s := range sources {
		if len(s) > 0 {
			nonEmpty = append(nonEmpty, sortedCopy(s))
		}
	}
	for i := 1; i < len(nonEmpty); i++ {
		if !stringsEqual(nonEmpty[0], nonEmpty[i]) {
			return nil, &IntegrityViolation{
				Reason:  "CRITICAL DATA INCONSISTENCY",
				Subject: circuitID,
				Details: map[string]interface{}{
					"from_rules":         s1,
					"from_track_circuit": s2,
					"from_track_segments": s3,
				},
			}
		}
	}

	switch {
	case len(s1) > 0:
		return sortedCopy(s1), nil
	case len(s2) > 0:
		return sortedCopy(s2), nil
	default:
		return sortedCopy(s3), nil
	}
}
