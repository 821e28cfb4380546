package interlocking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/trackguard/interlocking/infrastructure/logging"
	"github.com/trackguard/interlocking/internal/domain"
	"github.com/trackguard/interlocking/internal/store/storetest"
)

func noSleep(time.Duration) {}

type recordingObserver struct {
	protectionActivated []string
	interlockingFailure []string
	freezeRequired      []string
}

func (r *recordingObserver) OnAutomaticProtectionActivated(ctx context.Context, circuitID string, affectedSignals []string) {
	r.protectionActivated = append(r.protectionActivated, circuitID)
}
func (r *recordingObserver) OnInterlockingFailure(ctx context.Context, circuitID string, failedSignals []string, cause error) {
	r.interlockingFailure = append(r.interlockingFailure, circuitID)
}
func (r *recordingObserver) OnSystemFreezeRequired(ctx context.Context, subject, reason string, details map[string]interface{}) {
	r.freezeRequired = append(r.freezeRequired, subject)
}

// TestTrackCircuitBranch_S1_AutomaticProtection implements scenario S1's reactive half: once
// C1 becomes occupied, SIG_A is forced to RED.
func TestTrackCircuitBranch_S1_AutomaticProtection(t *testing.T) {
	gw := storetest.New()
	gw.SeedSignal(&domain.Signal{ID: "SIG_A", MainAspect: domain.AspectGreen, IsActive: true})
	gw.SeedProtectingSignals("C1", []string{"SIG_A"}, []string{"SIG_A"}, []string{"SIG_A"})

	obs := &recordingObserver{}
	branch := NewTrackCircuitBranch(gw, logging.New("test", "error", "json"), obs)
	branch.sleep = noSleep

	if err := branch.OnOccupancyChange(context.Background(), "C1", false, true); err != nil {
		t.Fatalf("OnOccupancyChange() error = %v", err)
	}

	sig, err := gw.GetSignal(context.Background(), "SIG_A")
	if err != nil {
		t.Fatalf("GetSignal() error = %v", err)
	}
	if sig.MainAspect != domain.AspectRed {
		t.Errorf("SIG_A aspect = %s, want RED", sig.MainAspect)
	}
	if len(obs.protectionActivated) != 1 {
		t.Errorf("expected one automatic_protection_activated event, got %v", obs.protectionActivated)
	}
}

// TestTrackCircuitBranch_S2_TripleSourceDisagreement implements scenario S2.
func TestTrackCircuitBranch_S2_TripleSourceDisagreement(t *testing.T) {
	gw := storetest.New()
	gw.SeedSignal(&domain.Signal{ID: "SIG_X", MainAspect: domain.AspectGreen, IsActive: true})
	gw.SeedSignal(&domain.Signal{ID: "SIG_Y", MainAspect: domain.AspectGreen, IsActive: true})
	gw.SeedProtectingSignals("C3", []string{"SIG_X", "SIG_Y"}, []string{"SIG_X"}, []string{"SIG_X", "SIG_Y"})

	obs := &recordingObserver{}
	branch := NewTrackCircuitBranch(gw, logging.New("test", "error", "json"), obs)
	branch.sleep = noSleep

	err := branch.OnOccupancyChange(context.Background(), "C3", false, true)
	var iv *IntegrityViolation
	if !errors.As(err, &iv) {
		t.Fatalf("expected IntegrityViolation, got %v", err)
	}

	sigX, _ := gw.GetSignal(context.Background(), "SIG_X")
	if sigX.MainAspect != domain.AspectGreen {
		t.Errorf("SIG_X should not have been forced RED on inconsistency, got %s", sigX.MainAspect)
	}
	if len(obs.freezeRequired) != 1 {
		t.Errorf("expected one system_freeze_required event, got %v", obs.freezeRequired)
	}
}

func TestTrackCircuitBranch_OnlyUnoccupiedToOccupiedActs(t *testing.T) {
	gw := storetest.New()
	gw.SeedSignal(&domain.Signal{ID: "SIG_Z", MainAspect: domain.AspectGreen, IsActive: true})
	gw.SeedProtectingSignals("C9", []string{"SIG_Z"}, []string{"SIG_Z"}, []string{"SIG_Z"})

	obs := &recordingObserver{}
	branch := NewTrackCircuitBranch(gw, logging.New("test", "error", "json"), obs)
	branch.sleep = noSleep

	if err := branch.OnOccupancyChange(context.Background(), "C9", true, false); err != nil {
		t.Fatalf("occupied->unoccupied should never error, got %v", err)
	}
	sig, _ := gw.GetSignal(context.Background(), "SIG_Z")
	if sig.MainAspect != domain.AspectGreen {
		t.Errorf("occupied->unoccupied must not alter aspect, got %s", sig.MainAspect)
	}
	if len(obs.protectionActivated) != 0 {
		t.Errorf("expected no enforcement event on release, got %v", obs.protectionActivated)
	}
}

func TestTrackCircuitBranch_AlreadyRedSkipsWrite(t *testing.T) {
	gw := storetest.New()
	gw.SeedSignal(&domain.Signal{ID: "SIG_W", MainAspect: domain.AspectRed, IsActive: true})
	gw.SeedProtectingSignals("C7", []string{"SIG_W"}, []string{"SIG_W"}, []string{"SIG_W"})

	obs := &recordingObserver{}
	branch := NewTrackCircuitBranch(gw, logging.New("test", "error", "json"), obs)
	branch.sleep = noSleep

	if err := branch.OnOccupancyChange(context.Background(), "C7", false, true); err != nil {
		t.Fatalf("OnOccupancyChange() error = %v", err)
	}
	if len(obs.protectionActivated) != 1 {
		t.Errorf("expected completion event even when already RED, got %v", obs.protectionActivated)
	}
}

func TestResolveProtectingSignals_PriorityOrder(t *testing.T) {
	resolved, iv := resolveProtectingSignals("C1", nil, []string{"B", "A"}, []string{"A", "B"})
	if iv != nil {
		t.Fatalf("expected no integrity violation, got %v", iv)
	}
	if len(resolved) != 2 || resolved[0] != "A" || resolved[1] != "B" {
		t.Errorf("expected track-circuit source sorted [A B], got %v", resolved)
	}
}
