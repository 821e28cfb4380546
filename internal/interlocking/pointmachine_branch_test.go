package interlocking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/trackguard/interlocking/internal/domain"
	"github.com/trackguard/interlocking/internal/store/storetest"
)

func baseMachine(id string) domain.PointMachine {
	return domain.PointMachine{
		ID:              id,
		CurrentPosition: domain.PositionNormal,
		OperatingStatus: domain.StatusAvailable,
		RootSegment:     id + "_ROOT",
		NormalSegment:   id + "_N",
		ReverseSegment:  id + "_R",
	}
}

func TestPointMachineBranch_NoOpWhenEqual(t *testing.T) {
	gw := storetest.New()
	branch := NewPointMachineBranch(gw)
	m := baseMachine("PM1")

	if err := branch.ValidatePositionChange(context.Background(), m, domain.PositionNormal, "op1"); err != nil {
		t.Fatalf("expected no-op to be allowed, got %v", err)
	}
}

func TestPointMachineBranch_RejectsNonAvailable(t *testing.T) {
	gw := storetest.New()
	branch := NewPointMachineBranch(gw)
	m := baseMachine("PM2")
	m.OperatingStatus = domain.StatusInTransition

	err := branch.ValidatePositionChange(context.Background(), m, domain.PositionReverse, "op1")
	var vb *ValidationBlocked
	if !errors.As(err, &vb) || vb.RuleID != RulePointNotAvailable {
		t.Fatalf("expected POINT_NOT_AVAILABLE, got %v", err)
	}
}

func TestPointMachineBranch_RejectsLocked(t *testing.T) {
	gw := storetest.New()
	branch := NewPointMachineBranch(gw)
	m := baseMachine("PM3")
	m.IsLocked = true

	err := branch.ValidatePositionChange(context.Background(), m, domain.PositionReverse, "op1")
	var vb *ValidationBlocked
	if !errors.As(err, &vb) || vb.RuleID != RulePointLocked {
		t.Fatalf("expected POINT_LOCKED, got %v", err)
	}
}

func TestPointMachineBranch_RejectsActiveTimeLock(t *testing.T) {
	gw := storetest.New()
	branch := NewPointMachineBranch(gw)
	m := baseMachine("PM4")
	expiry := time.Now().Add(time.Minute)
	m.LockExpiresAt = &expiry

	err := branch.ValidatePositionChange(context.Background(), m, domain.PositionReverse, "op1")
	var vb *ValidationBlocked
	if !errors.As(err, &vb) || vb.RuleID != RulePointTimeLocked {
		t.Fatalf("expected POINT_TIME_LOCKED, got %v", err)
	}
}

func TestPointMachineBranch_ExpiredTimeLockDoesNotBlock(t *testing.T) {
	gw := storetest.New()
	gw.SeedTrackCircuit(&domain.TrackCircuit{ID: "PM5_CIRCUIT"})
	branch := NewPointMachineBranch(gw)
	m := baseMachine("PM5")
	m.NormalSegment = ""
	m.ReverseSegment = ""
	m.RootSegment = ""
	expired := time.Now().Add(-time.Minute)
	m.LockExpiresAt = &expired

	if err := branch.ValidatePositionChange(context.Background(), m, domain.PositionReverse, "op1"); err != nil {
		t.Fatalf("expected expired time-lock to not block, got %v", err)
	}
}

func TestPointMachineBranch_DetectionLockBlocks(t *testing.T) {
	gw := storetest.New()
	gw.SeedTrackCircuit(&domain.TrackCircuit{ID: "DET1", IsOccupied: true})
	branch := NewPointMachineBranch(gw)
	m := baseMachine("PM6")
	m.DetectionLockingCircuits = []string{"DET1"}

	err := branch.ValidatePositionChange(context.Background(), m, domain.PositionReverse, "op1")
	var vb *ValidationBlocked
	if !errors.As(err, &vb) || vb.RuleID != RulePointDetectionLocked {
		t.Fatalf("expected POINT_DETECTION_LOCKED, got %v", err)
	}
}

func TestPointMachineBranch_ProtectingSignalsMustBeRed(t *testing.T) {
	gw := storetest.New()
	gw.SeedSignal(&domain.Signal{ID: "SIG_PROT", MainAspect: domain.AspectGreen, IsActive: true})
	branch := NewPointMachineBranch(gw)
	m := baseMachine("PM7")
	m.ProtectedSignals = []string{"SIG_PROT"}

	err := branch.ValidatePositionChange(context.Background(), m, domain.PositionReverse, "op1")
	var vb *ValidationBlocked
	if !errors.As(err, &vb) || vb.RuleID != RuleProtectingSignalsNotRed {
		t.Fatalf("expected PROTECTING_SIGNALS_NOT_RED, got %v", err)
	}
}

func TestPointMachineBranch_AffectedSegmentOccupiedBlocks(t *testing.T) {
	gw := storetest.New()
	gw.SeedTrackSegment(&domain.TrackSegment{ID: "PM8_ROOT", CircuitID: "CIRC_ROOT"})
	gw.SeedTrackSegment(&domain.TrackSegment{ID: "PM8_R", CircuitID: "CIRC_R"})
	gw.SeedTrackCircuit(&domain.TrackCircuit{ID: "CIRC_ROOT", IsOccupied: false})
	gw.SeedTrackCircuit(&domain.TrackCircuit{ID: "CIRC_R", IsOccupied: true})
	branch := NewPointMachineBranch(gw)
	m := baseMachine("PM8")

	err := branch.ValidatePositionChange(context.Background(), m, domain.PositionReverse, "op1")
	var vb *ValidationBlocked
	if !errors.As(err, &vb) || vb.RuleID != RuleSegmentOccupied {
		t.Fatalf("expected SEGMENT_OCCUPIED, got %v", err)
	}
}

func TestPointMachineBranch_ConflictingMachineAtReverseBlocks(t *testing.T) {
	gw := storetest.New()
	gw.SeedTrackSegment(&domain.TrackSegment{ID: "PM9_ROOT", CircuitID: "C_ROOT9"})
	gw.SeedTrackSegment(&domain.TrackSegment{ID: "PM9_R", CircuitID: "C_R9"})
	gw.SeedTrackCircuit(&domain.TrackCircuit{ID: "C_ROOT9"})
	gw.SeedTrackCircuit(&domain.TrackCircuit{ID: "C_R9"})
	gw.SeedPointMachine(&domain.PointMachine{ID: "PM_CONFLICT", CurrentPosition: domain.PositionReverse})
	branch := NewPointMachineBranch(gw)
	m := baseMachine("PM9")
	m.ConflictingMachines = []string{"PM_CONFLICT"}

	err := branch.ValidatePositionChange(context.Background(), m, domain.PositionReverse, "op1")
	var vb *ValidationBlocked
	if !errors.As(err, &vb) || vb.RuleID != RuleConflictingMachine {
		t.Fatalf("expected CONFLICTING_MACHINE, got %v", err)
	}
}

func TestPointMachineBranch_RouteConflictBlocks(t *testing.T) {
	gw := storetest.New()
	gw.SeedTrackSegment(&domain.TrackSegment{ID: "PM10_ROOT", CircuitID: "C_ROOT10"})
	gw.SeedTrackSegment(&domain.TrackSegment{ID: "PM10_R", CircuitID: "C_R10"})
	gw.SeedTrackCircuit(&domain.TrackCircuit{ID: "C_ROOT10"})
	gw.SeedTrackCircuit(&domain.TrackCircuit{ID: "C_R10"})
	ctx := context.Background()
	route := &domain.RouteAssignment{ID: "R1", State: domain.RouteActive}
	if err := gw.InsertRouteAssignment(ctx, route); err != nil {
		t.Fatalf("InsertRouteAssignment() error = %v", err)
	}
	if err := gw.AcquireResourceLock(ctx, &domain.ResourceLock{ResourceType: domain.ResourcePointMachine, ResourceID: "PM10", RouteID: "R1", LockType: domain.LockRoute}); err != nil {
		t.Fatalf("AcquireResourceLock() error = %v", err)
	}

	branch := NewPointMachineBranch(gw)
	m := baseMachine("PM10")

	err := branch.ValidatePositionChange(ctx, m, domain.PositionReverse, "op1")
	var vb *ValidationBlocked
	if !errors.As(err, &vb) || vb.RuleID != RuleRouteConflict {
		t.Fatalf("expected ROUTE_CONFLICT, got %v", err)
	}
}

// TestPointMachineBranch_S3_PairedMismatchCorrected implements scenario S3 at the store layer:
// the paired-move stored procedure corrects the mismatched machine and reports it.
func TestPointMachineBranch_S3_PairedMismatchCorrected(t *testing.T) {
	gw := storetest.New()
	pm1 := &domain.PointMachine{ID: "PM1", CurrentPosition: domain.PositionNormal, OperatingStatus: domain.StatusAvailable, PairedEntity: "PM2"}
	pm2 := &domain.PointMachine{ID: "PM2", CurrentPosition: domain.PositionReverse, OperatingStatus: domain.StatusAvailable, PairedEntity: "PM1"}
	gw.SeedPointMachine(pm1)
	gw.SeedPointMachine(pm2)

	mismatch, err := gw.UpdatePointPositionPaired(context.Background(), "PM1", domain.PositionNormal, "operator-1")
	if err != nil {
		t.Fatalf("UpdatePointPositionPaired() error = %v", err)
	}
	if !mismatch {
		t.Fatal("expected a mismatch to be reported and corrected")
	}

	corrected, err := gw.GetPointMachine(context.Background(), "PM2")
	if err != nil {
		t.Fatalf("GetPointMachine() error = %v", err)
	}
	if corrected.CurrentPosition != domain.PositionNormal {
		t.Errorf("PM2 position = %s, want NORMAL after correction", corrected.CurrentPosition)
	}
}

func TestPointMachineBranch_PairedOperationChecksCombinedSegments(t *testing.T) {
	gw := storetest.New()
	gw.SeedTrackSegment(&domain.TrackSegment{ID: "A_ROOT", CircuitID: "CA_ROOT"})
	gw.SeedTrackSegment(&domain.TrackSegment{ID: "A_R", CircuitID: "CA_R"})
	gw.SeedTrackSegment(&domain.TrackSegment{ID: "B_ROOT", CircuitID: "CB_ROOT"})
	gw.SeedTrackSegment(&domain.TrackSegment{ID: "B_R", CircuitID: "CB_R"})
	gw.SeedTrackCircuit(&domain.TrackCircuit{ID: "CA_ROOT"})
	gw.SeedTrackCircuit(&domain.TrackCircuit{ID: "CA_R"})
	gw.SeedTrackCircuit(&domain.TrackCircuit{ID: "CB_ROOT"})
	gw.SeedTrackCircuit(&domain.TrackCircuit{ID: "CB_R", IsOccupied: true})

	branch := NewPointMachineBranch(gw)
	a := baseMachine("A")
	b := baseMachine("B")

	err := branch.ValidatePairedOperation(context.Background(), a, b, domain.PositionReverse, "op1")
	var vb *ValidationBlocked
	if !errors.As(err, &vb) || vb.RuleID != RuleSegmentOccupied {
		t.Fatalf("expected SEGMENT_OCCUPIED from the paired machine's segment, got %v", err)
	}
}
