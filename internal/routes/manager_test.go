package routes

import (
	"context"
	"errors"
	"testing"

	"github.com/trackguard/interlocking/internal/domain"
	"github.com/trackguard/interlocking/internal/interlocking"
	"github.com/trackguard/interlocking/internal/store/storetest"
)

func seedRouteFixture(gw *storetest.Gateway) {
	gw.SeedSignal(&domain.Signal{ID: "SIG_SRC", MainAspect: domain.AspectRed, IsActive: true, PossibleAspects: []domain.MainAspect{domain.AspectRed, domain.AspectGreen}})
	gw.SeedSignal(&domain.Signal{ID: "SIG_DST", MainAspect: domain.AspectRed, IsActive: true})
	for _, id := range []string{"C10", "C11", "C12", "C13"} {
		gw.SeedTrackCircuit(&domain.TrackCircuit{ID: id})
	}
}

func TestManager_RequestRoute_Allows(t *testing.T) {
	gw := storetest.New()
	seedRouteFixture(gw)
	m := New(gw, nil, nil, nil)

	route, err := m.RequestRoute(context.Background(), Request{
		SourceSignal: "SIG_SRC", DestSignal: "SIG_DST", Direction: domain.DirectionUp,
		Path: []string{"C10", "C11"}, OperatorID: "op1",
	})
	if err != nil {
		t.Fatalf("RequestRoute() error = %v", err)
	}
	if route.State != domain.RouteReserved {
		t.Errorf("route state = %s, want RESERVED", route.State)
	}
	events := gw.RouteEvents(route.ID)
	if len(events) != 1 || events[0].Type != domain.EventRouteCreated {
		t.Errorf("expected one ROUTE_CREATED event, got %v", events)
	}
}

func TestManager_RequestRoute_RejectsOccupiedCircuit(t *testing.T) {
	gw := storetest.New()
	seedRouteFixture(gw)
	gw.SeedTrackCircuit(&domain.TrackCircuit{ID: "C10", IsOccupied: true})
	m := New(gw, nil, nil, nil)

	_, err := m.RequestRoute(context.Background(), Request{
		SourceSignal: "SIG_SRC", DestSignal: "SIG_DST", Direction: domain.DirectionUp,
		Path: []string{"C10"}, OperatorID: "op1",
	})
	var vb *interlocking.ValidationBlocked
	if !errors.As(err, &vb) || vb.RuleID != interlocking.RuleCircuitOccupied {
		t.Fatalf("expected CIRCUIT_OCCUPIED, got %v", err)
	}
}

// TestManager_S5_RouteConflict implements scenario S5: R1 ACTIVE over [C10,C11,C12], a request
// for R2 over [C12,C13] must be blocked ROUTE_CONFLICT naming R1.
func TestManager_S5_RouteConflict(t *testing.T) {
	gw := storetest.New()
	seedRouteFixture(gw)
	m := New(gw, nil, nil, nil)

	r1, err := m.RequestRoute(context.Background(), Request{
		SourceSignal: "SIG_SRC", DestSignal: "SIG_DST", Direction: domain.DirectionUp,
		Path: []string{"C10", "C11", "C12"}, OperatorID: "op1",
	})
	if err != nil {
		t.Fatalf("RequestRoute(R1) error = %v", err)
	}
	if err := gw.UpdateRouteState(context.Background(), r1.ID, domain.RouteActive, "op1", ""); err != nil {
		t.Fatalf("UpdateRouteState(R1, ACTIVE) error = %v", err)
	}

	_, err = m.RequestRoute(context.Background(), Request{
		SourceSignal: "SIG_SRC", DestSignal: "SIG_DST", Direction: domain.DirectionUp,
		Path: []string{"C12", "C13"}, OperatorID: "op2",
	})
	var vb *interlocking.ValidationBlocked
	if !errors.As(err, &vb) || vb.RuleID != interlocking.RuleRouteConflict {
		t.Fatalf("expected ROUTE_CONFLICT naming R1, got %v", err)
	}
	if len(vb.AffectedEntities) != 1 || vb.AffectedEntities[0] != r1.ID {
		t.Errorf("expected conflict to name route %s, got %v", r1.ID, vb.AffectedEntities)
	}
}

func TestManager_ActivateRoute_RequiresReserved(t *testing.T) {
	gw := storetest.New()
	seedRouteFixture(gw)
	signalBranch := interlocking.NewSignalBranch(gw, nil)
	m := New(gw, signalBranch, nil, nil)

	route, err := m.RequestRoute(context.Background(), Request{
		SourceSignal: "SIG_SRC", DestSignal: "SIG_DST", Direction: domain.DirectionUp,
		Path: []string{"C10"}, OperatorID: "op1",
	})
	if err != nil {
		t.Fatalf("RequestRoute() error = %v", err)
	}
	if err := m.ActivateRoute(context.Background(), route.ID, "op1"); err != nil {
		t.Fatalf("ActivateRoute() error = %v", err)
	}

	err = m.ActivateRoute(context.Background(), route.ID, "op1")
	var vb *interlocking.ValidationBlocked
	if !errors.As(err, &vb) || vb.RuleID != interlocking.RuleRouteWrongState {
		t.Fatalf("expected ROUTE_WRONG_STATE on double activation, got %v", err)
	}
}

func TestManager_ReleaseRoute_RequiresClearCircuits(t *testing.T) {
	gw := storetest.New()
	seedRouteFixture(gw)
	signalBranch := interlocking.NewSignalBranch(gw, nil)
	m := New(gw, signalBranch, nil, nil)

	route, err := m.RequestRoute(context.Background(), Request{
		SourceSignal: "SIG_SRC", DestSignal: "SIG_DST", Direction: domain.DirectionUp,
		Path: []string{"C10"}, OperatorID: "op1",
	})
	if err != nil {
		t.Fatalf("RequestRoute() error = %v", err)
	}
	if err := m.ActivateRoute(context.Background(), route.ID, "op1"); err != nil {
		t.Fatalf("ActivateRoute() error = %v", err)
	}

	if err := gw.UpdateTrackCircuitOccupancy(context.Background(), "C10", true, "TRAIN1"); err != nil {
		t.Fatalf("UpdateTrackCircuitOccupancy() error = %v", err)
	}

	err = m.ReleaseRoute(context.Background(), route.ID, domain.ReleaseNormal, "op1")
	var vb *interlocking.ValidationBlocked
	if !errors.As(err, &vb) || vb.RuleID != interlocking.RuleCircuitOccupied {
		t.Fatalf("expected CIRCUIT_OCCUPIED blocking a normal release, got %v", err)
	}

	if err := m.ReleaseRoute(context.Background(), route.ID, domain.ReleaseEmergency, "op1"); err != nil {
		t.Fatalf("expected EMERGENCY_RELEASE to bypass occupancy check, got %v", err)
	}
}

func TestManager_DeleteRoute_RequiresForceForNonTerminal(t *testing.T) {
	gw := storetest.New()
	seedRouteFixture(gw)
	m := New(gw, nil, nil, nil)

	route, err := m.RequestRoute(context.Background(), Request{
		SourceSignal: "SIG_SRC", DestSignal: "SIG_DST", Direction: domain.DirectionUp,
		Path: []string{"C10"}, OperatorID: "op1",
	})
	if err != nil {
		t.Fatalf("RequestRoute() error = %v", err)
	}

	if err := m.DeleteRoute(context.Background(), route.ID, false, "op1"); err == nil {
		t.Fatal("expected delete without force_delete to be rejected for a RESERVED route")
	}
	if err := m.DeleteRoute(context.Background(), route.ID, true, "op1"); err != nil {
		t.Fatalf("expected force_delete to succeed, got %v", err)
	}
}

func TestManager_ResourceConflict_PointMachineInheritsPairedLock(t *testing.T) {
	gw := storetest.New()
	seedRouteFixture(gw)
	gw.SeedPointMachine(&domain.PointMachine{ID: "PM_A", PairedEntity: "PM_B"})
	gw.SeedPointMachine(&domain.PointMachine{ID: "PM_B", PairedEntity: "PM_A"})
	if err := gw.AcquireResourceLock(context.Background(), &domain.ResourceLock{
		ResourceType: domain.ResourcePointMachine, ResourceID: "PM_B", RouteID: "OTHER_ROUTE", LockType: domain.LockRoute,
	}); err != nil {
		t.Fatalf("AcquireResourceLock() error = %v", err)
	}
	m := New(gw, nil, nil, nil)

	_, err := m.RequestRoute(context.Background(), Request{
		SourceSignal: "SIG_SRC", DestSignal: "SIG_DST", Direction: domain.DirectionUp,
		Path: []string{"C10"}, LockedPointMachines: []string{"PM_A"}, OperatorID: "op1",
	})
	var vb *interlocking.ValidationBlocked
	if !errors.As(err, &vb) || vb.RuleID != interlocking.RuleResourceConflict {
		t.Fatalf("expected RESOURCE_CONFLICT inherited from the paired machine, got %v", err)
	}
}
