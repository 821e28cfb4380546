package distributor

import (
	"context"

	"github.com/trackguard/interlocking/internal/interlocking"
	"github.com/trackguard/interlocking/internal/routes"
)

// interlockingAdapter implements interlocking.Observer by translating each branch event into
// this package's typed Event and publishing it through the Distributor that owns it. The
// Interlocking Service never imports this package; it only sees the narrow Observer interface
// it declares itself.
type interlockingAdapter struct {
	d *Distributor
}

// InterlockingObserver returns an interlocking.Observer backed by d. Wire it into
// interlocking.Service.New alongside the Track-Circuit Branch so protection and freeze events
// reach the same fan-out as notifications and route events.
func (d *Distributor) InterlockingObserver() interlocking.Observer {
	return interlockingAdapter{d: d}
}

func (a interlockingAdapter) OnAutomaticProtectionActivated(ctx context.Context, circuitID string, affectedSignals []string) {
	a.d.Publish(Event{
		Type:     EventAutomaticProtectionActivated,
		EntityID: circuitID,
		Details:  map[string]interface{}{"affected_signals": affectedSignals},
	})
}

func (a interlockingAdapter) OnInterlockingFailure(ctx context.Context, circuitID string, failedSignals []string, cause error) {
	details := map[string]interface{}{"failed_signals": failedSignals}
	if cause != nil {
		details["cause"] = cause.Error()
	}
	a.d.Publish(Event{Type: EventCriticalSafetyViolation, EntityID: circuitID, Details: details})
}

func (a interlockingAdapter) OnSystemFreezeRequired(ctx context.Context, subject, reason string, details map[string]interface{}) {
	merged := map[string]interface{}{"reason": reason}
	for k, v := range details {
		merged[k] = v
	}
	a.d.Publish(Event{Type: EventSystemFreezeRequired, EntityID: subject, Details: merged})
}

// routesAdapter implements routes.Observer the same way interlockingAdapter implements
// interlocking.Observer: a thin translation layer, owned by this package, so the Route
// Lifecycle Manager stays ignorant of the Distributor's existence.
type routesAdapter struct {
	d *Distributor
}

// RoutesObserver returns a routes.Observer backed by d. Wire it into routes.New alongside the
// Store Gateway and the Signal Branch.
func (d *Distributor) RoutesObserver() routes.Observer {
	return routesAdapter{d: d}
}

func (a routesAdapter) OnRouteAssignmentInserted(ctx context.Context, routeID string) {
	a.d.Publish(Event{Type: EventRouteAssignmentInserted, EntityID: routeID})
}

func (a routesAdapter) OnRouteStateChanged(ctx context.Context, routeID, newState string) {
	ev := EventRouteStateChanged
	switch newState {
	case "ACTIVE":
		ev = EventRouteActivated
	case "RELEASED":
		ev = EventRouteReleased
	case "FAILED":
		ev = EventRouteFailed
	}
	a.d.Publish(Event{Type: ev, EntityID: routeID, Details: map[string]interface{}{"state": newState}})
}

func (a routesAdapter) OnResourceLockAcquired(ctx context.Context, routeID, resourceType, resourceID string) {
	a.d.Publish(Event{
		Type:     EventResourceLockAcquired,
		EntityID: resourceID,
		Details:  map[string]interface{}{"route_id": routeID, "resource_type": resourceType},
	})
}

func (a routesAdapter) OnResourceLockReleased(ctx context.Context, routeID string) {
	a.d.Publish(Event{Type: EventResourceLockReleased, EntityID: routeID})
}

func (a routesAdapter) OnRouteEventLogged(ctx context.Context, routeID, eventType string) {
	a.d.Publish(Event{Type: EventRouteEventLogged, EntityID: routeID, Details: map[string]interface{}{"event_type": eventType}})
}
