package routes

import "context"

// Observer receives the Route Lifecycle Manager's own typed events, composing with
// internal/distributor's fan-out the same way interlocking.Observer does for the branches.
type Observer interface {
	OnRouteAssignmentInserted(ctx context.Context, routeID string)
	OnRouteStateChanged(ctx context.Context, routeID, newState string)
	OnResourceLockAcquired(ctx context.Context, routeID, resourceType, resourceID string)
	OnResourceLockReleased(ctx context.Context, routeID string)
	OnRouteEventLogged(ctx context.Context, routeID, eventType string)
}
