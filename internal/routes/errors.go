// Package routes implements the Route Lifecycle Manager: request validation, the
// RESERVED/ACTIVE/PARTIALLY_RELEASED/RELEASED/FAILED state machine, resource-conflict
// detection over track circuits and point machines, and the append-only route-event journal.
package routes

import "fmt"

// errJournalNotDurable signals that a safety-critical route event did not survive the
// post-commit re-read — the write call returned success but ListRouteEvents disagrees.
type errJournalNotDurable struct {
	RouteID string
	EventID int64
}

func (e *errJournalNotDurable) Error() string {
	return fmt.Sprintf("routes: safety-critical event for route %s did not survive re-read after commit", e.RouteID)
}
