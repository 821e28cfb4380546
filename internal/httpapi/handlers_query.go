package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/trackguard/interlocking/infrastructure/httputil"
	"github.com/trackguard/interlocking/internal/domain"
)

// handleListSignals serves GET /signals and GET /signals?type=HOME|OUTER|STARTER|ADVANCED_STARTER.
func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) {
	signals, err := s.gw.ListSignals(r.Context())
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}

	if t := httputil.QueryString(r, "type", ""); t != "" {
		filtered := make([]*domain.Signal, 0, len(signals))
		for _, sig := range signals {
			if string(sig.Type) == t {
				filtered = append(filtered, sig)
			}
		}
		signals = filtered
	}
	httputil.WriteJSON(w, http.StatusOK, signals)
}

// handleGetSignal serves GET /signals/{id}.
func (s *Server) handleGetSignal(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sig, err := s.gw.GetSignal(r.Context(), id)
	if err != nil {
		httputil.NotFound(w, "signal "+id+" not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sig)
}

// handleListPointMachines serves GET /point-machines and
// GET /point-machines?track_circuit={id}.
func (s *Server) handleListPointMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := s.gw.ListPointMachines(r.Context())
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}

	if circuitID := httputil.QueryString(r, "track_circuit", ""); circuitID != "" {
		filtered := make([]*domain.PointMachine, 0, len(machines))
		for _, m := range machines {
			if m.HostTrackCircuit == circuitID {
				filtered = append(filtered, m)
			}
		}
		machines = filtered
	}
	httputil.WriteJSON(w, http.StatusOK, machines)
}

// handleGetPointMachine serves GET /point-machines/{id}.
func (s *Server) handleGetPointMachine(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, err := s.gw.GetPointMachine(r.Context(), id)
	if err != nil {
		httputil.NotFound(w, "point machine "+id+" not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, m)
}

// handleListTrackCircuits serves GET /track-circuits.
func (s *Server) handleListTrackCircuits(w http.ResponseWriter, r *http.Request) {
	circuits, err := s.gw.ListTrackCircuits(r.Context())
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, circuits)
}

// handleGetTrackCircuit serves GET /track-circuits/{id}.
func (s *Server) handleGetTrackCircuit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, err := s.gw.GetTrackCircuit(r.Context(), id)
	if err != nil {
		httputil.NotFound(w, "track circuit "+id+" not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, c)
}

// handleListRoutes serves GET /routes. There is no general route history lister in the Store
// Gateway — only active assignments are tracked once a route terminates its journal remains
// the durable record, so this mirrors the HMI's "what's live right now" use case.
func (s *Server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.gw.ListActiveRouteAssignments(r.Context())
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, routes)
}

// handleGetRoute serves GET /routes/{id}.
func (s *Server) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	route, err := s.gw.GetRouteAssignment(r.Context(), id)
	if err != nil {
		httputil.NotFound(w, "route "+id+" not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, route)
}

// handleListRouteEvents serves GET /routes/{id}/events, the route's append-only journal.
func (s *Server) handleListRouteEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	events, err := s.gw.ListRouteEvents(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, events)
}

// handleListTextLabels serves GET /text-labels, the read-only schematic caption surface.
func (s *Server) handleListTextLabels(w http.ResponseWriter, r *http.Request) {
	labels, err := s.gw.ListTextLabels(r.Context())
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, labels)
}

// handleGetTextLabel serves GET /text-labels/{id}.
func (s *Server) handleGetTextLabel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	label, err := s.gw.GetTextLabel(r.Context(), id)
	if err != nil {
		httputil.NotFound(w, "text label "+id+" not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, label)
}
