package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/trackguard/interlocking/infrastructure/httputil"
	"github.com/trackguard/interlocking/internal/domain"
	"github.com/trackguard/interlocking/internal/routes"
)

// handleChangeSignalAspect serves POST /signals/{id}/aspect. The Signal Branch's
// ValidateMainAspectChange only validates; the write is this handler's responsibility, and it
// happens only on an ALLOW.
func (s *Server) handleChangeSignalAspect(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req AspectChangeRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	aspect := domain.MainAspect(req.Aspect)
	if err := s.service.ValidateMainAspectChange(r.Context(), id, aspect); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if err := s.gw.UpdateSignalAspect(r.Context(), id, aspect, req.OperatorID); err != nil {
		writeServiceError(w, r, err)
		return
	}

	sig, err := s.gw.GetSignal(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sig)
}

// handleChangeSubsidiaryAspect serves POST /signals/{id}/subsidiary-aspect.
func (s *Server) handleChangeSubsidiaryAspect(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req SubsidiaryAspectChangeRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	kind := domain.SubsidiaryKind(req.Kind)
	if err := s.service.ValidateSubsidiaryAspectChange(r.Context(), id, kind, req.Value); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if err := s.gw.UpdateSubsidiarySignalAspect(r.Context(), id, kind, req.Value, req.OperatorID); err != nil {
		writeServiceError(w, r, err)
		return
	}

	sig, err := s.gw.GetSignal(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sig)
}

// handleMovePointMachine serves POST /point-machines/{id}/position. When paired_id is set, the
// Point Machine Branch's paired-operation validation governs both ends; otherwise a lone
// machine's own ValidatePositionChange governs.
func (s *Server) handleMovePointMachine(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req PointMoveRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	position := domain.PointPosition(req.Position)

	if req.PairedID != "" {
		if err := s.service.ValidatePairedOperation(r.Context(), id, req.PairedID, position, req.OperatorID); err != nil {
			writeServiceError(w, r, err)
			return
		}
	} else if err := s.service.ValidatePositionChange(r.Context(), id, position, req.OperatorID); err != nil {
		writeServiceError(w, r, err)
		return
	}

	corrected, err := s.gw.UpdatePointPositionPaired(r.Context(), id, position, req.OperatorID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if corrected && s.log != nil {
		s.log.Warn(r.Context(), "position_mismatch_corrected", map[string]interface{}{"machine_id": id, "paired_id": req.PairedID})
	}

	m, err := s.gw.GetPointMachine(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, m)
}

// handleRequestRoute serves POST /routes: the Route Lifecycle Manager performs its own
// validate-then-write internally, unlike the Signal and Point Machine branches.
func (s *Server) handleRequestRoute(w http.ResponseWriter, r *http.Request) {
	var req RouteRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	route, err := s.routes.RequestRoute(r.Context(), routes.Request{
		SourceSignal:        req.SourceSignal,
		DestSignal:          req.DestSignal,
		Direction:           domain.Direction(req.Direction),
		Path:                req.Path,
		OverlapCircuits:     req.OverlapCircuits,
		LockedPointMachines: req.LockedPointMachines,
		Priority:            req.Priority,
		OperatorID:          req.OperatorID,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, route)
}

// handleActivateRoute serves POST /routes/{id}/activate. Some HMI clients send no body at all,
// so an empty one is treated as a request with no operator recorded rather than a bad request.
func (s *Server) handleActivateRoute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req RouteActivateRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		httputil.BadRequest(w, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	if err := s.routes.ActivateRoute(r.Context(), id, req.OperatorID); err != nil {
		writeServiceError(w, r, err)
		return
	}

	route, err := s.gw.GetRouteAssignment(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, route)
}

// handleReleaseRoute serves POST /routes/{id}/release.
func (s *Server) handleReleaseRoute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req RouteReleaseRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	if err := s.routes.ReleaseRoute(r.Context(), id, domain.ReleaseReason(req.Reason), req.OperatorID); err != nil {
		writeServiceError(w, r, err)
		return
	}

	route, err := s.gw.GetRouteAssignment(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, route)
}

// handlePartialReleaseRoute serves POST /routes/{id}/partial-release.
func (s *Server) handlePartialReleaseRoute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req RoutePartialReleaseRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	if err := s.routes.PartialRelease(r.Context(), id, req.ClearedCircuits, req.OperatorID); err != nil {
		writeServiceError(w, r, err)
		return
	}

	route, err := s.gw.GetRouteAssignment(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, route)
}

// handleFailRoute serves POST /routes/{id}/fail.
func (s *Server) handleFailRoute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req RouteFailRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	if err := s.routes.FailRoute(r.Context(), id, req.Reason, req.OperatorID); err != nil {
		writeServiceError(w, r, err)
		return
	}

	route, err := s.gw.GetRouteAssignment(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, route)
}

// decodeOptionalJSON decodes a JSON body into v if one was sent, and leaves v at its zero
// value otherwise.
func decodeOptionalJSON(r *http.Request, v interface{}) error {
	if r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}
