package httpapi

import (
	"errors"
	"net/http"

	svcerrors "github.com/trackguard/interlocking/infrastructure/errors"
	"github.com/trackguard/interlocking/infrastructure/httputil"
	"github.com/trackguard/interlocking/internal/interlocking"
)

// writeServiceError maps every error shape the interlocking core can return into the standard
// JSON error envelope. *interlocking.ValidationBlocked is the overwhelmingly common case (a
// normal, recoverable operation_blocked outcome); IntegrityViolation/EnforcementFailed are
// CRITICAL and always map to 500 since the system has already frozen by the time the HTTP
// layer sees them; everything else falls back to infrastructure/errors' own ServiceError, or a
// generic 500 if the error carries no structure at all.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var blocked *interlocking.ValidationBlocked
	if errors.As(err, &blocked) {
		httputil.WriteErrorResponse(w, r, http.StatusUnprocessableEntity, string(svcerrors.ErrCodeValidationBlocked), blocked.Reason, map[string]interface{}{
			"rule_id":           blocked.RuleID,
			"affected_entities": blocked.AffectedEntities,
		})
		return
	}

	var integrity *interlocking.IntegrityViolation
	if errors.As(err, &integrity) {
		httputil.WriteErrorResponse(w, r, http.StatusInternalServerError, string(svcerrors.ErrCodeIntegrityViolation), integrity.Reason, integrity.Details)
		return
	}

	var enforcement *interlocking.EnforcementFailed
	if errors.As(err, &enforcement) {
		httputil.WriteErrorResponse(w, r, http.StatusInternalServerError, string(svcerrors.ErrCodeEnforcementFailed), enforcement.Error(), map[string]interface{}{
			"failed_signals": enforcement.FailedSignals,
		})
		return
	}

	var svcErr *svcerrors.ServiceError
	if errors.As(err, &svcErr) {
		status := svcErr.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		httputil.WriteErrorResponse(w, r, status, string(svcErr.Code), svcErr.Message, svcErr.Details)
		return
	}

	httputil.InternalError(w, err.Error())
}
