// Package errors provides the unified error taxonomy: a closed set of ErrorCodes, each
// carrying an HTTP status for the HTTP facade and a Details map that always includes a stable
// rule_id wherever one applies.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a stable, user-visible error classification.
type ErrorCode string

const (
	// Validation — normal, recoverable; surfaced as operation_blocked.
	ErrCodeValidationBlocked ErrorCode = "VALIDATION_BLOCKED"

	// Safety-critical — the system sets is_operational=false and emits system_freeze_required.
	ErrCodeIntegrityViolation ErrorCode = "INTEGRITY_VIOLATION"
	ErrCodeEnforcementFailed  ErrorCode = "ENFORCEMENT_FAILED"

	// Store I/O failures.
	ErrCodeStoreConnection ErrorCode = "STORE_CONNECTION_LOST"
	ErrCodeStoreTimeout    ErrorCode = "STORE_TIMEOUT_EXCEEDED"
	ErrCodeStoreProcedure  ErrorCode = "STORE_PROCEDURE_REJECTED"
	ErrCodeStoreIntegrity  ErrorCode = "STORE_INTEGRITY_VIOLATION"

	// Configuration and timeout.
	ErrCodeConfiguration ErrorCode = "CONFIGURATION_ERROR"
	ErrCodeTimeout       ErrorCode = "TIMEOUT"

	// Resource errors used by the HTTP facade.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
)

// ServiceError is a structured error with a stable code, a human-readable message, an HTTP
// status for the HMI-facing surface, and free-form details (always including "rule_id" for
// blocked operations).
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	RuleID     string                 `json:"rule_id,omitempty"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Affected   []string               `json:"affected_entities,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s/%s] %s: %v", e.Code, e.RuleID, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Code, e.RuleID, e.Message)
}

// Unwrap returns the underlying error, if any.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails attaches an additional detail key/value pair.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithAffected records the entities a blocked or critical condition names.
func (e *ServiceError) WithAffected(ids ...string) *ServiceError {
	e.Affected = append(e.Affected, ids...)
	return e
}

func newErr(code ErrorCode, ruleID, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, RuleID: ruleID, Message: message, HTTPStatus: httpStatus}
}

// ValidationBlocked builds a normal, recoverable operation_blocked error. ruleID is the
// stable code the HMI displays alongside the human-readable reason.
func ValidationBlocked(ruleID, reason string) *ServiceError {
	return newErr(ErrCodeValidationBlocked, ruleID, reason, http.StatusUnprocessableEntity)
}

// IntegrityViolation builds a CRITICAL error: data disagrees across sources. Callers must
// also trigger system_freeze_required and clear the operational latch.
func IntegrityViolation(reason string) *ServiceError {
	return newErr(ErrCodeIntegrityViolation, "DATA_INCONSISTENCY", reason, http.StatusInternalServerError)
}

// EnforcementFailed builds a CRITICAL error: automatic RED enforcement could not be confirmed.
func EnforcementFailed(reason string) *ServiceError {
	return newErr(ErrCodeEnforcementFailed, "ENFORCEMENT_FAILED", reason, http.StatusInternalServerError)
}

// StoreConnectionLost wraps a transient connectivity failure from the store.
func StoreConnectionLost(err error) *ServiceError {
	return &ServiceError{Code: ErrCodeStoreConnection, Message: "store connection lost", HTTPStatus: http.StatusServiceUnavailable, Err: err}
}

// StoreTimeoutExceeded wraps a transient timeout from the store.
func StoreTimeoutExceeded(err error) *ServiceError {
	return &ServiceError{Code: ErrCodeStoreTimeout, Message: "store call exceeded its timeout", HTTPStatus: http.StatusGatewayTimeout, Err: err}
}

// StoreProcedureRejected surfaces a stored procedure's own rejection message.
func StoreProcedureRejected(procedure, message string) *ServiceError {
	return newErr(ErrCodeStoreProcedure, "PROCEDURE_REJECTED", message, http.StatusConflict).
		WithDetails("procedure", procedure)
}

// StoreIntegrityViolation wraps a store-level constraint violation.
func StoreIntegrityViolation(err error) *ServiceError {
	return &ServiceError{Code: ErrCodeStoreIntegrity, Message: "store integrity violation", HTTPStatus: http.StatusConflict, Err: err}
}

// ConfigurationError is raised when the rule document fails to load; the system refuses to
// enter operational state.
func ConfigurationError(reason string, err error) *ServiceError {
	return &ServiceError{Code: ErrCodeConfiguration, Message: reason, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// TimeoutBlocked treats an operation that exceeded its hard ceiling as blocked.
func TimeoutBlocked(operation string) *ServiceError {
	return newErr(ErrCodeTimeout, "TIMEOUT", fmt.Sprintf("%s exceeded its hard ceiling", operation), http.StatusGatewayTimeout)
}

// NotFound builds a not-found error for the HTTP query surface.
func NotFound(resource, id string) *ServiceError {
	return newErr(ErrCodeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource), http.StatusNotFound).
		WithDetails("resource", resource).WithDetails("id", id)
}

// IsServiceError reports whether err (or something it wraps) is a *ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// As extracts a *ServiceError from an error chain, if present.
func As(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// HTTPStatus returns the HTTP status code to report for err.
func HTTPStatus(err error) int {
	if se := As(err); se != nil {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}

// SafetyCritical reports whether the error represents a CRITICAL safety condition that must
// trigger system_freeze_required and clear the operational latch.
func SafetyCritical(err error) bool {
	se := As(err)
	if se == nil {
		return false
	}
	return se.Code == ErrCodeIntegrityViolation || se.Code == ErrCodeEnforcementFailed || se.Code == ErrCodeStoreIntegrity
}
