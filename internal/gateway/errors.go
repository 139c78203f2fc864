package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"fabricgate.org/internal/policy"
	"fabricgate.org/internal/upstream"
)

// Error codes returned to callers.
const (
	CodeNotFound          = "operation_not_found"
	CodeUnauthenticated   = "unauthenticated"
	CodePermissionDenied  = "permission_denied"
	CodeInvalidArguments  = "invalid_arguments"
	CodeClusterNotFound   = "cluster_not_found"
	CodeClusterDisabled   = "cluster_disabled"
	CodeUpstreamLogin     = "upstream_authentication_failed"
	CodeUpstreamAuth      = "upstream_auth_error"
	CodeUpstreamTimeout   = "upstream_timeout"
	CodeUpstreamDown      = "upstream_unavailable"
	CodeUpstreamError     = "upstream_error"
	CodeInternal          = "internal"
	ReasonNotFound        = "OperationNotFound"
	ReasonUnauthenticated = "Unauthenticated"
	ReasonInvalidArgs     = "InvalidArguments"
)

// Error is the structured failure of an invocation. Denials never carry
// upstream payloads; upstream failures may carry the upstream body in Details.
type Error struct {
	Code    string          `json:"code"`
	Reason  string          `json:"reason,omitempty"`
	Message string          `json:"message"`
	Status  int             `json:"-"`
	Details json.RawMessage `json:"details,omitempty"`
	Err     error           `json:"-"`
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func denied(err *policy.DeniedError) *Error {
	return &Error{
		Code:    CodePermissionDenied,
		Reason:  string(err.Reason),
		Message: err.Message,
		Status:  http.StatusForbidden,
		Err:     err,
	}
}

// upstreamError maps session-manager failures onto caller-facing errors.
func upstreamError(err error) *Error {
	var status *upstream.StatusError
	switch {
	case errors.Is(err, upstream.ErrClusterDisabled):
		return &Error{Code: CodeClusterDisabled, Message: "cluster is disabled", Status: http.StatusConflict, Err: err}
	case errors.Is(err, upstream.ErrAuthenticationFailed):
		return &Error{Code: CodeUpstreamLogin, Message: "upstream rejected the service credentials", Status: http.StatusBadGateway, Err: err}
	case errors.Is(err, upstream.ErrUpstreamAuth):
		return &Error{Code: CodeUpstreamAuth, Message: "upstream rejected the session after re-authentication", Status: http.StatusBadGateway, Err: err}
	case errors.Is(err, upstream.ErrUpstreamTimeout):
		return &Error{Code: CodeUpstreamTimeout, Message: "upstream call timed out", Status: http.StatusGatewayTimeout, Err: err}
	case errors.Is(err, upstream.ErrUpstreamUnavailable):
		e := &Error{Code: CodeUpstreamDown, Message: "upstream unavailable", Status: http.StatusBadGateway, Err: err}
		if errors.As(err, &status) {
			e.Details = status.Body
		}
		return e
	case errors.As(err, &status):
		code := status.StatusCode
		if code < 400 || code > 599 {
			code = http.StatusBadGateway
		}
		return &Error{
			Code:    CodeUpstreamError,
			Message: fmt.Sprintf("upstream returned %d", status.StatusCode),
			Status:  code,
			Details: status.Body,
			Err:     err,
		}
	default:
		return &Error{Code: CodeInternal, Message: err.Error(), Status: http.StatusInternalServerError, Err: err}
	}
}
