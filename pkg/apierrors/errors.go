// Package apierrors provides the typed error taxonomy shared by the REST API,
// the real-time gateway and the enforcement services.
package apierrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by how callers must react to it.
type Kind string

const (
	KindConfiguration     Kind = "CONFIGURATION"
	KindValidation        Kind = "VALIDATION"
	KindScanTimeout       Kind = "SCAN_TIMEOUT"
	KindNotFound          Kind = "NOT_FOUND"
	KindAccessDenied      Kind = "ACCESS_DENIED"
	KindTransient         Kind = "TRANSIENT"
	KindUnsupportedAction Kind = "UNSUPPORTED_ACTION"
	KindConflict          Kind = "CONFLICT"
	KindInternal          Kind = "INTERNAL"
)

// Error is a classified error with a stable code and optional resource.
type Error struct {
	Kind     Kind
	Code     string
	Message  string
	Resource string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource: %s)", msg, e.Resource)
	}

	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind. A target with a code also
// requires the code to match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	if t.Code != "" && t.Code != e.Code {
		return false
	}

	return e.Kind == t.Kind
}

// WithResource returns a copy of the error with the resource field set.
func (e *Error) WithResource(resource string) *Error {
	c := *e
	c.Resource = resource

	return &c
}

// Wrap returns a copy of the error carrying cause.
func (e *Error) Wrap(cause error) *Error {
	c := *e
	c.Err = cause

	return &c
}

// HTTPStatus maps the kind to an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation, KindUnsupportedAction:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAccessDenied:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindScanTimeout:
		return http.StatusGatewayTimeout
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindConfiguration:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Kind sentinels for errors.Is checks.
var (
	ErrConfiguration     = &Error{Kind: KindConfiguration}
	ErrValidation        = &Error{Kind: KindValidation}
	ErrScanTimeout       = &Error{Kind: KindScanTimeout}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrAccessDenied      = &Error{Kind: KindAccessDenied}
	ErrTransient         = &Error{Kind: KindTransient}
	ErrUnsupportedAction = &Error{Kind: KindUnsupportedAction}
	ErrConflict          = &Error{Kind: KindConflict}
)

// Configuration builds a ConfigurationError.
func Configuration(code, format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validation builds a ValidationError.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: "VALIDATION_FAILED", Message: fmt.Sprintf(format, args...)}
}

// ScanTimeout builds a ScanTimeoutError for the named scan.
func ScanTimeout(scan string) *Error {
	return &Error{Kind: KindScanTimeout, Code: "SCAN_TIMEOUT", Message: scan + " scan exceeded its timeout"}
}

// NotFound builds a NotFoundError for a resource type and id.
func NotFound(resourceType, id string) *Error {
	return &Error{
		Kind:     KindNotFound,
		Code:     "NOT_FOUND",
		Message:  resourceType + " not found",
		Resource: id,
	}
}

// AccessDenied builds an AccessDeniedError.
func AccessDenied(format string, args ...any) *Error {
	return &Error{Kind: KindAccessDenied, Code: "ACCESS_DENIED", Message: fmt.Sprintf(format, args...)}
}

// Transient builds a TransientInfrastructureError wrapping cause.
func Transient(component string, cause error) *Error {
	return &Error{Kind: KindTransient, Code: "UNAVAILABLE", Message: component + " unavailable", Err: cause}
}

// UnsupportedAction builds the error for an unknown transfer action.
func UnsupportedAction(action string) *Error {
	return &Error{
		Kind:     KindUnsupportedAction,
		Code:     "UNSUPPORTED_ACTION",
		Message:  "unsupported action",
		Resource: action,
	}
}

// Conflict builds a ConflictError.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Code: "CONFLICT", Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or KindInternal when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindInternal
}

// Response is the JSON error body.
type Response struct {
	Error Body `json:"error"`
}

// Body carries the error fields.
type Body struct {
	Kind     Kind   `json:"kind"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Resource string `json:"resource,omitempty"`
}

// WriteJSON renders err as a JSON error response. Unclassified errors become
// 500s with a generic message.
func WriteJSON(w http.ResponseWriter, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: KindInternal, Code: "INTERNAL", Message: "internal error"}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())

	_ = json.NewEncoder(w).Encode(Response{Error: Body{
		Kind:     e.Kind,
		Code:     e.Code,
		Message:  e.Message,
		Resource: e.Resource,
	}})
}
