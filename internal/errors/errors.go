// Package apperrors maps failures to HTTP error responses and CLI errors.
package apperrors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Error codes returned in HTTP responses.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
)

// HTTPErrorResponse is the JSON body of every error response.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// HTTPError describes one failure.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// AppError is an error with an HTTP status and a stable code.
type AppError struct {
	Code    string
	Status  int
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// WithDetails returns a copy of e carrying details.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	out := *e
	out.Details = details
	return &out
}

// NewBadRequest reports invalid client input.
func NewBadRequest(message string, err error) *AppError {
	return &AppError{Code: CodeBadRequest, Status: http.StatusBadRequest, Message: message, Err: err}
}

// NewNotFound reports an unknown resource or route.
func NewNotFound(message string) *AppError {
	return &AppError{Code: CodeNotFound, Status: http.StatusNotFound, Message: message}
}

// NewUnauthorized reports a missing or invalid credential.
func NewUnauthorized(message string) *AppError {
	return &AppError{Code: CodeUnauthorized, Status: http.StatusUnauthorized, Message: message}
}

// NewMethodNotAllowed reports a method a route does not serve.
func NewMethodNotAllowed(method, path string) *AppError {
	return &AppError{
		Code:    CodeMethodNotAllowed,
		Status:  http.StatusMethodNotAllowed,
		Message: fmt.Sprintf("method %s not allowed on %s", method, path),
	}
}

// NewConflict reports an operation that lost to concurrent work.
func NewConflict(message string, err error) *AppError {
	return &AppError{Code: CodeConflict, Status: http.StatusConflict, Message: message, Err: err}
}

// NewServiceUnavailable reports a failing dependency or health probe.
func NewServiceUnavailable(message string, details map[string]any) *AppError {
	return &AppError{Code: CodeServiceUnavailable, Status: http.StatusServiceUnavailable, Message: message, Details: details}
}

// NewExternalServiceError reports a failure in a cloud or remote service.
func NewExternalServiceError(message string) *AppError {
	return &AppError{Code: CodeExternalService, Status: http.StatusBadGateway, Message: message}
}

// WrapExternal wraps err from a cloud or remote service.
func WrapExternal(err error, message string) *AppError {
	return &AppError{Code: CodeExternalService, Status: http.StatusBadGateway, Message: message, Err: err}
}

// WrapInternal wraps an unexpected failure. The request id, when ctx carries
// one, is attached as a detail.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	e := &AppError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: message, Err: err}
	if ctx != nil {
		if id := chimw.GetReqID(ctx); id != "" {
			e.Details = map[string]any{"request_id": id}
		}
	}
	return e
}

// RespondWithError writes err as an HTTPErrorResponse. Errors that are not
// an *AppError become INTERNAL_ERROR without leaking their text.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		appErr = &AppError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: "internal server error"}
	}
	body := HTTPErrorResponse{Error: HTTPError{
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: appErr.Details,
	}}
	if r != nil {
		body.Error.RequestID = chimw.GetReqID(r.Context())
	}
	WriteJSON(w, appErr.Status, body)
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
