// Package errors defines the coded errors shared by the zonedesk server,
// client and wire protocol, and how they are rendered over HTTP.
//
// A code is stable and machine readable; it travels in HTTP error bodies
// and in the protocol's error frames. The message is for humans.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
)

// Error codes.
const (
	CodeValidation     = "VALIDATION_ERROR"
	CodeNotFound       = "NOT_FOUND"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeForbidden      = "FORBIDDEN"
	CodeRateLimited    = "RATE_LIMITED"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeProtocol       = "PROTOCOL_ERROR"
	CodeSessionExpired = "SESSION_EXPIRED"

	CodeInternal    = "INTERNAL_ERROR"
	CodeUnavailable = "SERVICE_UNAVAILABLE"
	CodeTimeout     = "TIMEOUT"
	CodeTransport   = "TRANSPORT_ERROR"
	CodeCapacity    = "CAPACITY_EXCEEDED"
)

// statusByCode maps each code to the HTTP status it is served with.
// Unknown codes are served as 500.
var statusByCode = map[string]int{
	CodeValidation:     http.StatusBadRequest,
	CodeInvalidRequest: http.StatusBadRequest,
	CodeProtocol:       http.StatusBadRequest,
	CodeNotFound:       http.StatusNotFound,
	CodeUnauthorized:   http.StatusUnauthorized,
	CodeSessionExpired: http.StatusUnauthorized,
	CodeForbidden:      http.StatusForbidden,
	CodeRateLimited:    http.StatusTooManyRequests,
	CodeCapacity:       http.StatusTooManyRequests,
	CodeUnavailable:    http.StatusServiceUnavailable,
	CodeTransport:      http.StatusServiceUnavailable,
	CodeTimeout:        http.StatusGatewayTimeout,
	CodeInternal:       http.StatusInternalServerError,
}

// codeByStatus picks the code used when a plain error is written with an
// explicit status.
var codeByStatus = map[int]string{
	http.StatusBadRequest:         CodeInvalidRequest,
	http.StatusUnauthorized:       CodeUnauthorized,
	http.StatusForbidden:          CodeForbidden,
	http.StatusNotFound:           CodeNotFound,
	http.StatusTooManyRequests:    CodeRateLimited,
	http.StatusServiceUnavailable: CodeUnavailable,
	http.StatusGatewayTimeout:     CodeTimeout,
}

// AppError is an error carrying a code, a client-safe message and
// optional string details.
type AppError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Err     error             `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Code + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

func (e *AppError) Unwrap() error { return e.Err }

// HTTPStatus returns the status the error is served with.
func (e *AppError) HTTPStatus() int {
	if status, ok := statusByCode[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WithDetails replaces the error's details.
func (e *AppError) WithDetails(details map[string]string) *AppError {
	e.Details = details
	return e
}

// WithDetail sets one detail.
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = map[string]string{}
	}
	e.Details[key] = value
	return e
}

func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

func ValidationError(message string) *AppError { return New(CodeValidation, message) }

func InvalidRequestError(message string) *AppError { return New(CodeInvalidRequest, message) }

func InternalError(message string, err error) *AppError { return Wrap(CodeInternal, message, err) }

func NotFoundError(resource string) *AppError {
	return New(CodeNotFound, resource+" not found")
}

func UnauthorizedError() *AppError { return New(CodeUnauthorized, "unauthorized") }

// ForbiddenError reports a denied action; an empty message becomes
// "access denied".
func ForbiddenError(message string) *AppError {
	if message == "" {
		message = "access denied"
	}
	return New(CodeForbidden, message)
}

// DisallowedCategoriesError rejects a subscription request. The sorted
// category list is repeated in the "disallowed" detail, comma separated.
func DisallowedCategoriesError(categories []string) *AppError {
	sorted := slices.Sorted(slices.Values(categories))
	return ForbiddenError("categories not permitted for role: "+strings.Join(sorted, ", ")).
		WithDetail("disallowed", strings.Join(sorted, ","))
}

// ProtocolError reports an inbound message that could not be decoded.
func ProtocolError(message string, err error) *AppError { return Wrap(CodeProtocol, message, err) }

// TransportError reports a failed dial, read or write.
func TransportError(message string, err error) *AppError { return Wrap(CodeTransport, message, err) }

// CapacityError reports that the named bounded queue rejected an item.
func CapacityError(queue string) *AppError {
	return New(CodeCapacity, queue+" is full")
}

func SessionExpiredError() *AppError { return New(CodeSessionExpired, "session expired") }

// RateLimitedError reports throttling; a positive retryAfter (seconds)
// is exposed as the "retry_after" detail.
func RateLimitedError(retryAfter int) *AppError {
	err := New(CodeRateLimited, "rate limit exceeded")
	if retryAfter > 0 {
		err.WithDetail("retry_after", fmt.Sprint(retryAfter))
	}
	return err
}

func TimeoutError(operation string) *AppError {
	if operation == "" {
		return New(CodeTimeout, "operation timed out")
	}
	return New(CodeTimeout, operation+" timed out")
}

func ServiceUnavailableError(service string) *AppError {
	if service == "" {
		return New(CodeUnavailable, "service unavailable")
	}
	return New(CodeUnavailable, service+" is unavailable")
}

// CodeOf returns the code of the first AppError in err's chain, or "".
func CodeOf(err error) string {
	if appErr := asAppError(err); appErr != nil {
		return appErr.Code
	}
	return ""
}

func asAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

func IsNotFound(err error) bool   { return CodeOf(err) == CodeNotFound }
func IsValidation(err error) bool { return CodeOf(err) == CodeValidation }
func IsForbidden(err error) bool  { return CodeOf(err) == CodeForbidden }

// ErrorResponse is the JSON body of every HTTP error.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

var internalResponse = ErrorResponse{
	Error:   "internal server error",
	Code:    CodeInternal,
	Message: "An unexpected error occurred",
}

// WriteJSON writes resp with the given status.
func WriteJSON(w http.ResponseWriter, status int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// WriteError writes err using its AppError status. Errors without a code
// are served as a generic 500 so internal detail never reaches clients.
func WriteError(w http.ResponseWriter, err error) {
	if appErr := asAppError(err); appErr != nil {
		WriteJSON(w, appErr.HTTPStatus(), responseFor(appErr))
		return
	}
	WriteJSON(w, http.StatusInternalServerError, internalResponse)
}

// WriteErrorWithStatus writes err with an explicit status. Plain errors
// keep their text for 4xx statuses and are replaced for anything else.
func WriteErrorWithStatus(w http.ResponseWriter, status int, err error) {
	if appErr := asAppError(err); appErr != nil {
		WriteJSON(w, status, responseFor(appErr))
		return
	}
	if status < 400 || status >= 500 {
		WriteJSON(w, status, internalResponse)
		return
	}
	code, ok := codeByStatus[status]
	if !ok {
		code = CodeInternal
	}
	WriteJSON(w, status, ErrorResponse{Error: err.Error(), Code: code, Message: err.Error()})
}

func responseFor(e *AppError) ErrorResponse {
	return ErrorResponse{Error: e.Message, Code: e.Code, Message: e.Message, Details: e.Details}
}
