package protocol

import "fmt"

// Error codes. The vocabulary is stable; clients match on these strings.
const (
	CodeUnauthorized           = "UNAUTHORIZED"
	CodeAuthRequired           = "AUTH_REQUIRED"
	CodeForbidden              = "FORBIDDEN"
	CodeTenantScopeMismatch    = "TENANT_SCOPE_MISMATCH"
	CodeWorkspaceScopeMismatch = "WORKSPACE_SCOPE_MISMATCH"
	CodeInvalidRequest         = "INVALID_REQUEST"
	CodeMethodNotFound         = "METHOD_NOT_FOUND"
	CodeIdempotencyConflict    = "IDEMPOTENCY_CONFLICT"
	CodeSessionBusy            = "SESSION_BUSY"
	CodeNotFound               = "NOT_FOUND"
	CodeInternalError          = "INTERNAL_ERROR"
)

// Error is an expected, named failure that maps directly onto a failed
// ResponseFrame.
type Error struct {
	Code    string
	Message string
}

// NewError returns an *Error with a formatted message.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// Response converts the error into a failed response for request id.
func (e *Error) Response(id string) ResponseFrame {
	return MakeErrorRes(id, e.Code, e.Message)
}
