package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

// Code classifies a failure for transport mapping and retry decisions.
// Handlers and workers branch on codes, never on error strings.
type Code string

// Caller-fault codes. Requests carrying these fail the same way on retry.
const (
	CodeValidation   Code = "VALIDATION_ERROR"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
	CodeNotFound     Code = "NOT_FOUND"
	CodeConflict     Code = "CONFLICT"
	CodeIdempotency  Code = "IDEMPOTENCY_KEY_REUSED"
	CodeRateLimit    Code = "RATE_LIMIT_EXCEEDED"
)

// Lifecycle codes. The subscription and provisioning state machines refuse
// moves that their tables do not allow.
const (
	CodeStateConflict     Code = "STATE_CONFLICT"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeMaxAttempts       Code = "MAX_ATTEMPTS_EXCEEDED"
)

// Vendor codes. Transient means the same call may succeed later; logical
// means the vendor understood the request and said no.
const (
	CodeVendorTransient   Code = "VENDOR_TRANSIENT"
	CodeVendorLogical     Code = "VENDOR_LOGICAL"
	CodeCapacityExhausted Code = "CAPACITY_EXHAUSTED"
)

// Infrastructure codes.
const (
	CodeInternal   Code = "INTERNAL_ERROR"
	CodeDependency Code = "DEPENDENCY_ERROR"
	CodeDecryption Code = "DECRYPTION_FAILURE"
)

// Metadata drives how a code crosses the HTTP boundary. MessageSafe marks
// codes whose internal message may be shown to clients verbatim;
// DetailsAllowed gates the structured details payload the same way.
type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	MessageSafe    bool
	DetailsAllowed bool
}

// Columns: status, retryable, public message, message safe, details allowed.
var metadataByCode = map[Code]Metadata{
	CodeValidation:        {http.StatusBadRequest, false, "validation failed", true, true},
	CodeUnauthorized:      {http.StatusUnauthorized, false, "authentication required", true, false},
	CodeForbidden:         {http.StatusForbidden, false, "access denied", true, false},
	CodeNotFound:          {http.StatusNotFound, false, "resource not found", true, false},
	CodeConflict:          {http.StatusConflict, false, "conflict detected", true, false},
	CodeIdempotency:       {http.StatusConflict, false, "idempotency key reused", true, true},
	CodeRateLimit:         {http.StatusTooManyRequests, false, "rate limit exceeded", true, false},
	CodeStateConflict:     {http.StatusUnprocessableEntity, false, "state transition disallowed", true, true},
	CodeInvalidTransition: {http.StatusConflict, false, "transition not allowed from current state", false, true},
	CodeMaxAttempts:       {http.StatusConflict, false, "provisioning attempts exhausted", false, true},
	CodeVendorTransient:   {http.StatusBadGateway, true, "vendor temporarily unavailable", false, false},
	CodeVendorLogical:     {http.StatusBadGateway, false, "vendor rejected the request", false, true},
	CodeCapacityExhausted: {http.StatusServiceUnavailable, true, "vendor capacity exhausted", false, false},
	CodeInternal:          {http.StatusInternalServerError, true, "internal server error", false, false},
	CodeDependency:        {http.StatusServiceUnavailable, true, "dependency unavailable", false, true},
	CodeDecryption:        {http.StatusInternalServerError, false, "stored credential unreadable", false, false},
}

// MetadataFor resolves transport metadata for code; unknown codes fall back
// to the internal-error row.
func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

// Error is the platform error: a code, an operator-facing message, optional
// structured details and an optional cause preserved for unwrapping.
type Error struct {
	code    Code
	message string
	details any
	cause   error
}

// New builds an Error with no cause.
func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

// Wrap attaches code and message to err, keeping err reachable through
// errors.Is and errors.As.
func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

// WithDetails attaches a structured payload. Whether it reaches clients is
// decided by the code's DetailsAllowed metadata, not here.
func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Code is nil-safe; a nil Error reads as internal.
func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

// As digs the first *Error out of err's chain, or nil when there is none.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}
