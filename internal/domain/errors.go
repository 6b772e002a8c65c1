package domain

import (
	"errors"
	"fmt"
	"time"
)

// Category sentinels.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// Sentinel errors for the gateway client.
var (
	ErrNotConnected      = fmt.Errorf("gateway not connected")
	ErrConnectionClosed  = fmt.Errorf("gateway connection closed")
	ErrRequestTimeout    = fmt.Errorf("gateway request: %w", ErrTimeout)
	ErrHandshakeInFlight = fmt.Errorf("gateway handshake already in progress")
	ErrClientTerminated  = fmt.Errorf("gateway client reconnection exhausted")
	ErrInvalidFrame      = fmt.Errorf("invalid gateway frame: %w", ErrInvalidInput)
	ErrSignatureInvalid  = fmt.Errorf("device signature invalid")
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Store.Get")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable gateway failure category.
type ErrorCode string

// Closed classification set. Any other code reaching a GatewayError is a
// server code passed through verbatim.
const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeProtocolMismatch ErrorCode = "PROTOCOL_MISMATCH"
	CodeNotPaired        ErrorCode = "NOT_PAIRED"
	CodeAuthFailed       ErrorCode = "AUTH_FAILED"
	CodeRetryable        ErrorCode = "RETRYABLE"
	CodeWSError          ErrorCode = "WS_ERROR"
	CodeSignFailed       ErrorCode = "SIGN_FAILED"
	CodeMaxReconnects    ErrorCode = "MAX_RECONNECTS"

	// Local conditions raised by the client itself.
	CodeNotConnected     ErrorCode = "NOT_CONNECTED"
	CodeConnectionClosed ErrorCode = "CONNECTION_CLOSED"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeHandshakeBusy    ErrorCode = "HANDSHAKE_IN_FLIGHT"
)

// GatewayError is a classified gateway failure. Message is written for humans
// and already carries remediation guidance. Treat values as immutable.
type GatewayError struct {
	Code       ErrorCode
	Message    string
	Retryable  bool
	RetryAfter time.Duration // server-suggested delay, 0 when absent
	Cause      error
}

func (e *GatewayError) Error() string { return e.Message }

func (e *GatewayError) Unwrap() error { return e.Cause }

// NewGatewayError creates a GatewayError.
func NewGatewayError(code ErrorCode, message string, retryable bool, cause error) *GatewayError {
	return &GatewayError{Code: code, Message: message, Retryable: retryable, Cause: cause}
}

// GatewayErrorCode returns the code of the first GatewayError in err's chain,
// or CodeUnknown.
func GatewayErrorCode(err error) ErrorCode {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Code
	}
	return CodeUnknown
}

// IsFatalHandshakeError reports whether err means retrying the handshake with
// the same credentials cannot succeed.
func IsFatalHandshakeError(err error) bool {
	switch GatewayErrorCode(err) {
	case CodeAuthFailed, CodeProtocolMismatch, CodeNotPaired, CodeMaxReconnects:
		return true
	}
	return false
}
