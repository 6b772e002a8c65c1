package usecase

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gatelink/internal/domain"
)

// authKeywords mark a code or message as a credential problem.
var authKeywords = []string{"auth", "unauthorized", "forbidden"}

// authStatusCodes are HTTP-style codes some gateways send verbatim.
var authStatusCodes = map[string]bool{"401": true, "403": true}

// Classify maps a raw gateway error to a GatewayError. Checks run in a fixed
// order because inputs can match several categories at once: protocol beats
// pairing, pairing beats auth, auth beats the retryable flag.
func Classify(raw *domain.ErrorShape) *domain.GatewayError {
	if raw == nil {
		return &domain.GatewayError{
			Code:    domain.CodeUnknown,
			Message: "Unknown gateway error. Check the gateway logs for details.",
		}
	}

	code := strings.ToLower(raw.Code)
	msg := strings.ToLower(raw.Message)
	detail := raw.Message
	if detail == "" {
		detail = raw.Code
	}

	switch {
	case mentions(code, msg, "protocol"):
		return &domain.GatewayError{
			Code: domain.CodeProtocolMismatch,
			Message: fmt.Sprintf("Protocol mismatch: %s. Update gatelink or the gateway so their protocol versions overlap.",
				detail),
		}
	case mentions(code, msg, "pair"):
		return &domain.GatewayError{
			Code: domain.CodeNotPaired,
			Message: fmt.Sprintf("Device not paired: %s. Approve this device on the gateway, then reconnect.",
				detail),
		}
	case authStatusCodes[code] || mentions(code, msg, authKeywords...):
		return &domain.GatewayError{
			Code: domain.CodeAuthFailed,
			Message: fmt.Sprintf("Authentication failed: %s. Check the gateway token or password in your config.",
				detail),
		}
	case raw.Retryable:
		return &domain.GatewayError{
			Code:       domain.CodeRetryable,
			Message:    fmt.Sprintf("Gateway temporarily unavailable: %s. Retrying may succeed.", detail),
			Retryable:  true,
			RetryAfter: time.Duration(raw.RetryAfterMs) * time.Millisecond,
		}
	default:
		return &domain.GatewayError{
			Code:    domain.ErrorCode(raw.Code),
			Message: "gateway connection failed: " + raw.Message,
		}
	}
}

func mentions(code, msg string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(code, kw) || strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// ClassifyTransport wraps a socket-level failure. Transport errors are always
// retryable.
func ClassifyTransport(op string, err error) *domain.GatewayError {
	var ge *domain.GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return &domain.GatewayError{
		Code:      domain.CodeWSError,
		Message:   fmt.Sprintf("WebSocket %s failed: %v. Check that the gateway is reachable.", op, err),
		Retryable: true,
		Cause:     err,
	}
}

// SigningFailed reports that the device could not sign its auth payload.
// It ends the current attempt but a later reconnect may succeed.
func SigningFailed(err error) *domain.GatewayError {
	return &domain.GatewayError{
		Code:      domain.CodeSignFailed,
		Message:   fmt.Sprintf("Failed to sign device auth payload: %v. Delete the stored device identity to regenerate it.", err),
		Retryable: true,
		Cause:     err,
	}
}

// MaxReconnects is the terminal error raised once the reconnect budget is spent.
func MaxReconnects(attempts int, last error) *domain.GatewayError {
	msg := fmt.Sprintf("Gave up reconnecting to the gateway after %d attempts. Create a new client to try again.", attempts)
	if last != nil {
		msg = fmt.Sprintf("Gave up reconnecting to the gateway after %d attempts (last error: %v). Create a new client to try again.", attempts, last)
	}
	return &domain.GatewayError{
		Code:    domain.CodeMaxReconnects,
		Message: msg,
		Cause:   errors.Join(domain.ErrClientTerminated, last),
	}
}

// RPCFailed turns a failed response into the error returned to the caller of
// that one request. The server's code and retry hint pass through unchanged.
func RPCFailed(method string, raw *domain.ErrorShape) *domain.GatewayError {
	if raw == nil {
		return &domain.GatewayError{
			Code:    domain.CodeUnknown,
			Message: fmt.Sprintf("%s failed without an error description", method),
		}
	}
	code := domain.ErrorCode(raw.Code)
	if code == "" {
		code = domain.CodeUnknown
	}
	return &domain.GatewayError{
		Code:       code,
		Message:    raw.Message,
		Retryable:  raw.Retryable,
		RetryAfter: time.Duration(raw.RetryAfterMs) * time.Millisecond,
	}
}
