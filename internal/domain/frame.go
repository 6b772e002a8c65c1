package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "req"
	FrameTypeResponse FrameType = "res"
	FrameTypeEvent    FrameType = "event"
)

// Frame is one of RequestFrame, ResponseFrame or EventFrame.
type Frame interface {
	FrameType() FrameType
}

// RequestFrame is a correlated RPC call.
type RequestFrame struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers the RequestFrame with the same ID.
type ResponseFrame struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

// EventFrame is an unsolicited server push.
type EventFrame struct {
	Event        string          `json:"event"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Seq          *int64          `json:"seq,omitempty"`
	StateVersion json.RawMessage `json:"stateVersion,omitempty"`
}

func (RequestFrame) FrameType() FrameType  { return FrameTypeRequest }
func (ResponseFrame) FrameType() FrameType { return FrameTypeResponse }
func (EventFrame) FrameType() FrameType    { return FrameTypeEvent }

// MarshalJSON adds the "type" discriminator.
func (f RequestFrame) MarshalJSON() ([]byte, error) {
	type alias RequestFrame
	return json.Marshal(struct {
		Type FrameType `json:"type"`
		alias
	}{FrameTypeRequest, alias(f)})
}

// MarshalJSON adds the "type" discriminator.
func (f ResponseFrame) MarshalJSON() ([]byte, error) {
	type alias ResponseFrame
	return json.Marshal(struct {
		Type FrameType `json:"type"`
		alias
	}{FrameTypeResponse, alias(f)})
}

// MarshalJSON adds the "type" discriminator.
func (f EventFrame) MarshalJSON() ([]byte, error) {
	type alias EventFrame
	return json.Marshal(struct {
		Type FrameType `json:"type"`
		alias
	}{FrameTypeEvent, alias(f)})
}

// ErrorShape is the error object carried by a failed ResponseFrame.
type ErrorShape struct {
	Code         string          `json:"code"`
	Message      string          `json:"message"`
	Details      json.RawMessage `json:"details,omitempty"`
	Retryable    bool            `json:"retryable,omitempty"`
	RetryAfterMs int64           `json:"retryAfterMs,omitempty"`
}

// UnmarshalJSON accepts "code" as either a JSON string or a JSON number.
func (e *ErrorShape) UnmarshalJSON(data []byte) error {
	var aux struct {
		Code         json.RawMessage `json:"code"`
		Message      string          `json:"message"`
		Details      json.RawMessage `json:"details"`
		Retryable    bool            `json:"retryable"`
		RetryAfterMs int64           `json:"retryAfterMs"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	code, err := decodeCode(aux.Code)
	if err != nil {
		return err
	}
	*e = ErrorShape{
		Code:         code,
		Message:      aux.Message,
		Details:      aux.Details,
		Retryable:    aux.Retryable,
		RetryAfterMs: aux.RetryAfterMs,
	}
	return nil
}

func decodeCode(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("error code: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	return n.String(), nil
}

// DecodeFrame parses one inbound text message. Anything that is not a JSON
// object with a known "type" yields ErrInvalidFrame.
func DecodeFrame(data []byte) (Frame, error) {
	var head struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	switch head.Type {
	case FrameTypeRequest:
		var f RequestFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		return f, nil
	case FrameTypeResponse:
		var f ResponseFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		return f, nil
	case FrameTypeEvent:
		var f EventFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, head.Type)
	}
}
