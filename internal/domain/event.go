package domain

import (
	"context"
	"encoding/json"
)

// WildcardEvent subscribes a handler to every event.
const WildcardEvent = "*"

// GatewayEvent is a server-pushed event as delivered to subscribers.
type GatewayEvent struct {
	Name         string          `json:"event"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Seq          *int64          `json:"seq,omitempty"`
	StateVersion json.RawMessage `json:"stateVersion,omitempty"`
}

// EventFromFrame converts a wire event into its subscriber form.
func EventFromFrame(f EventFrame) GatewayEvent {
	return GatewayEvent{Name: f.Event, Payload: f.Payload, Seq: f.Seq, StateVersion: f.StateVersion}
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event GatewayEvent)

// EventBus provides publish/subscribe keyed by event name.
type EventBus interface {
	// Publish delivers event to handlers for its exact name, then to wildcard handlers.
	Publish(ctx context.Context, event GatewayEvent)
	// Subscribe registers a handler for an event name, or WildcardEvent for all.
	// Returns an unsubscribe function.
	Subscribe(name string, handler EventHandler) func()
	// Close prevents new publishes.
	Close()
}
