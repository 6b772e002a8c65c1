package gatewayserver

import (
	"context"
	"encoding/json"
	"time"

	"gatelink/internal/domain"
)

func (s *Server) registerBuiltins() {
	s.RegisterHandler(domain.MethodTick, tickHandler(s))
	s.RegisterHandler("health", healthHandler(s))
	s.RegisterHandler("echo", echoHandler())
	s.RegisterHandler("events.broadcast", broadcastHandler(s))
}

type tickResponse struct {
	Ts           int64 `json:"ts"`
	RetryAfterMs int64 `json:"retryAfterMs,omitempty"`
}

func tickHandler(s *Server) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(tickResponse{Ts: s.now().UnixMilli(), RetryAfterMs: s.retryAfter.Load()})
	}
}

type healthResponse struct {
	OK          bool   `json:"ok"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	UptimeMs    int64  `json:"uptimeMs"`
	Connections int    `json:"connections"`
	ConnID      string `json:"connId"`
}

func healthHandler(s *Server) RPCHandler {
	return func(_ context.Context, client *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(healthResponse{
			OK:          true,
			Name:        s.cfg.Name,
			Version:     s.cfg.Version,
			UptimeMs:    time.Since(s.startTime).Milliseconds(),
			Connections: s.Connections(),
			ConnID:      client.ConnID,
		})
	}
}

func echoHandler() RPCHandler {
	return func(_ context.Context, _ *ClientInfo, params json.RawMessage) (json.RawMessage, error) {
		if len(params) == 0 {
			return json.RawMessage("null"), nil
		}
		return params, nil
	}
}

type broadcastRequest struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func broadcastHandler(s *Server) RPCHandler {
	return func(_ context.Context, client *ClientInfo, params json.RawMessage) (json.RawMessage, error) {
		var req broadcastRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.Event == "" || req.Event == domain.EventConnectChallenge {
			return nil, domain.ErrRPCInvalidPayload
		}
		if client.Role != "operator" {
			return nil, &domain.GatewayError{
				Code:    "FORBIDDEN_ROLE",
				Message: "events.broadcast requires the operator role",
			}
		}
		seq := s.Broadcast(req.Event, req.Payload)
		return json.Marshal(map[string]int64{"seq": seq})
	}
}
