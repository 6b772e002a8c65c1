package gatewayserver

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"gatelink/internal/domain"
)

// StatusResponse is the JSON body returned by GET /healthz.
type StatusResponse struct {
	Gateway     GatewayStatus    `json:"gateway"`
	Connections ConnectionStatus `json:"connections"`
	RPC         RPCStatus        `json:"rpc"`
}

// GatewayStatus holds gateway overview info.
type GatewayStatus struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	Protocol      int    `json:"protocol"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Open          bool   `json:"open"`
}

// ConnectionStatus holds connection counts.
type ConnectionStatus struct {
	Active           int   `json:"active"`
	Total            int64 `json:"total"`
	HandshakesFailed int64 `json:"handshakes_failed"`
}

// RPCStatus holds RPC usage stats.
type RPCStatus struct {
	Methods     []string `json:"methods"`
	CallsTotal  int64    `json:"calls_total"`
	ErrorsTotal int64    `json:"errors_total"`
}

// Metrics tracks counters for the status and metrics endpoints.
type Metrics struct {
	ConnectionsTotal atomic.Int64
	HandshakesFailed atomic.Int64
	RPCCallsTotal    atomic.Int64
	RPCErrorsTotal   atomic.Int64
	EventsBroadcast  atomic.Int64
	EventsDropped    atomic.Int64
}

// Metrics returns the server counters.
func (s *Server) Metrics() *Metrics { return &s.metrics }

func statusHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := StatusResponse{
			Gateway: GatewayStatus{
				Name:          s.cfg.Name,
				Version:       s.cfg.Version,
				Protocol:      domain.ProtocolVersion,
				UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
				Open:          s.auth.Open(),
			},
			Connections: ConnectionStatus{
				Active:           s.Connections(),
				Total:            s.metrics.ConnectionsTotal.Load(),
				HandshakesFailed: s.metrics.HandshakesFailed.Load(),
			},
			RPC: RPCStatus{
				Methods:     s.methods(),
				CallsTotal:  s.metrics.RPCCallsTotal.Load(),
				ErrorsTotal: s.metrics.RPCErrorsTotal.Load(),
			},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
