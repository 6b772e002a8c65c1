package gatewayserver

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"
)

// metricsHandler serves GET /metrics in the Prometheus text format.
func metricsHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		m := &s.metrics
		writeMetric(w, "gatelink_connections_active", "gauge", "Established gateway connections.", float64(s.Connections()))
		writeMetric(w, "gatelink_connections_total", "counter", "WebSocket upgrades accepted.", float64(m.ConnectionsTotal.Load()))
		writeMetric(w, "gatelink_handshakes_failed_total", "counter", "Connect handshakes rejected.", float64(m.HandshakesFailed.Load()))
		writeMetric(w, "gatelink_rpc_calls_total", "counter", "RPC requests dispatched.", float64(m.RPCCallsTotal.Load()))
		writeMetric(w, "gatelink_rpc_errors_total", "counter", "RPC requests answered with an error.", float64(m.RPCErrorsTotal.Load()))
		writeMetric(w, "gatelink_events_broadcast_total", "counter", "Events broadcast.", float64(m.EventsBroadcast.Load()))
		writeMetric(w, "gatelink_events_dropped_total", "counter", "Event deliveries dropped for slow clients.", float64(m.EventsDropped.Load()))
		writeMetric(w, "gatelink_uptime_seconds", "gauge", "Seconds since the gateway started.", time.Since(s.startTime).Seconds())

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		writeMetric(w, "go_goroutines", "gauge", "Number of goroutines.", float64(runtime.NumGoroutine()))
		writeMetric(w, "go_memstats_alloc_bytes", "gauge", "Bytes of allocated heap objects.", float64(mem.Alloc))
		writeMetric(w, "go_memstats_sys_bytes", "gauge", "Total bytes of memory obtained from the OS.", float64(mem.Sys))
	}
}

func writeMetric(w io.Writer, name, kind, help string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %g\n", name, value)
}
