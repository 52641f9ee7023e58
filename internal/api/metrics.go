// Package api: metrics.go implements a lightweight Prometheus-compatible
// /metrics endpoint that exposes instance-level counters and gauges without
// requiring an external dependency on the Prometheus Go client library.
package api

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// Metrics tracks lightweight counters for the /metrics endpoint.
type Metrics struct {
	HTTPRequestsTotal atomic.Int64
	HandshakesTotal   atomic.Int64
	ProofsVerified    atomic.Int64
	MessagesRelayed   atomic.Int64
	StartTime         time.Time
}

// GlobalMetrics is the singleton instance.
var GlobalMetrics = &Metrics{
	StartTime: time.Now(),
}

// handleMetrics exposes Prometheus-compatible metrics in text exposition
// format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := GlobalMetrics
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	// Query live counts from the database.
	var identityCount, agentCount, channelCount, messageCount, peerCount, eventCount int64
	s.DB.Pool.QueryRow(r.Context(), `SELECT COUNT(*) FROM vrp_identities`).Scan(&identityCount)
	s.DB.Pool.QueryRow(r.Context(),
		`SELECT COUNT(*) FROM agent_registrations WHERE server_id = $1 AND active`, s.ServerID).Scan(&agentCount)
	s.DB.Pool.QueryRow(r.Context(),
		`SELECT COUNT(*) FROM channels WHERE server_id = $1`, s.ServerID).Scan(&channelCount)
	s.DB.Pool.QueryRow(r.Context(),
		`SELECT COUNT(*) FROM messages WHERE server_id = $1`, s.ServerID).Scan(&messageCount)
	s.DB.Pool.QueryRow(r.Context(),
		`SELECT COUNT(*) FROM federation_agreements WHERE local_server_id = $1 AND active`, s.ServerID).Scan(&peerCount)
	s.DB.Pool.QueryRow(r.Context(),
		`SELECT COALESCE(MAX(seq), 0) FROM public_event_log WHERE server_id = $1`, s.ServerID).Scan(&eventCount)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	fmt.Fprintf(w, "# HELP annex_http_requests_total Total HTTP requests served.\n")
	fmt.Fprintf(w, "# TYPE annex_http_requests_total counter\n")
	fmt.Fprintf(w, "annex_http_requests_total %d\n\n", m.HTTPRequestsTotal.Load())

	fmt.Fprintf(w, "# HELP annex_vrp_handshakes_total Total VRP handshakes processed.\n")
	fmt.Fprintf(w, "# TYPE annex_vrp_handshakes_total counter\n")
	fmt.Fprintf(w, "annex_vrp_handshakes_total %d\n\n", m.HandshakesTotal.Load())

	fmt.Fprintf(w, "# HELP annex_proofs_verified_total Total membership proofs verified.\n")
	fmt.Fprintf(w, "# TYPE annex_proofs_verified_total counter\n")
	fmt.Fprintf(w, "annex_proofs_verified_total %d\n\n", m.ProofsVerified.Load())

	fmt.Fprintf(w, "# HELP annex_messages_relayed_total Total relayed messages accepted from federation peers.\n")
	fmt.Fprintf(w, "# TYPE annex_messages_relayed_total counter\n")
	fmt.Fprintf(w, "annex_messages_relayed_total %d\n\n", m.MessagesRelayed.Load())

	fmt.Fprintf(w, "# HELP annex_websocket_sessions_current Current WebSocket sessions.\n")
	fmt.Fprintf(w, "# TYPE annex_websocket_sessions_current gauge\n")
	fmt.Fprintf(w, "annex_websocket_sessions_current %d\n\n", s.Manager.SessionCount())

	fmt.Fprintf(w, "# HELP annex_identities_total Total registered identity commitments.\n")
	fmt.Fprintf(w, "# TYPE annex_identities_total gauge\n")
	fmt.Fprintf(w, "annex_identities_total %d\n\n", identityCount)

	fmt.Fprintf(w, "# HELP annex_agents_active Active agent registrations.\n")
	fmt.Fprintf(w, "# TYPE annex_agents_active gauge\n")
	fmt.Fprintf(w, "annex_agents_active %d\n\n", agentCount)

	fmt.Fprintf(w, "# HELP annex_channels_total Total channels.\n")
	fmt.Fprintf(w, "# TYPE annex_channels_total gauge\n")
	fmt.Fprintf(w, "annex_channels_total %d\n\n", channelCount)

	fmt.Fprintf(w, "# HELP annex_messages_total Total messages stored.\n")
	fmt.Fprintf(w, "# TYPE annex_messages_total gauge\n")
	fmt.Fprintf(w, "annex_messages_total %d\n\n", messageCount)

	fmt.Fprintf(w, "# HELP annex_federation_peers_active Active federation agreements.\n")
	fmt.Fprintf(w, "# TYPE annex_federation_peers_active gauge\n")
	fmt.Fprintf(w, "annex_federation_peers_active %d\n\n", peerCount)

	fmt.Fprintf(w, "# HELP annex_event_log_seq Highest public event sequence number.\n")
	fmt.Fprintf(w, "# TYPE annex_event_log_seq gauge\n")
	fmt.Fprintf(w, "annex_event_log_seq %d\n\n", eventCount)

	fmt.Fprintf(w, "# HELP annex_goroutines Current number of goroutines.\n")
	fmt.Fprintf(w, "# TYPE annex_goroutines gauge\n")
	fmt.Fprintf(w, "annex_goroutines %d\n\n", runtime.NumGoroutine())

	fmt.Fprintf(w, "# HELP annex_memory_alloc_bytes Current memory allocation in bytes.\n")
	fmt.Fprintf(w, "# TYPE annex_memory_alloc_bytes gauge\n")
	fmt.Fprintf(w, "annex_memory_alloc_bytes %d\n\n", mem.Alloc)

	uptime := time.Since(m.StartTime).Seconds()
	fmt.Fprintf(w, "# HELP annex_uptime_seconds Time since server start.\n")
	fmt.Fprintf(w, "# TYPE annex_uptime_seconds gauge\n")
	fmt.Fprintf(w, "annex_uptime_seconds %f\n", uptime)
}
