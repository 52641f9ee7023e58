package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/annex-server/annex/internal/api/apiutil"
	"github.com/annex-server/annex/internal/eventlog"
	"github.com/annex-server/annex/internal/policy"
	"github.com/annex-server/annex/internal/policyeval"
)

// handleQueryEvents handles GET /api/public/events with domain, event_type,
// entity_type, entity_id, since, and limit filters.
func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := eventlog.Filter{
		Domain:     q.Get("domain"),
		EventType:  q.Get("event_type"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
	}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			apiutil.WriteError(w, http.StatusBadRequest, "invalid_body", "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			apiutil.WriteError(w, http.StatusBadRequest, "invalid_body", "limit must be an integer")
			return
		}
		filter.Limit = n
	}

	events, err := s.Events.Query(r.Context(), s.DB.Pool, filter)
	if err != nil {
		if _, parseErr := eventlog.ParseDomain(filter.Domain); filter.Domain != "" && parseErr != nil {
			apiutil.WriteError(w, http.StatusBadRequest, "invalid_body", parseErr.Error())
			return
		}
		s.writeDomainError(w, err)
		return
	}

	apiutil.WriteJSONRaw(w, http.StatusOK, map[string]any{"events": events})
}

// handleEventStream handles GET /events/stream as Server-Sent Events. A
// subscriber that falls behind receives a lagged sentinel naming the number
// of missed events; it closes the gap via the query endpoint.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		apiutil.WriteError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	sub, err := s.Fanout.Subscribe(r.URL.Query().Get("domain"))
	if err != nil {
		apiutil.WriteError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case frame, ok := <-sub.C():
			if !ok {
				return
			}
			if frame.Type == "lagged" {
				fmt.Fprintf(w, "event: lagged\ndata: {\"type\":\"lagged\",\"missed_events\":%d}\n\n", frame.MissedEvents)
				flusher.Flush()
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Event.EventType, frame.Event.PayloadJSON)
			flusher.Flush()
		}
	}
}

// handleServerSummary handles GET /api/public/server/summary.
func (s *Server) handleServerSummary(w http.ResponseWriter, r *http.Request) {
	summary := map[string]any{
		"name":       s.Config.Instance.Name,
		"public_url": s.Config.Instance.PublicURL,
		"version":    s.Version,
		"root_hex":   s.Registry.ActiveRootHex(),
		"leaf_count": s.Registry.LeafCount(),
	}

	counts := map[string]string{
		"identities":       `SELECT COUNT(*) FROM vrp_identities`,
		"active_agents":    `SELECT COUNT(*) FROM agent_registrations WHERE server_id = $1 AND active`,
		"channels":         `SELECT COUNT(*) FROM channels WHERE server_id = $1`,
		"active_peers":     `SELECT COUNT(*) FROM federation_agreements WHERE local_server_id = $1 AND active`,
		"active_presences": `SELECT COUNT(*) FROM graph_nodes WHERE server_id = $1 AND active`,
	}
	for key, sql := range counts {
		var n int64
		if key == "identities" {
			s.DB.Pool.QueryRow(r.Context(), sql).Scan(&n)
		} else {
			s.DB.Pool.QueryRow(r.Context(), sql, s.ServerID).Scan(&n)
		}
		summary[key] = n
	}

	apiutil.WriteJSONRaw(w, http.StatusOK, summary)
}

// handleFederationPeers handles GET /api/public/federation/peers.
func (s *Server) handleFederationPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.Federation.ListPeers(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	apiutil.WriteJSONRaw(w, http.StatusOK, map[string]any{"peers": peers})
}

// handlePublicAgents handles GET /api/public/agents.
func (s *Server) handlePublicAgents(w http.ResponseWriter, r *http.Request) {
	list, err := s.Agents.ListActive(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	apiutil.WriteJSONRaw(w, http.StatusOK, map[string]any{"agents": list})
}

// handleGetPolicy handles GET /api/policy.
func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	pol, version := s.Policies.Get()
	apiutil.WriteJSONRaw(w, http.StatusOK, map[string]any{
		"policy":  pol,
		"version": version,
	})
}

// handleUpdatePolicy handles PUT /api/policy. The new policy is persisted
// with a bumped version, then every live trust relationship is re-scored in
// a background task; the response does not wait for re-evaluation.
func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var next policy.ServerPolicy
	if !apiutil.DecodeJSON(w, r, &next) {
		return
	}
	if next.AgentMinAlignmentScore < 0 || next.AgentMinAlignmentScore > 1 {
		apiutil.WriteError(w, http.StatusBadRequest, "invalid_body",
			"agent_min_alignment_score must be within [0, 1]")
		return
	}

	version, err := s.Policies.Update(r.Context(), next)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	go s.runPolicyReevaluation(s.PolicyEval)

	apiutil.WriteJSONRaw(w, http.StatusOK, map[string]any{
		"status":  "updated",
		"version": version,
	})
}

// runPolicyReevaluation drives the re-evaluation engine off the request
// path; failures are logged, not surfaced.
func (s *Server) runPolicyReevaluation(engine *policyeval.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := engine.Run(ctx); err != nil {
		s.Logger.Error("policy re-evaluation failed", "error", err.Error())
	}
}
