package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/annex-server/annex/internal/api/apiutil"
	"github.com/annex-server/annex/internal/vrp"
)

// agentHandshakeRequest is the POST /api/vrp/agent-handshake body.
type agentHandshakeRequest struct {
	PseudonymID string                  `json:"pseudonymId"`
	Handshake   vrp.FederationHandshake `json:"handshake"`
}

// handleAgentHandshake handles POST /api/vrp/agent-handshake. A rejected
// handshake is a 200 whose report carries CONFLICT so the agent can inspect
// the negotiation notes; only structural failures are transport errors.
func (s *Server) handleAgentHandshake(w http.ResponseWriter, r *http.Request) {
	var req agentHandshakeRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if !apiutil.RequireNonEmpty(w, "pseudonymId", req.PseudonymID) {
		return
	}

	report, err := s.Agents.Handshake(r.Context(), req.PseudonymID, req.Handshake)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	GlobalMetrics.HandshakesTotal.Add(1)

	apiutil.WriteJSONRaw(w, http.StatusOK, report)
}

// handleAgentProfile handles GET /api/agents/{pseudonymID}.
func (s *Server) handleAgentProfile(w http.ResponseWriter, r *http.Request) {
	pseudonymID := chi.URLParam(r, "pseudonymID")

	profile, err := s.Agents.Profile(r.Context(), pseudonymID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	apiutil.WriteJSONRaw(w, http.StatusOK, profile)
}
