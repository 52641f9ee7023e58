package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/annex-server/annex/internal/api/apiutil"
	"github.com/annex-server/annex/internal/federation"
	"github.com/annex-server/annex/internal/gateway"
	"github.com/annex-server/annex/internal/vrp"
)

// federationHandshakeRequest is the POST /api/federation/handshake body:
// the originating base URL plus the VRP handshake payload.
type federationHandshakeRequest struct {
	BaseURL            string                 `json:"base_url"`
	AnchorSnapshot     vrp.AnchorSnapshot     `json:"anchor_snapshot"`
	CapabilityContract vrp.CapabilityContract `json:"capability_contract"`
}

// handleFederationHandshake handles POST /api/federation/handshake. A
// Conflict verdict still returns 200 with the report.
func (s *Server) handleFederationHandshake(w http.ResponseWriter, r *http.Request) {
	var req federationHandshakeRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if !apiutil.RequireNonEmpty(w, "base_url", req.BaseURL) {
		return
	}

	report, err := s.Federation.HandshakeInbound(r.Context(), trimBase(req.BaseURL), vrp.FederationHandshake{
		AnchorSnapshot:     req.AnchorSnapshot,
		CapabilityContract: req.CapabilityContract,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	GlobalMetrics.HandshakesTotal.Add(1)

	apiutil.WriteJSONRaw(w, http.StatusOK, report)
}

// handleVRPRoot handles GET /api/federation/vrp-root, advertising the
// current Merkle root so peers can attest identities against it.
func (s *Server) handleVRPRoot(w http.ResponseWriter, r *http.Request) {
	apiutil.WriteJSONRaw(w, http.StatusOK, map[string]any{
		"root_hex":   s.Registry.ActiveRootHex(),
		"leaf_count": s.Registry.LeafCount(),
	})
}

// handleAttestMembership handles POST /api/federation/attest-membership.
func (s *Server) handleAttestMembership(w http.ResponseWriter, r *http.Request) {
	var req federation.AttestationRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if !apiutil.RequireNonEmpty(w, "originating_server", req.OriginatingServer) ||
		!apiutil.RequireNonEmpty(w, "topic", req.Topic) ||
		!apiutil.RequireNonEmpty(w, "commitment", req.Commitment) ||
		!apiutil.RequireNonEmpty(w, "signature", req.Signature) {
		return
	}

	pseudonymID, err := s.Federation.AttestMembership(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	apiutil.WriteJSONRaw(w, http.StatusOK, map[string]any{
		"ok":          true,
		"pseudonymId": pseudonymID,
	})
}

// handleFederatedChannels handles GET /api/federation/channels.
func (s *Server) handleFederatedChannels(w http.ResponseWriter, r *http.Request) {
	list, err := s.Channels.ListFederated(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	apiutil.WriteJSONRaw(w, http.StatusOK, map[string]any{"channels": list})
}

// handleFederatedChannelJoin handles POST /api/federation/channels/{channelID}/join.
func (s *Server) handleFederatedChannelJoin(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")

	var req federation.JoinRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if !apiutil.RequireNonEmpty(w, "originating_server", req.OriginatingServer) ||
		!apiutil.RequireNonEmpty(w, "pseudonym_id", req.PseudonymID) ||
		!apiutil.RequireNonEmpty(w, "signature", req.Signature) {
		return
	}

	if err := s.Federation.JoinFederatedChannel(r.Context(), channelID, req); err != nil {
		s.writeDomainError(w, err)
		return
	}

	apiutil.WriteJSONRaw(w, http.StatusOK, map[string]string{"status": "joined"})
}

// handleFederatedMessage handles POST /api/federation/messages: the inbound
// half of message relay. Replays return success without rebroadcast.
func (s *Server) handleFederatedMessage(w http.ResponseWriter, r *http.Request) {
	var env federation.Envelope
	if !apiutil.DecodeJSON(w, r, &env) {
		return
	}
	if !apiutil.RequireNonEmpty(w, "message_id", env.MessageID) ||
		!apiutil.RequireNonEmpty(w, "channel_id", env.ChannelID) ||
		!apiutil.RequireNonEmpty(w, "originating_server", env.OriginatingServer) ||
		!apiutil.RequireNonEmpty(w, "signature", env.Signature) {
		return
	}

	msg, err := s.Federation.ReceiveMessage(r.Context(), env)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	if msg != nil {
		GlobalMetrics.MessagesRelayed.Add(1)
		frame, err := gateway.MarshalFrame("message", msg)
		if err == nil {
			s.Manager.Broadcast(msg.ChannelID, frame)
		}
	}

	apiutil.WriteJSONRaw(w, http.StatusOK, map[string]string{"status": "received"})
}

// registerInstanceRequest is the POST /api/federation/instances body, used
// by operators to pin a peer's key before the first handshake.
type registerInstanceRequest struct {
	BaseURL   string  `json:"base_url"`
	PublicKey string  `json:"public_key"`
	Label     *string `json:"label,omitempty"`
	Status    string  `json:"status,omitempty"`
}

// handleRegisterInstance handles POST /api/federation/instances.
func (s *Server) handleRegisterInstance(w http.ResponseWriter, r *http.Request) {
	var req registerInstanceRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if !apiutil.RequireNonEmpty(w, "base_url", req.BaseURL) ||
		!apiutil.RequireNonEmpty(w, "public_key", req.PublicKey) {
		return
	}
	if req.Status != "" &&
		!apiutil.ValidateEnum(w, "status", req.Status, []string{"ACTIVE", "PENDING", "SUSPENDED"}) {
		return
	}

	inst, err := s.Federation.RegisterInstance(r.Context(), trimBase(req.BaseURL), req.PublicKey, req.Label, req.Status)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	apiutil.WriteJSONRaw(w, http.StatusCreated, inst)
}
