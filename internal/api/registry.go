package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/annex-server/annex/internal/api/apiutil"
	"github.com/annex-server/annex/internal/eventlog"
	"github.com/annex-server/annex/internal/identity"
	"github.com/annex-server/annex/internal/models"
)

// registerIdentityRequest is the POST /api/registry/register body.
type registerIdentityRequest struct {
	CommitmentHex string `json:"commitment_hex"`
	RoleCode      uint8  `json:"role_code"`
	NodeID        int64  `json:"node_id"`
}

// registerIdentityResponse returns the assigned leaf and the Merkle path
// the holder needs to build membership proofs.
type registerIdentityResponse struct {
	IdentityID   int64    `json:"identity_id"`
	LeafIndex    uint64   `json:"leaf_index"`
	RootHex      string   `json:"root_hex"`
	PathElements []string `json:"path_elements"`
	PathIndices  []uint8  `json:"path_indices"`
}

// handleRegisterIdentity handles POST /api/registry/register.
func (s *Server) handleRegisterIdentity(w http.ResponseWriter, r *http.Request) {
	var req registerIdentityRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if !apiutil.RequireNonEmpty(w, "commitment_hex", req.CommitmentHex) {
		return
	}

	result, err := s.Registry.Register(r.Context(), req.CommitmentHex, identity.RoleCode(req.RoleCode), req.NodeID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	commitmentHex := strings.ToLower(req.CommitmentHex)
	ev := s.Events.EmitLogged(r.Context(), s.DB.Pool, commitmentHex, eventlog.IdentityRegistered{
		CommitmentHex: commitmentHex,
		RoleCode:      req.RoleCode,
	})
	s.Events.Broadcast(ev)

	apiutil.WriteJSONRaw(w, http.StatusCreated, registerIdentityResponse{
		IdentityID:   result.IdentityID,
		LeafIndex:    result.LeafIndex,
		RootHex:      result.RootHex,
		PathElements: result.PathElements,
		PathIndices:  result.PathIndices,
	})
}

// handleRegistryPath handles GET /api/registry/path/{commitmentHex}.
func (s *Server) handleRegistryPath(w http.ResponseWriter, r *http.Request) {
	commitmentHex := chi.URLParam(r, "commitmentHex")

	leafIndex, rootHex, pathElements, pathIndices, err := s.Registry.PathForCommitment(r.Context(), commitmentHex)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	apiutil.WriteJSONRaw(w, http.StatusOK, map[string]any{
		"leaf_index":    leafIndex,
		"root_hex":      rootHex,
		"path_elements": pathElements,
		"path_indices":  pathIndices,
	})
}

// handleCurrentRoot handles GET /api/registry/current-root.
func (s *Server) handleCurrentRoot(w http.ResponseWriter, r *http.Request) {
	apiutil.WriteJSONRaw(w, http.StatusOK, map[string]any{
		"root_hex": s.Registry.ActiveRootHex(),
	})
}

// handleListTopics handles GET /api/registry/topics.
func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := s.Registry.Topics(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	type topicEntry struct {
		Topic       string `json:"topic"`
		Description string `json:"description"`
	}
	out := make([]topicEntry, 0, len(topics))
	for _, t := range topics {
		out = append(out, topicEntry{Topic: t.Topic, Description: t.Description})
	}
	apiutil.WriteJSONRaw(w, http.StatusOK, map[string]any{"topics": out})
}

// handleListRoles handles GET /api/registry/roles.
func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.Registry.Roles(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	type roleEntry struct {
		RoleCode uint8  `json:"role_code"`
		Label    string `json:"label"`
	}
	out := make([]roleEntry, 0, len(roles))
	for _, role := range roles {
		out = append(out, roleEntry{RoleCode: uint8(role.RoleCode), Label: role.Label})
	}
	apiutil.WriteJSONRaw(w, http.StatusOK, map[string]any{"roles": out})
}

// verifyMembershipRequest is the POST /api/zk/verify-membership body.
// Public signals are big-integer decimal strings ordered [root, commitment].
type verifyMembershipRequest struct {
	RootHex         string          `json:"root_hex"`
	CommitmentHex   string          `json:"commitment_hex"`
	Topic           string          `json:"topic"`
	ParticipantType string          `json:"participant_type"`
	Proof           json.RawMessage `json:"proof"`
	PublicSignals   []string        `json:"public_signals"`
}

// handleVerifyMembership handles POST /api/zk/verify-membership.
func (s *Server) handleVerifyMembership(w http.ResponseWriter, r *http.Request) {
	var req verifyMembershipRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if !apiutil.RequireNonEmpty(w, "root_hex", req.RootHex) ||
		!apiutil.RequireNonEmpty(w, "commitment_hex", req.CommitmentHex) ||
		!apiutil.RequireNonEmpty(w, "topic", req.Topic) {
		return
	}

	result, err := s.Verifier.VerifyMembership(r.Context(), identity.VerifyRequest{
		RootHex:         req.RootHex,
		CommitmentHex:   req.CommitmentHex,
		Topic:           req.Topic,
		ParticipantType: req.ParticipantType,
		ProofJSON:       req.Proof,
		PublicSignals:   req.PublicSignals,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	verifiedCommitment := strings.ToLower(req.CommitmentHex)
	verified := s.Events.EmitLogged(r.Context(), s.DB.Pool, verifiedCommitment, eventlog.IdentityVerified{
		CommitmentHex: verifiedCommitment,
		Topic:         req.Topic,
	})
	derived := s.Events.EmitLogged(r.Context(), s.DB.Pool, result.PseudonymID, eventlog.PseudonymDerived{
		PseudonymID: result.PseudonymID,
		Topic:       req.Topic,
	})
	GlobalMetrics.ProofsVerified.Add(1)
	s.Events.Broadcast(verified, derived)
	if result.NodeAdded {
		nodeEv := s.Events.EmitLogged(r.Context(), s.DB.Pool, result.PseudonymID, eventlog.NodeAdded{
			PseudonymID: result.PseudonymID,
			NodeType:    string(models.NodeTypeFromParticipant(req.ParticipantType)),
		})
		s.Events.Broadcast(nodeEv)
	}

	apiutil.WriteJSONRaw(w, http.StatusOK, map[string]any{
		"verified":     true,
		"pseudonym_id": result.PseudonymID,
		"topic":        req.Topic,
	})
}
