package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/annex-server/annex/internal/api/apiutil"
	"github.com/annex-server/annex/internal/auth"
	"github.com/annex-server/annex/internal/channels"
	"github.com/annex-server/annex/internal/models"
)

// createChannelRequest is the POST /api/channels body.
type createChannelRequest struct {
	ChannelID            string   `json:"channel_id"`
	Name                 string   `json:"name"`
	ChannelType          string   `json:"channel_type"`
	FederationScope      string   `json:"federation_scope"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	AgentMinAlignment    *string  `json:"agent_min_alignment,omitempty"`
	RetentionDays        *int     `json:"retention_days,omitempty"`
	Topic                *string  `json:"topic,omitempty"`
}

// handleCreateChannel handles POST /api/channels.
func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req createChannelRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if !apiutil.RequireNonEmpty(w, "channel_id", req.ChannelID) ||
		!apiutil.RequireNonEmpty(w, "name", req.Name) {
		return
	}
	if !apiutil.ValidateStringLength(w, "name", req.Name, 1, 128) {
		return
	}
	if !apiutil.ValidateEnum(w, "channel_type", req.ChannelType,
		[]string{"TEXT", "VOICE", "HYBRID", "AGENT", "BROADCAST"}) {
		return
	}
	scope := req.FederationScope
	if scope == "" {
		scope = string(models.ScopeLocal)
	}
	if !apiutil.ValidateEnum(w, "federation_scope", scope, []string{"LOCAL", "FEDERATED"}) {
		return
	}

	ch, err := s.Channels.Create(r.Context(), channels.CreateParams{
		ChannelID:            req.ChannelID,
		Name:                 req.Name,
		Type:                 models.ChannelType(req.ChannelType),
		FederationScope:      models.FederationScope(scope),
		RequiredCapabilities: req.RequiredCapabilities,
		AgentMinAlignment:    req.AgentMinAlignment,
		RetentionDays:        req.RetentionDays,
		Topic:                req.Topic,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	apiutil.WriteJSONRaw(w, http.StatusCreated, ch)
}

// handleListChannels handles GET /api/channels.
func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	list, err := s.Channels.List(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	apiutil.WriteJSONRaw(w, http.StatusOK, map[string]any{"channels": list})
}

// handleJoinChannel handles POST /api/channels/{channelID}/join, enforcing
// the channel's capability and agent-alignment gates.
func (s *Server) handleJoinChannel(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	ident := auth.IdentityFromContext(r.Context())

	ch, err := s.Channels.Get(r.Context(), s.DB.Pool, channelID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	if err := s.Channels.CheckJoinAccess(r.Context(), ch, ident); err != nil {
		s.writeDomainError(w, err)
		return
	}

	if err := s.Channels.AddMember(r.Context(), s.DB.Pool, channelID, ident.PseudonymID); err != nil {
		s.writeDomainError(w, err)
		return
	}

	apiutil.WriteJSONRaw(w, http.StatusOK, map[string]string{"status": "joined"})
}

// handleLeaveChannel handles POST /api/channels/{channelID}/leave. The live
// subscription is dropped along with the membership row.
func (s *Server) handleLeaveChannel(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	pseudonym := auth.PseudonymFromContext(r.Context())

	if err := s.Channels.RemoveMember(r.Context(), channelID, pseudonym); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.Manager.Unsubscribe(channelID, pseudonym)

	apiutil.WriteJSONRaw(w, http.StatusOK, map[string]string{"status": "left"})
}

// handleChannelHistory handles GET /api/channels/{channelID}/messages,
// member-gated, ascending by creation time with optional before cursor.
func (s *Server) handleChannelHistory(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	pseudonym := auth.PseudonymFromContext(r.Context())

	member, err := s.Channels.IsMember(r.Context(), s.DB.Pool, channelID, pseudonym)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if !member {
		s.writeDomainError(w, channels.ErrNotMember)
		return
	}

	var before *time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			apiutil.WriteError(w, http.StatusBadRequest, "invalid_body", "before must be an RFC 3339 timestamp")
			return
		}
		before = &t
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	history, err := s.Channels.History(r.Context(), channelID, before, limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	apiutil.WriteJSONRaw(w, http.StatusOK, map[string]any{"messages": history})
}
