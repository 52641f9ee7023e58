package api

import (
	"net/http"

	"github.com/annex-server/annex/internal/api/apiutil"
	"github.com/annex-server/annex/internal/auth"
	"github.com/annex-server/annex/internal/rtx"
)

// handleRTXPublish handles POST /api/rtx/publish: an authenticated agent
// publishes a reflection summary bundle, which is scope-checked, stored,
// delivered to matching local subscribers, and relayed to eligible peers.
func (s *Server) handleRTXPublish(w http.ResponseWriter, r *http.Request) {
	var bundle rtx.ReflectionSummaryBundle
	if !apiutil.DecodeJSON(w, r, &bundle) {
		return
	}

	result, err := s.RTX.Publish(r.Context(), auth.PseudonymFromContext(r.Context()), bundle)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	apiutil.WriteJSONRaw(w, http.StatusOK, map[string]any{
		"ok":           true,
		"bundleId":     result.BundleID,
		"delivered_to": result.DeliveredTo,
	})
}

// rtxSubscribeRequest is the POST /api/rtx/subscribe body.
type rtxSubscribeRequest struct {
	DomainFilters   []string `json:"domain_filters"`
	AcceptFederated bool     `json:"accept_federated"`
}

// handleRTXSubscribe handles POST /api/rtx/subscribe.
func (s *Server) handleRTXSubscribe(w http.ResponseWriter, r *http.Request) {
	var req rtxSubscribeRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	sub, err := s.RTX.Subscribe(r.Context(), auth.PseudonymFromContext(r.Context()),
		req.DomainFilters, req.AcceptFederated)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	apiutil.WriteJSONRaw(w, http.StatusOK, map[string]any{
		"ok":           true,
		"subscription": sub,
	})
}

// handleRTXUnsubscribe handles DELETE /api/rtx/subscribe.
func (s *Server) handleRTXUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.RTX.Unsubscribe(r.Context(), auth.PseudonymFromContext(r.Context())); err != nil {
		s.writeDomainError(w, err)
		return
	}
	apiutil.WriteJSONRaw(w, http.StatusOK, map[string]any{"ok": true})
}

// handleRTXGetSubscription handles GET /api/rtx/subscriptions.
func (s *Server) handleRTXGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.RTX.GetSubscription(r.Context(), auth.PseudonymFromContext(r.Context()))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	body := map[string]any{"ok": true}
	if sub != nil {
		body["subscription"] = sub
	}
	apiutil.WriteJSONRaw(w, http.StatusOK, body)
}

// handleFederatedRTX handles POST /api/federation/rtx: the inbound half of
// cross-server bundle relay. Replays return success without redelivery.
func (s *Server) handleFederatedRTX(w http.ResponseWriter, r *http.Request) {
	var env rtx.FederatedEnvelope
	if !apiutil.DecodeJSON(w, r, &env) {
		return
	}
	if !apiutil.RequireNonEmpty(w, "relaying_server", env.RelayingServer) ||
		!apiutil.RequireNonEmpty(w, "signature", env.Signature) {
		return
	}

	delivered, err := s.RTX.ReceiveFederated(r.Context(), env)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	apiutil.WriteJSONRaw(w, http.StatusOK, map[string]any{
		"ok":           true,
		"delivered_to": delivered,
	})
}
