// Package api implements the Annex REST API server using the chi router. It
// registers the registry, ZK verification, VRP, federation, channel, policy,
// and public-event route groups, provides middleware for logging, recovery,
// CORS, and request IDs, and maps domain errors onto the JSON error
// envelope.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/annex-server/annex/internal/agents"
	"github.com/annex-server/annex/internal/api/apiutil"
	"github.com/annex-server/annex/internal/auth"
	"github.com/annex-server/annex/internal/channels"
	"github.com/annex-server/annex/internal/config"
	"github.com/annex-server/annex/internal/connmgr"
	"github.com/annex-server/annex/internal/database"
	"github.com/annex-server/annex/internal/eventlog"
	"github.com/annex-server/annex/internal/federation"
	"github.com/annex-server/annex/internal/gateway"
	"github.com/annex-server/annex/internal/identity"
	"github.com/annex-server/annex/internal/policy"
	"github.com/annex-server/annex/internal/policyeval"
	"github.com/annex-server/annex/internal/rtx"
)

// Server is the HTTP API server for Annex. It holds the chi router, the
// database, every domain service, configuration, and logger.
type Server struct {
	Router     *chi.Mux
	DB         *database.DB
	Config     *config.Config
	Auth       *auth.Service
	Registry   *identity.Registry
	Verifier   *identity.Verifier
	Agents     *agents.Service
	Channels   *channels.Service
	Federation *federation.Service
	RTX        *rtx.Service
	Policies   *policy.Store
	PolicyEval *policyeval.Engine
	Events     *eventlog.Log
	Fanout     *eventlog.Fanout
	Manager    *connmgr.Manager
	Gateway    *gateway.Server
	ServerID   int64
	Version    string
	Logger     *slog.Logger
	server     *http.Server
}

// NewServer wires routes and middleware onto a fully-constructed Server
// value. All service fields must be set before calling.
func NewServer(s *Server) *Server {
	s.Router = chi.NewRouter()
	s.registerMiddleware()
	s.registerRoutes()
	return s
}

// registerMiddleware adds global middleware to the router.
func (s *Server) registerMiddleware() {
	s.Router.Use(middleware.RequestID)
	s.Router.Use(middleware.RealIP)
	s.Router.Use(slogMiddleware(s.Logger))
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(corsMiddleware(s.Config.HTTP.CORSOrigins))
	s.Router.Use(middleware.Compress(5))
	s.Router.Use(maxBodySize(1 << 20)) // 1MB body limit
}

// registerRoutes mounts all route groups on the router.
func (s *Server) registerRoutes() {
	s.Router.Get("/health", s.handleHealthCheck)
	s.Router.Get("/health/deep", s.handleDeepHealthCheck)
	s.Router.Get("/metrics", s.handleMetrics)

	// The WebSocket and SSE endpoints manage their own connection
	// lifecycles outside the JSON envelope.
	s.Router.Get("/ws", s.Gateway.Handler)
	s.Router.Get("/events/stream", s.handleEventStream)

	s.Router.Route("/api", func(r chi.Router) {
		r.Route("/registry", func(r chi.Router) {
			r.Post("/register", s.handleRegisterIdentity)
			r.Get("/path/{commitmentHex}", s.handleRegistryPath)
			r.Get("/current-root", s.handleCurrentRoot)
			r.Get("/topics", s.handleListTopics)
			r.Get("/roles", s.handleListRoles)
		})

		r.Post("/zk/verify-membership", s.handleVerifyMembership)

		r.Post("/vrp/agent-handshake", s.handleAgentHandshake)
		r.Get("/agents/{pseudonymID}", s.handleAgentProfile)

		r.Route("/federation", func(r chi.Router) {
			r.Post("/handshake", s.handleFederationHandshake)
			r.Get("/vrp-root", s.handleVRPRoot)
			r.Post("/attest-membership", s.handleAttestMembership)
			r.Get("/channels", s.handleFederatedChannels)
			r.Post("/channels/{channelID}/join", s.handleFederatedChannelJoin)
			r.Post("/messages", s.handleFederatedMessage)
			r.Post("/rtx", s.handleFederatedRTX)
			r.Post("/instances", s.handleRegisterInstance)
		})

		// Channel and policy surfaces require a verified pseudonym.
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireIdentity(s.Auth))
			r.Route("/channels", func(r chi.Router) {
				r.Post("/", s.handleCreateChannel)
				r.Get("/", s.handleListChannels)
				r.Post("/{channelID}/join", s.handleJoinChannel)
				r.Post("/{channelID}/leave", s.handleLeaveChannel)
				r.Get("/{channelID}/messages", s.handleChannelHistory)
			})
			r.Route("/rtx", func(r chi.Router) {
				r.Post("/publish", s.handleRTXPublish)
				r.Post("/subscribe", s.handleRTXSubscribe)
				r.Delete("/subscribe", s.handleRTXUnsubscribe)
				r.Get("/subscriptions", s.handleRTXGetSubscription)
			})
			r.Get("/policy", s.handleGetPolicy)
			r.Put("/policy", s.handleUpdatePolicy)
		})

		r.Route("/public", func(r chi.Router) {
			r.Get("/events", s.handleQueryEvents)
			r.Get("/server/summary", s.handleServerSummary)
			r.Get("/federation/peers", s.handleFederationPeers)
			r.Get("/agents", s.handlePublicAgents)
		})
	})
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.Config.HTTP.Listen,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.Logger.Info("HTTP server listening", slog.String("addr", s.Config.HTTP.Listen))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// slogMiddleware returns a chi middleware that logs HTTP requests using slog.
func slogMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)
			GlobalMetrics.HTTPRequestsTotal.Add(1)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote", r.RemoteAddr),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			}
			if pseudonym := auth.PseudonymFromContext(r.Context()); pseudonym != "" {
				attrs = append(attrs, slog.String("pseudonym", pseudonym))
			}
			logger.LogAttrs(r.Context(), slog.LevelInfo, "http request", attrs...)
		})
	}
}

// maxBodySize limits the request body to the given number of bytes.
func maxBodySize(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware returns a chi middleware that sets CORS headers for the
// given allowed origins.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed := false
			for _, o := range origins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID, "+auth.PseudonymHeader)
				isWildcard := len(origins) == 1 && origins[0] == "*"
				if !isWildcard {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// handleHealthCheck responds with the health status of the server and its
// dependencies.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "version": s.Version}

	if err := s.DB.HealthCheck(r.Context()); err != nil {
		status["status"] = "degraded"
		status["database"] = "unhealthy"
	} else {
		status["database"] = "healthy"
	}

	if s.Fanout != nil {
		if err := s.Fanout.HealthCheck(); err != nil {
			status["status"] = "degraded"
			status["nats"] = "unhealthy"
		} else {
			status["nats"] = "healthy"
		}
	}

	httpStatus := http.StatusOK
	if status["status"] != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}

	apiutil.WriteJSON(w, httpStatus, status)
}

// writeDomainError maps a domain error from any service onto the HTTP error
// envelope. Signature failures surface as plain authentication failures
// without revealing which verification step failed.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidCommitmentFormat),
		errors.Is(err, identity.ErrInvalidRoleCode),
		errors.Is(err, identity.ErrEmptyCommitment),
		errors.Is(err, identity.ErrEmptyTopic),
		errors.Is(err, identity.ErrEmptyNullifier),
		errors.Is(err, identity.ErrInvalidNullifierFormat),
		errors.Is(err, identity.ErrPublicSignalMismatch),
		errors.Is(err, identity.ErrUnknownTopic):
		apiutil.WriteError(w, http.StatusBadRequest, "validation_failed", err.Error())

	case errors.Is(err, identity.ErrStaleRoot):
		apiutil.WriteError(w, http.StatusBadRequest, "stale_root",
			"Proof root does not match the active Merkle root")

	case errors.Is(err, identity.ErrInvalidProof):
		apiutil.WriteError(w, http.StatusUnauthorized, "invalid_proof", "Proof verification failed")

	case errors.Is(err, federation.ErrInvalidSignature):
		apiutil.WriteError(w, http.StatusUnauthorized, "authentication_failed", "Request authentication failed")

	case errors.Is(err, identity.ErrDuplicateCommitment):
		apiutil.WriteError(w, http.StatusConflict, "duplicate_commitment", "Commitment already registered")

	case errors.Is(err, identity.ErrNullifierReused):
		apiutil.WriteError(w, http.StatusConflict, "nullifier_reused",
			"A proof for this commitment and topic was already consumed")

	case errors.Is(err, rtx.ErrDuplicateBundle):
		apiutil.WriteError(w, http.StatusConflict, "duplicate_bundle", "Bundle already published")

	case errors.Is(err, rtx.ErrScopeForbidsTransfer),
		errors.Is(err, rtx.ErrInvalidBundle),
		errors.Is(err, rtx.ErrWrongServer):
		apiutil.WriteError(w, http.StatusBadRequest, "validation_failed", err.Error())

	case errors.Is(err, identity.ErrCommitmentNotFound),
		errors.Is(err, channels.ErrChannelNotFound),
		errors.Is(err, channels.ErrMessageNotFound),
		errors.Is(err, federation.ErrUnknownRemote),
		errors.Is(err, agents.ErrAgentNotFound),
		errors.Is(err, rtx.ErrNoSubscription):
		apiutil.WriteError(w, http.StatusNotFound, "not_found", err.Error())

	case errors.Is(err, channels.ErrNotMember),
		errors.Is(err, channels.ErrNotSender),
		errors.Is(err, channels.ErrMissingCapability),
		errors.Is(err, channels.ErrAlignmentTooLow),
		errors.Is(err, channels.ErrAgentNotAligned),
		errors.Is(err, federation.ErrInstanceInactive),
		errors.Is(err, federation.ErrNotAttested),
		errors.Is(err, federation.ErrChannelLocal),
		errors.Is(err, federation.ErrNotMember),
		errors.Is(err, federation.ErrNoActiveAgreement),
		errors.Is(err, rtx.ErrNoRegistration),
		errors.Is(err, rtx.ErrScopeInsufficient),
		errors.Is(err, rtx.ErrSourceMismatch),
		errors.Is(err, rtx.ErrTopicRedacted):
		apiutil.WriteError(w, http.StatusForbidden, "forbidden", err.Error())

	case errors.Is(err, federation.ErrRemoteFetch):
		apiutil.WriteError(w, http.StatusBadGateway, "remote_unreachable", err.Error())

	default:
		s.Logger.Error("internal error", slog.String("error", err.Error()))
		apiutil.WriteError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

// trimBase normalizes a caller-supplied base URL field.
func trimBase(u string) string { return strings.TrimRight(strings.TrimSpace(u), "/") }
