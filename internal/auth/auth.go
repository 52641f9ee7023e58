// Package auth authenticates requests by pseudonym: a caller presents the
// X-Annex-Pseudonym header naming a pseudonym that previously passed a
// membership verification, and the middleware checks that the platform
// identity exists and is active before admitting the request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/annex-server/annex/internal/models"
)

// PseudonymHeader carries the caller's verified pseudonym.
const PseudonymHeader = "X-Annex-Pseudonym"

// AuthError is a structured authentication failure mapped directly to an
// HTTP response.
type AuthError struct {
	Status  int
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s: %s", e.Code, e.Message)
}

// Service resolves pseudonyms to platform identities.
type Service struct {
	pool     *pgxpool.Pool
	serverID int64
	logger   *slog.Logger
}

// NewService constructs an auth service for one server.
func NewService(pool *pgxpool.Pool, serverID int64, logger *slog.Logger) *Service {
	return &Service{pool: pool, serverID: serverID, logger: logger}
}

// ResolveIdentity loads the platform identity for a pseudonym. An unknown
// pseudonym is a 401; a known-but-deactivated one is a 403 so the caller
// can distinguish "prove membership first" from "your access was revoked".
func (s *Service) ResolveIdentity(ctx context.Context, pseudonymID string) (*models.PlatformIdentity, error) {
	var ident models.PlatformIdentity
	var capabilityBits int
	err := s.pool.QueryRow(ctx,
		`SELECT id, server_id, pseudonym_id, participant_type, capability_bits, active, created_at
		 FROM platform_identities
		 WHERE server_id = $1 AND pseudonym_id = $2`,
		s.serverID, pseudonymID,
	).Scan(&ident.ID, &ident.ServerID, &ident.PseudonymID, &ident.ParticipantType,
		&capabilityBits, &ident.Active, &ident.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &AuthError{
			Status:  http.StatusUnauthorized,
			Code:    "unknown_pseudonym",
			Message: "Pseudonym has not completed membership verification",
		}
	}
	if err != nil {
		return nil, fmt.Errorf("auth: resolving identity: %w", err)
	}

	ident.Capabilities = models.CapabilitiesFromBits(capabilityBits)

	if !ident.Active {
		return nil, &AuthError{
			Status:  http.StatusForbidden,
			Code:    "identity_inactive",
			Message: "Platform identity is not active",
		}
	}

	return &ident, nil
}
