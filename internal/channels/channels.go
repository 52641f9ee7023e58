// Package channels owns channel lifecycle, membership, and messages: local
// and federated channels, per-channel access rules (required capabilities,
// agent minimum alignment), idempotent joins, and message create/edit/delete
// with history.
package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/annex-server/annex/internal/models"
	"github.com/annex-server/annex/internal/vrp"
)

// Sentinel errors returned by Service methods.
var (
	ErrChannelNotFound   = errors.New("channels: channel not found")
	ErrMessageNotFound   = errors.New("channels: message not found")
	ErrNotMember         = errors.New("channels: not a channel member")
	ErrNotSender         = errors.New("channels: not the message sender")
	ErrMissingCapability = errors.New("channels: missing required capability")
	ErrAlignmentTooLow   = errors.New("channels: agent alignment below channel minimum")
	ErrAgentNotAligned   = errors.New("channels: agent has no active registration")
)

// Service wraps the channel tables. Mutations that need post-commit
// broadcast return the inserted row so the caller can fan it out.
type Service struct {
	pool     *pgxpool.Pool
	serverID int64
	logger   *slog.Logger
}

// NewService constructs a channel service for one server.
func NewService(pool *pgxpool.Pool, serverID int64, logger *slog.Logger) *Service {
	return &Service{pool: pool, serverID: serverID, logger: logger}
}

// CreateParams are the caller-supplied fields for a new channel.
type CreateParams struct {
	ChannelID            string
	Name                 string
	Type                 models.ChannelType
	FederationScope      models.FederationScope
	RequiredCapabilities []string
	AgentMinAlignment    *string
	RetentionDays        *int
	Topic                *string
}

// Create inserts a channel row.
func (s *Service) Create(ctx context.Context, p CreateParams) (*models.Channel, error) {
	if !p.Type.IsValid() {
		return nil, fmt.Errorf("channels: invalid channel type %q", p.Type)
	}
	if !p.FederationScope.IsValid() {
		return nil, fmt.Errorf("channels: invalid federation scope %q", p.FederationScope)
	}
	if p.RequiredCapabilities == nil {
		p.RequiredCapabilities = []string{}
	}

	ch := &models.Channel{
		ServerID:             s.serverID,
		ChannelID:            p.ChannelID,
		Name:                 p.Name,
		Type:                 p.Type,
		FederationScope:      p.FederationScope,
		RequiredCapabilities: p.RequiredCapabilities,
		AgentMinAlignment:    p.AgentMinAlignment,
		RetentionDays:        p.RetentionDays,
		Topic:                p.Topic,
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO channels
		   (server_id, channel_id, name, channel_type, federation_scope,
		    required_capabilities, agent_min_alignment, retention_days, topic)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at`,
		s.serverID, p.ChannelID, p.Name, string(p.Type), string(p.FederationScope),
		p.RequiredCapabilities, p.AgentMinAlignment, p.RetentionDays, p.Topic,
	).Scan(&ch.ID, &ch.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("channels: creating channel: %w", err)
	}
	return ch, nil
}

// Get loads a channel by its public channel ID.
func (s *Service) Get(ctx context.Context, q vrp.Querier, channelID string) (*models.Channel, error) {
	var ch models.Channel
	err := q.QueryRow(ctx,
		`SELECT id, server_id, channel_id, name, channel_type, federation_scope,
		        required_capabilities, agent_min_alignment, retention_days, topic, created_at
		 FROM channels WHERE server_id = $1 AND channel_id = $2`,
		s.serverID, channelID,
	).Scan(&ch.ID, &ch.ServerID, &ch.ChannelID, &ch.Name, &ch.Type, &ch.FederationScope,
		&ch.RequiredCapabilities, &ch.AgentMinAlignment, &ch.RetentionDays, &ch.Topic, &ch.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("channels: loading channel: %w", err)
	}
	return &ch, nil
}

// List returns all channels on the server, creation order.
func (s *Service) List(ctx context.Context) ([]models.Channel, error) {
	return s.list(ctx,
		`SELECT id, server_id, channel_id, name, channel_type, federation_scope,
		        required_capabilities, agent_min_alignment, retention_days, topic, created_at
		 FROM channels WHERE server_id = $1 ORDER BY created_at ASC`)
}

// ListFederated returns the channels visible to federation peers.
func (s *Service) ListFederated(ctx context.Context) ([]models.Channel, error) {
	return s.list(ctx,
		`SELECT id, server_id, channel_id, name, channel_type, federation_scope,
		        required_capabilities, agent_min_alignment, retention_days, topic, created_at
		 FROM channels WHERE server_id = $1 AND federation_scope = 'FEDERATED'
		 ORDER BY created_at ASC`)
}

func (s *Service) list(ctx context.Context, sql string) ([]models.Channel, error) {
	rows, err := s.pool.Query(ctx, sql, s.serverID)
	if err != nil {
		return nil, fmt.Errorf("channels: listing channels: %w", err)
	}
	defer rows.Close()

	var out []models.Channel
	for rows.Next() {
		var ch models.Channel
		if err := rows.Scan(&ch.ID, &ch.ServerID, &ch.ChannelID, &ch.Name, &ch.Type,
			&ch.FederationScope, &ch.RequiredCapabilities, &ch.AgentMinAlignment,
			&ch.RetentionDays, &ch.Topic, &ch.CreatedAt); err != nil {
			return nil, fmt.Errorf("channels: scanning channel: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// CheckJoinAccess enforces a channel's access rules against the joining
// identity: every required capability must be held, and an AI agent must
// carry an active registration whose alignment meets the channel minimum.
func (s *Service) CheckJoinAccess(ctx context.Context, ch *models.Channel, identity *models.PlatformIdentity) error {
	for _, required := range ch.RequiredCapabilities {
		if !identity.Capabilities.Has(required) {
			return fmt.Errorf("%w: %s", ErrMissingCapability, required)
		}
	}

	if identity.ParticipantType == string(models.NodeAIAgent) && ch.AgentMinAlignment != nil {
		minStatus, err := vrp.ParseAlignmentStatus(*ch.AgentMinAlignment)
		if err != nil {
			return fmt.Errorf("channels: channel has invalid agent_min_alignment: %w", err)
		}

		var statusLabel string
		err = s.pool.QueryRow(ctx,
			`SELECT alignment_status FROM agent_registrations
			 WHERE server_id = $1 AND pseudonym_id = $2 AND active`,
			s.serverID, identity.PseudonymID,
		).Scan(&statusLabel)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAgentNotAligned
		}
		if err != nil {
			return fmt.Errorf("channels: loading agent registration: %w", err)
		}

		status, err := vrp.ParseAlignmentStatus(statusLabel)
		if err != nil {
			return fmt.Errorf("channels: stored alignment status: %w", err)
		}
		if !MeetsAlignment(status, minStatus) {
			return ErrAlignmentTooLow
		}
	}

	return nil
}

// MeetsAlignment reports whether an agent's status satisfies the channel's
// minimum. Aligned satisfies everything; Partial satisfies Partial and
// Conflict minimums; Conflict satisfies only a Conflict minimum.
func MeetsAlignment(status, minimum vrp.AlignmentStatus) bool {
	switch minimum {
	case vrp.Conflict:
		return true
	case vrp.Partial:
		return status != vrp.Conflict
	default:
		return status == vrp.Aligned
	}
}

// AddMember inserts a membership row, idempotently on conflict.
func (s *Service) AddMember(ctx context.Context, q vrp.Querier, channelID, pseudonymID string) error {
	_, err := q.Exec(ctx,
		`INSERT INTO channel_members (server_id, channel_id, pseudonym_id, role)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (server_id, channel_id, pseudonym_id) DO NOTHING`,
		s.serverID, channelID, pseudonymID, models.MemberRoleMember)
	if err != nil {
		return fmt.Errorf("channels: adding member: %w", err)
	}
	return nil
}

// RemoveMember deletes a membership row.
func (s *Service) RemoveMember(ctx context.Context, channelID, pseudonymID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM channel_members WHERE server_id = $1 AND channel_id = $2 AND pseudonym_id = $3`,
		s.serverID, channelID, pseudonymID)
	if err != nil {
		return fmt.Errorf("channels: removing member: %w", err)
	}
	return nil
}

// IsMember reports whether a pseudonym currently belongs to a channel.
// Membership is re-checked at each frame: it can be revoked out-of-band by
// moderation between frames.
func (s *Service) IsMember(ctx context.Context, q vrp.Querier, channelID, pseudonymID string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS(
		   SELECT 1 FROM channel_members
		   WHERE server_id = $1 AND channel_id = $2 AND pseudonym_id = $3)`,
		s.serverID, channelID, pseudonymID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("channels: checking membership: %w", err)
	}
	return exists, nil
}

// CreateMessageParams are the fields for a new message.
type CreateMessageParams struct {
	ChannelID        string
	MessageID        string
	SenderPseudonym  string
	Content          string
	ReplyToMessageID *string
	ExpiresAt        *time.Time
}

// CreateMessage inserts a message row.
func (s *Service) CreateMessage(ctx context.Context, q vrp.Querier, p CreateMessageParams) (*models.Message, error) {
	msg := &models.Message{
		ServerID:         s.serverID,
		ChannelID:        p.ChannelID,
		MessageID:        p.MessageID,
		SenderPseudonym:  p.SenderPseudonym,
		Content:          p.Content,
		ReplyToMessageID: p.ReplyToMessageID,
		ExpiresAt:        p.ExpiresAt,
	}

	err := q.QueryRow(ctx,
		`INSERT INTO messages
		   (server_id, channel_id, message_id, sender_pseudonym, content, reply_to_message_id, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		s.serverID, p.ChannelID, p.MessageID, p.SenderPseudonym, p.Content,
		p.ReplyToMessageID, p.ExpiresAt,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("channels: creating message: %w", err)
	}
	return msg, nil
}

// MessageExists reports whether a message ID is already recorded; the
// federation inbox uses it for idempotent delivery.
func (s *Service) MessageExists(ctx context.Context, q vrp.Querier, messageID string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM messages WHERE message_id = $1)`, messageID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("channels: checking message existence: %w", err)
	}
	return exists, nil
}

// EditMessage mutates a message's content in place and stamps edited_at.
// Only the original sender may edit.
func (s *Service) EditMessage(ctx context.Context, channelID, messageID, senderPseudonym, content string) (*models.Message, error) {
	msg := &models.Message{
		ServerID:        s.serverID,
		ChannelID:       channelID,
		MessageID:       messageID,
		SenderPseudonym: senderPseudonym,
		Content:         content,
	}
	err := s.pool.QueryRow(ctx,
		`UPDATE messages SET content = $1, edited_at = now()
		 WHERE server_id = $2 AND channel_id = $3 AND message_id = $4
		   AND sender_pseudonym = $5 AND deleted_at IS NULL
		 RETURNING id, reply_to_message_id, created_at, edited_at`,
		content, s.serverID, channelID, messageID, senderPseudonym,
	).Scan(&msg.ID, &msg.ReplyToMessageID, &msg.CreatedAt, &msg.EditedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.classifyMessageAccess(ctx, channelID, messageID, senderPseudonym)
	}
	if err != nil {
		return nil, fmt.Errorf("channels: editing message: %w", err)
	}
	return msg, nil
}

// DeleteMessage soft-deletes a message, blanking its content. Only the
// original sender may delete through this path; moderation deletes go
// through their own surface.
func (s *Service) DeleteMessage(ctx context.Context, channelID, messageID, senderPseudonym string) (*models.Message, error) {
	msg := &models.Message{
		ServerID:        s.serverID,
		ChannelID:       channelID,
		MessageID:       messageID,
		SenderPseudonym: senderPseudonym,
	}
	err := s.pool.QueryRow(ctx,
		`UPDATE messages SET content = '', deleted_at = now()
		 WHERE server_id = $1 AND channel_id = $2 AND message_id = $3
		   AND sender_pseudonym = $4 AND deleted_at IS NULL
		 RETURNING id, created_at, deleted_at`,
		s.serverID, channelID, messageID, senderPseudonym,
	).Scan(&msg.ID, &msg.CreatedAt, &msg.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.classifyMessageAccess(ctx, channelID, messageID, senderPseudonym)
	}
	if err != nil {
		return nil, fmt.Errorf("channels: deleting message: %w", err)
	}
	return msg, nil
}

// classifyMessageAccess distinguishes "no such message" from "message exists
// but belongs to someone else" after a guarded UPDATE matched nothing.
func (s *Service) classifyMessageAccess(ctx context.Context, channelID, messageID, senderPseudonym string) error {
	var actualSender string
	err := s.pool.QueryRow(ctx,
		`SELECT sender_pseudonym FROM messages
		 WHERE server_id = $1 AND channel_id = $2 AND message_id = $3 AND deleted_at IS NULL`,
		s.serverID, channelID, messageID,
	).Scan(&actualSender)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("channels: looking up message: %w", err)
	}
	if actualSender != senderPseudonym {
		return ErrNotSender
	}
	return ErrMessageNotFound
}

// History returns a channel's messages ordered by created_at, tie-broken by
// insertion order, ascending. A limit below 1 falls back to 50; a limit
// above 200 is capped at 200.
func (s *Service) History(ctx context.Context, channelID string, before *time.Time, limit int) ([]models.Message, error) {
	if limit < 1 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	sql := `SELECT id, server_id, channel_id, message_id, sender_pseudonym, content,
	               reply_to_message_id, created_at, edited_at, deleted_at, expires_at
	        FROM messages
	        WHERE server_id = $1 AND channel_id = $2`
	args := []any{s.serverID, channelID}
	if before != nil {
		sql += ` AND created_at < $3`
		args = append(args, *before)
	}
	sql += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("channels: loading history: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ServerID, &m.ChannelID, &m.MessageID,
			&m.SenderPseudonym, &m.Content, &m.ReplyToMessageID,
			&m.CreatedAt, &m.EditedAt, &m.DeletedAt, &m.ExpiresAt); err != nil {
			return nil, fmt.Errorf("channels: scanning message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into ascending order for the client.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
