// Package gateway implements the WebSocket transport for real-time channel
// traffic. A connection authenticates as one pseudonym, holds exactly one
// session in the connection manager, and exchanges JSON frames: subscribe
// and unsubscribe to channels, send, edit, and delete messages. Outbound
// delivery runs through each session's bounded queue; channel membership is
// re-checked on every subscribe and message frame.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/annex-server/annex/internal/auth"
	"github.com/annex-server/annex/internal/channels"
	"github.com/annex-server/annex/internal/connmgr"
	"github.com/annex-server/annex/internal/federation"
	"github.com/annex-server/annex/internal/models"
	"github.com/annex-server/annex/internal/presence"
)

// IncomingFrame is the client-to-server frame envelope; Type selects which
// fields are meaningful.
type IncomingFrame struct {
	Type      string  `json:"type"`
	ChannelID string  `json:"channelId,omitempty"`
	MessageID string  `json:"messageId,omitempty"`
	Content   string  `json:"content,omitempty"`
	ReplyTo   *string `json:"replyTo,omitempty"`
}

// MessagePayload is the camelCase wire form of a message for WebSocket
// frames.
type MessagePayload struct {
	ChannelID        string  `json:"channelId"`
	MessageID        string  `json:"messageId"`
	SenderPseudonym  string  `json:"senderPseudonym"`
	Content          string  `json:"content"`
	ReplyToMessageID *string `json:"replyToMessageId,omitempty"`
	CreatedAt        string  `json:"createdAt"`
	EditedAt         *string `json:"editedAt,omitempty"`
	DeletedAt        *string `json:"deletedAt,omitempty"`
}

// OutgoingFrame is the server-to-client frame envelope.
type OutgoingFrame struct {
	Type    string          `json:"type"`
	Message *MessagePayload `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// payloadFromMessage converts a stored message row to its wire form.
func payloadFromMessage(m *models.Message) *MessagePayload {
	p := &MessagePayload{
		ChannelID:        m.ChannelID,
		MessageID:        m.MessageID,
		SenderPseudonym:  m.SenderPseudonym,
		Content:          m.Content,
		ReplyToMessageID: m.ReplyToMessageID,
		CreatedAt:        m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if m.EditedAt != nil {
		s := m.EditedAt.UTC().Format(time.RFC3339Nano)
		p.EditedAt = &s
	}
	if m.DeletedAt != nil {
		s := m.DeletedAt.UTC().Format(time.RFC3339Nano)
		p.DeletedAt = &s
	}
	return p
}

// MarshalFrame encodes an outgoing frame; broadcast paths share it so the
// HTTP send path and the gateway produce identical frames.
func MarshalFrame(frameType string, m *models.Message) (string, error) {
	data, err := json.Marshal(OutgoingFrame{Type: frameType, Message: payloadFromMessage(m)})
	if err != nil {
		return "", fmt.Errorf("gateway: marshaling %s frame: %w", frameType, err)
	}
	return string(data), nil
}

// Server upgrades and drives WebSocket connections.
type Server struct {
	Pool       *pgxpool.Pool
	Auth       *auth.Service
	Channels   *channels.Service
	Manager    *connmgr.Manager
	Presence   *presence.Service
	Federation *federation.Service
	Logger     *slog.Logger
}

// Handler serves GET /ws?pseudonym=… as a duplex WebSocket.
func (s *Server) Handler(w http.ResponseWriter, r *http.Request) {
	pseudonym := r.URL.Query().Get("pseudonym")
	if pseudonym == "" {
		http.Error(w, "missing pseudonym parameter", http.StatusBadRequest)
		return
	}

	identity, err := s.Auth.ResolveIdentity(r.Context(), pseudonym)
	if err != nil {
		var authErr *auth.AuthError
		if errors.As(err, &authErr) {
			http.Error(w, authErr.Message, authErr.Status)
			return
		}
		http.Error(w, "identity resolution failed", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.Logger.Warn("websocket accept failed",
			slog.String("pseudonym", pseudonym),
			slog.String("error", err.Error()))
		return
	}

	s.serve(r.Context(), conn, identity)
}

// serve runs one connection's session lifecycle: register in the manager,
// pump the outbound queue, and drive the read loop until the peer goes away.
func (s *Server) serve(ctx context.Context, conn *websocket.Conn, identity *models.PlatformIdentity) {
	pseudonym := identity.PseudonymID
	sender := connmgr.NewSender()
	sessionID := s.Manager.AddSession(pseudonym, sender)
	tracker := s.Presence.Tracker(pseudonym)
	tracker.Touch()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		s.Manager.RemoveSession(pseudonym, sessionID)
		s.Presence.DropTracker(pseudonym)
		conn.Close(websocket.StatusNormalClosure, "")
		s.Logger.Info("websocket session closed", slog.String("pseudonym", pseudonym))
	}()

	// Outbound pump: frames queued by broadcasts are written in order; a
	// write failure tears the connection down.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-sender.Frames():
				if !ok {
					return
				}
				writeCtx, writeCancel := context.WithTimeout(ctx, 10*time.Second)
				err := conn.Write(writeCtx, websocket.MessageText, []byte(frame))
				writeCancel()
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	s.Logger.Info("websocket session opened", slog.String("pseudonym", pseudonym))

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var frame IncomingFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.sendError(sender, "malformed frame")
			continue
		}

		tracker.Touch()

		switch frame.Type {
		case "subscribe":
			s.handleSubscribe(ctx, sender, pseudonym, frame.ChannelID)
		case "unsubscribe":
			s.Manager.Unsubscribe(frame.ChannelID, pseudonym)
		case "message":
			s.handleMessage(ctx, sender, pseudonym, frame)
		case "edit_message":
			s.handleEdit(ctx, sender, pseudonym, frame)
		case "delete_message":
			s.handleDelete(ctx, sender, pseudonym, frame)
		default:
			s.sendError(sender, fmt.Sprintf("unknown frame type %q", frame.Type))
		}
	}
}

// handleSubscribe admits a live subscription only for current members;
// membership may have been revoked since the last frame.
func (s *Server) handleSubscribe(ctx context.Context, sender *connmgr.Sender, pseudonym, channelID string) {
	member, err := s.Channels.IsMember(ctx, s.Pool, channelID, pseudonym)
	if err != nil {
		s.Logger.Warn("subscribe membership check failed",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()))
		s.sendError(sender, "membership check failed")
		return
	}
	if !member {
		s.sendError(sender, "not a member of channel "+channelID)
		return
	}
	s.Manager.Subscribe(channelID, pseudonym)
}

func (s *Server) handleMessage(ctx context.Context, sender *connmgr.Sender, pseudonym string, frame IncomingFrame) {
	member, err := s.Channels.IsMember(ctx, s.Pool, frame.ChannelID, pseudonym)
	if err != nil || !member {
		s.sendError(sender, "not a member of channel "+frame.ChannelID)
		return
	}

	ch, err := s.Channels.Get(ctx, s.Pool, frame.ChannelID)
	if err != nil {
		s.sendError(sender, "unknown channel "+frame.ChannelID)
		return
	}

	msg, err := s.Channels.CreateMessage(ctx, s.Pool, channels.CreateMessageParams{
		ChannelID:        frame.ChannelID,
		MessageID:        models.NewULID().String(),
		SenderPseudonym:  pseudonym,
		Content:          frame.Content,
		ReplyToMessageID: frame.ReplyTo,
	})
	if err != nil {
		s.Logger.Error("message create failed", slog.String("error", err.Error()))
		s.sendError(sender, "message create failed")
		return
	}

	out, err := MarshalFrame("message", msg)
	if err != nil {
		s.Logger.Error(err.Error())
		return
	}
	s.Manager.Broadcast(frame.ChannelID, out)

	if ch.FederationScope == models.ScopeFederated {
		if err := s.Federation.RelayMessage(ctx, msg); err != nil {
			s.Logger.Warn("federation relay failed",
				slog.String("message_id", msg.MessageID),
				slog.String("error", err.Error()))
		}
	}
}

func (s *Server) handleEdit(ctx context.Context, sender *connmgr.Sender, pseudonym string, frame IncomingFrame) {
	msg, err := s.Channels.EditMessage(ctx, frame.ChannelID, frame.MessageID, pseudonym, frame.Content)
	if err != nil {
		s.sendError(sender, editDeleteErrorText(err))
		return
	}

	out, err := MarshalFrame("message_edited", msg)
	if err != nil {
		s.Logger.Error(err.Error())
		return
	}
	s.Manager.Broadcast(frame.ChannelID, out)
}

func (s *Server) handleDelete(ctx context.Context, sender *connmgr.Sender, pseudonym string, frame IncomingFrame) {
	msg, err := s.Channels.DeleteMessage(ctx, frame.ChannelID, frame.MessageID, pseudonym)
	if err != nil {
		s.sendError(sender, editDeleteErrorText(err))
		return
	}

	out, err := MarshalFrame("message_deleted", msg)
	if err != nil {
		s.Logger.Error(err.Error())
		return
	}
	s.Manager.Broadcast(frame.ChannelID, out)
}

func editDeleteErrorText(err error) string {
	switch {
	case errors.Is(err, channels.ErrMessageNotFound):
		return "message not found"
	case errors.Is(err, channels.ErrNotSender):
		return "only the sender may modify a message"
	default:
		return "message update failed"
	}
}

func (s *Server) sendError(sender *connmgr.Sender, message string) {
	data, err := json.Marshal(OutgoingFrame{Type: "error", Error: message})
	if err != nil {
		return
	}
	sender.TrySend(string(data))
}
