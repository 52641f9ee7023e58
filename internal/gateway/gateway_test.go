package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annex-server/annex/internal/models"
)

func TestIncomingFrameDecoding(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want IncomingFrame
	}{
		{
			"subscribe",
			`{"type":"subscribe","channelId":"c1"}`,
			IncomingFrame{Type: "subscribe", ChannelID: "c1"},
		},
		{
			"unsubscribe",
			`{"type":"unsubscribe","channelId":"c1"}`,
			IncomingFrame{Type: "unsubscribe", ChannelID: "c1"},
		},
		{
			"message with reply",
			`{"type":"message","channelId":"c1","content":"hi","replyTo":"m0"}`,
			IncomingFrame{Type: "message", ChannelID: "c1", Content: "hi", ReplyTo: strPtr("m0")},
		},
		{
			"edit",
			`{"type":"edit_message","channelId":"c1","messageId":"m1","content":"edited"}`,
			IncomingFrame{Type: "edit_message", ChannelID: "c1", MessageID: "m1", Content: "edited"},
		},
		{
			"delete",
			`{"type":"delete_message","channelId":"c1","messageId":"m1"}`,
			IncomingFrame{Type: "delete_message", ChannelID: "c1", MessageID: "m1"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got IncomingFrame
			require.NoError(t, json.Unmarshal([]byte(tc.raw), &got))
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMarshalFrameMessage(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := &models.Message{
		ChannelID:       "c1",
		MessageID:       "m1",
		SenderPseudonym: "p1",
		Content:         "hello",
		CreatedAt:       created,
	}

	out, err := MarshalFrame("message", msg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "message", decoded["type"])

	payload := decoded["message"].(map[string]any)
	assert.Equal(t, "c1", payload["channelId"])
	assert.Equal(t, "m1", payload["messageId"])
	assert.Equal(t, "p1", payload["senderPseudonym"])
	assert.Equal(t, "hello", payload["content"])
	assert.Equal(t, "2026-01-02T03:04:05Z", payload["createdAt"])

	// Unset optional fields stay off the wire.
	_, hasEdited := payload["editedAt"]
	assert.False(t, hasEdited)
	_, hasDeleted := payload["deletedAt"]
	assert.False(t, hasDeleted)
	_, hasReply := payload["replyToMessageId"]
	assert.False(t, hasReply)
}

func TestMarshalFrameDeleted(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	deleted := created.Add(time.Minute)
	msg := &models.Message{
		ChannelID:       "c1",
		MessageID:       "m1",
		SenderPseudonym: "p1",
		CreatedAt:       created,
		DeletedAt:       &deleted,
	}

	out, err := MarshalFrame("message_deleted", msg)
	require.NoError(t, err)

	var frame OutgoingFrame
	require.NoError(t, json.Unmarshal([]byte(out), &frame))
	assert.Equal(t, "message_deleted", frame.Type)
	require.NotNil(t, frame.Message)
	require.NotNil(t, frame.Message.DeletedAt)
	assert.Equal(t, "2026-01-02T03:05:05Z", *frame.Message.DeletedAt)
	assert.Empty(t, frame.Message.Content)
}

func strPtr(s string) *string { return &s }
