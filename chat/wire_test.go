package chat

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessageBare(t *testing.T) {
	raw := json.RawMessage(`{
		"_id": "m1",
		"conversationId": "c1",
		"senderId": "u1",
		"senderRole": "user",
		"content": "salam",
		"messageType": "text",
		"createdAt": "2025-06-01T10:00:00Z",
		"readBy": ["u1"]
	}`)

	m, err := DecodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "c1", m.ConversationID)
	assert.Equal(t, "salam", m.Content)
	assert.Equal(t, []string{"u1"}, m.ReadBy)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), m.CreatedAt)
}

func TestDecodeMessageWrapped(t *testing.T) {
	raw := json.RawMessage(`{
		"conversationId": "c7",
		"message": {"id": "m2", "content": "hello", "senderRole": "admin", "timestamp": "2025-06-01T10:00:05Z"}
	}`)

	m, err := DecodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "m2", m.ID, "alternate id field must be accepted")
	assert.Equal(t, "c7", m.ConversationID, "conversation id inherited from envelope")
	assert.Equal(t, RoleAdmin, m.SenderRole)
	assert.Equal(t, DefaultMessageType, m.Type, "missing type defaults to text")
	assert.Equal(t, time.Date(2025, 6, 1, 10, 0, 5, 0, time.UTC), m.CreatedAt,
		"timestamp is the secondary creation-time field")
}

func TestDecodeMessageNoID(t *testing.T) {
	_, err := DecodeMessage(json.RawMessage(`{"content":"x"}`))
	assert.Error(t, err)
}

func TestDecodeMessagesSkipsMalformed(t *testing.T) {
	raw := json.RawMessage(`[
		{"_id": "m1", "content": "a", "createdAt": "2025-06-01T10:00:00Z"},
		{"content": "no id"},
		{"id": "m2", "content": "b", "createdAt": "2025-06-01T10:00:01Z"}
	]`)
	msgs, err := DecodeMessages(raw)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
}

func TestDecodeTyping(t *testing.T) {
	ev, err := DecodeTyping(json.RawMessage(`{"userId":"u9","isTyping":true}`))
	require.NoError(t, err)
	assert.Equal(t, TypingEvent{UserID: "u9", IsTyping: true}, ev)
}

func TestDecodeReadUpdate(t *testing.T) {
	ru, err := DecodeReadUpdate(json.RawMessage(
		`{"conversationId":"c1","messageIds":["m1","m2"],"readBy":"u1"}`))
	require.NoError(t, err)
	assert.Equal(t, "c1", ru.ConversationID)
	assert.Equal(t, []string{"m1", "m2"}, ru.MessageIDs)
	assert.Equal(t, "u1", ru.ReadBy)
}
