package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
)

// Socket event names, shared by the client transport and the dev backend.
const (
	EventConversationJoin  = "conversation:join"
	EventConversationLeave = "conversation:leave"
	EventMessageSend       = "message:send"
	EventTypingStart       = "typing:start"
	EventTypingStop        = "typing:stop"

	EventMessageReceived = "message:received"
	EventNotificationNew = "notification:new"
	EventTypingUser      = "typing:user"
	EventReadUpdate      = "messages:read:update"
	EventError           = "error"
)

// RoomRef is the payload of join/leave and the outbound typing events.
type RoomRef struct {
	ConversationID string `json:"conversationId"`
}

// Outgoing is the payload of an outbound message:send.
type Outgoing struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	MessageType    string `json:"messageType"`
}

// wireMessage accepts every shape the backend has been observed to emit for a
// message: both `_id` and `id`, and `createdAt` with `timestamp` as the
// secondary creation-time field.
type wireMessage struct {
	ID             string     `json:"_id"`
	AltID          string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	SenderRole     string     `json:"senderRole"`
	Content        string     `json:"content"`
	MessageType    string     `json:"messageType"`
	CreatedAt      *time.Time `json:"createdAt"`
	Timestamp      *time.Time `json:"timestamp"`
	ReadBy         []string   `json:"readBy"`
}

func (w *wireMessage) canonical() (Message, error) {
	m := Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		SenderRole:     w.SenderRole,
		Content:        w.Content,
		Type:           w.MessageType,
		ReadBy:         w.ReadBy,
	}
	if m.ID == "" {
		m.ID = w.AltID
	}
	if m.ID == "" {
		return Message{}, fmt.Errorf("chat: message without id")
	}
	if m.Type == "" {
		m.Type = DefaultMessageType
	}
	switch {
	case w.CreatedAt != nil:
		m.CreatedAt = *w.CreatedAt
	case w.Timestamp != nil:
		m.CreatedAt = *w.Timestamp
	}
	return m, nil
}

// DecodeMessage normalizes a message:received payload. The backend sends
// either a bare message object or an envelope `{message, conversationId}`;
// both collapse to one canonical Message here.
func DecodeMessage(raw json.RawMessage) (Message, error) {
	var envelope struct {
		Message        *wireMessage `json:"message"`
		ConversationID string       `json:"conversationId"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Message != nil {
		m, err := envelope.Message.canonical()
		if err != nil {
			return Message{}, err
		}
		if m.ConversationID == "" {
			m.ConversationID = envelope.ConversationID
		}
		return m, nil
	}

	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return Message{}, fmt.Errorf("chat: decode message: %v", err)
	}
	return w.canonical()
}

// DecodeMessages normalizes a REST message list.
func DecodeMessages(raw json.RawMessage) ([]Message, error) {
	var wires []wireMessage
	if err := json.Unmarshal(raw, &wires); err != nil {
		return nil, fmt.Errorf("chat: decode messages: %v", err)
	}
	out := make([]Message, 0, len(wires))
	for i := range wires {
		m, err := wires[i].canonical()
		if err != nil {
			glog.Errorf("DecodeMessages(): skip malformed entry: %v", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// DecodeTyping normalizes a typing:user payload.
func DecodeTyping(raw json.RawMessage) (TypingEvent, error) {
	var ev TypingEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return TypingEvent{}, fmt.Errorf("chat: decode typing: %v", err)
	}
	return ev, nil
}

// DecodeReadUpdate normalizes a messages:read:update payload.
func DecodeReadUpdate(raw json.RawMessage) (ReadUpdate, error) {
	var ru ReadUpdate
	if err := json.Unmarshal(raw, &ru); err != nil {
		return ReadUpdate{}, fmt.Errorf("chat: decode read update: %v", err)
	}
	return ru, nil
}
