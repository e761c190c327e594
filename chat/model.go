// Package chat holds the canonical entities of the admin chat domain and the
// normalization layer that maps raw wire payloads onto them. Stores and the
// engine only ever see these types; duck-typed socket payloads stop here.
package chat

import (
	"sort"
	"strings"
	"time"
)

// RoleAdmin tags the operator side of a conversation. Every conversation has
// exactly one participant with this role.
const RoleAdmin = "admin"

// DefaultMessageType is used when the wire carries no message type tag.
const DefaultMessageType = "text"

// Participant is one party of a conversation.
type Participant struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}

// LastMessage is the denormalized summary the server keeps per conversation.
type LastMessage struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is a two-party thread between the admin and one platform user.
// Conversations are created server side and never deleted by this client.
type Conversation struct {
	ID           string        `json:"_id"`
	Participants []Participant `json:"participants"`
	LastMessage  LastMessage   `json:"lastMessage"`
	UnreadCount  int           `json:"unreadCount"`
}

// Peer returns the non-admin participant, the user the admin is talking to.
func (c *Conversation) Peer() Participant {
	for _, p := range c.Participants {
		if p.Role != RoleAdmin {
			return p
		}
	}
	return Participant{}
}

// MatchesQuery reports whether the peer display name contains q,
// case-insensitively. An empty query matches everything.
func (c *Conversation) MatchesQuery(q string) bool {
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(c.Peer().Name), strings.ToLower(q))
}

// Message is one chat message. Sending is client-only state for optimistic
// placeholders and never travels on the wire.
type Message struct {
	ID             string    `json:"_id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	SenderRole     string    `json:"senderRole"`
	Content        string    `json:"content"`
	Type           string    `json:"messageType"`
	CreatedAt      time.Time `json:"createdAt"`
	ReadBy         []string  `json:"readBy,omitempty"`

	Sending bool `json:"-"`
}

// ReadByUser reports whether userID is in the read-by list.
func (m *Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// SortMessages orders messages by ascending creation time. Order between
// messages with equal timestamps is made deterministic by ID so repeated
// sorts of the same set are stable across refetches.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// SortConversations orders conversations by last-message recency, newest first.
func SortConversations(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastMessage.CreatedAt.After(convs[j].LastMessage.CreatedAt)
	})
}

// TypingEvent is an ephemeral typing intent from a remote user.
type TypingEvent struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// ReadUpdate is the server confirming which messages a reader has seen.
// Read receipts are applied only from these pushes, never optimistically.
type ReadUpdate struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	ReadBy         string   `json:"readBy"`
}

// Stats is the aggregate view returned by the chat stats endpoint.
type Stats struct {
	TotalConversations int `json:"totalConversations"`
	TotalMessages      int `json:"totalMessages"`
	ActiveUsers        int `json:"activeUsers"`
}
