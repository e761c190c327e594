package transport

import (
	"encoding/json"

	"github.com/madadgaar/chatsync/chat"
)

// EventType discriminates the typed events the adapter emits upward.
type EventType int

const (
	// Connected is emitted after every successful (re)connect. The engine
	// answers with a wholesale conversation refresh because pushes may
	// have been missed while the link was down.
	Connected EventType = iota + 1
	Disconnected
	MessageReceived
	NotificationNew
	TypingUser
	ReadUpdate
	ServerError
)

// Event is one normalized inbound occurrence. Exactly the field matching
// Type is populated; raw wire shapes never leave this package.
type Event struct {
	Type EventType

	Message      chat.Message     // MessageReceived
	Typing       chat.TypingEvent // TypingUser
	Read         chat.ReadUpdate  // ReadUpdate
	Notification json.RawMessage  // NotificationNew, opaque refresh trigger
	Err          string           // ServerError
}

// frame is the bidirectional wire envelope: `{"event": ..., "data": ...}`.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}
