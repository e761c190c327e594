package engine

import (
	"sync"

	"github.com/madadgaar/chatsync/chat"
)

// messageStore is the ordered, de-duplicated message list for exactly one
// active conversation. A generation counter is bumped on every reset so a
// history fetch that completes after the user has switched away is discarded
// instead of clobbering the new conversation's view.
type messageStore struct {
	sync.Mutex

	conversationID string
	generation     uint64
	msgs           []chat.Message
}

func (s *messageStore) conversation() string {
	s.Lock()
	defer s.Unlock()
	return s.conversationID
}

// reset binds the store to a conversation, clears it and returns the new
// generation to pass to replace.
func (s *messageStore) reset(conversationID string) uint64 {
	s.Lock()
	defer s.Unlock()
	s.conversationID = conversationID
	s.generation++
	s.msgs = nil
	return s.generation
}

// replace installs a freshly fetched history. Returns false when gen is
// stale, in which case the store is untouched.
func (s *messageStore) replace(gen uint64, msgs []chat.Message) bool {
	s.Lock()
	defer s.Unlock()
	if gen != s.generation {
		return false
	}
	out := make([]chat.Message, len(msgs))
	copy(out, msgs)
	chat.SortMessages(out)
	s.msgs = out
	return true
}

// apply appends one message and resorts. Messages for other conversations
// and duplicate identifiers are discarded.
func (s *messageStore) apply(msg chat.Message) bool {
	s.Lock()
	defer s.Unlock()
	if msg.ConversationID != s.conversationID || s.conversationID == "" {
		return false
	}
	for i := range s.msgs {
		if s.msgs[i].ID == msg.ID {
			return false
		}
	}
	s.msgs = append(s.msgs, msg)
	chat.SortMessages(s.msgs)
	return true
}

// resolvePlaceholder removes the oldest optimistic placeholder whose content
// matches the authoritative copy that just arrived. The ids never match (the
// placeholder carries a client-generated one), so without this step the
// placeholder bubble would linger next to the echo.
func (s *messageStore) resolvePlaceholder(content string) bool {
	s.Lock()
	defer s.Unlock()
	for i := range s.msgs {
		if s.msgs[i].Sending && s.msgs[i].Content == content {
			s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
			return true
		}
	}
	return false
}

// dropSending removes every pending placeholder. Used by the REST send
// fallback before appending the server-returned message.
func (s *messageStore) dropSending() {
	s.Lock()
	defer s.Unlock()
	kept := s.msgs[:0]
	for i := range s.msgs {
		if !s.msgs[i].Sending {
			kept = append(kept, s.msgs[i])
		}
	}
	s.msgs = kept
}

// applyReadUpdate records server-confirmed read receipts. Returns how many
// messages changed.
func (s *messageStore) applyReadUpdate(ru chat.ReadUpdate) int {
	s.Lock()
	defer s.Unlock()
	if ru.ConversationID != s.conversationID || ru.ReadBy == "" {
		return 0
	}
	ids := make(map[string]bool, len(ru.MessageIDs))
	for _, id := range ru.MessageIDs {
		ids[id] = true
	}
	var changed int
	for i := range s.msgs {
		if !ids[s.msgs[i].ID] || s.msgs[i].ReadByUser(ru.ReadBy) {
			continue
		}
		s.msgs[i].ReadBy = append(s.msgs[i].ReadBy, ru.ReadBy)
		changed++
	}
	return changed
}

func (s *messageStore) snapshot() []chat.Message {
	s.Lock()
	defer s.Unlock()
	out := make([]chat.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}
