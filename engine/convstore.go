package engine

import (
	"sync"

	"github.com/madadgaar/chatsync/chat"
)

// conversationStore holds the admin's conversation list. Every refresh is a
// wholesale replace: list size is bounded and the fetch is cheap, so there is
// no incremental merge. Overlapping refreshes are tolerated, last write wins.
type conversationStore struct {
	sync.RWMutex
	items []chat.Conversation
}

func (s *conversationStore) replace(list []chat.Conversation) {
	items := make([]chat.Conversation, len(list))
	copy(items, list)
	chat.SortConversations(items)

	s.Lock()
	s.items = items
	s.Unlock()
}

func (s *conversationStore) snapshot() []chat.Conversation {
	s.RLock()
	defer s.RUnlock()
	out := make([]chat.Conversation, len(s.items))
	copy(out, s.items)
	return out
}

// search filters by peer display name, case-insensitive substring,
// client side only.
func (s *conversationStore) search(q string) []chat.Conversation {
	s.RLock()
	defer s.RUnlock()
	var out []chat.Conversation
	for i := range s.items {
		if s.items[i].MatchesQuery(q) {
			out = append(out, s.items[i])
		}
	}
	return out
}
