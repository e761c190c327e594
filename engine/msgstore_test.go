package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madadgaar/chatsync/chat"
)

func ts(sec int) time.Time {
	return time.Date(2025, 6, 1, 12, 0, sec, 0, time.UTC)
}

func msg(id string, sec int) chat.Message {
	return chat.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       "u1",
		SenderRole:     "user",
		Content:        "m-" + id,
		Type:           chat.DefaultMessageType,
		CreatedAt:      ts(sec),
	}
}

func TestApplyDedup(t *testing.T) {
	s := &messageStore{}
	s.reset("c1")

	assert.True(t, s.apply(msg("m1", 1)))
	assert.True(t, s.apply(msg("m2", 2)))
	assert.False(t, s.apply(msg("m1", 3)), "duplicate id must collapse")
	assert.False(t, s.apply(msg("m2", 2)))

	ids := map[string]int{}
	for _, m := range s.snapshot() {
		ids[m.ID]++
	}
	assert.Equal(t, map[string]int{"m1": 1, "m2": 1}, ids)
}

func TestApplyKeepsOrder(t *testing.T) {
	s := &messageStore{}
	s.reset("c1")

	// arrival order deliberately scrambled
	for _, sec := range []int{5, 1, 9, 3, 7} {
		require.True(t, s.apply(msg(string(rune('a'+sec)), sec)))
	}

	got := s.snapshot()
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].CreatedAt.Before(got[i-1].CreatedAt),
			"messages must be in non-decreasing creation order")
	}
}

func TestApplyIgnoresOtherConversations(t *testing.T) {
	s := &messageStore{}
	s.reset("c1")

	other := msg("m9", 1)
	other.ConversationID = "c2"
	assert.False(t, s.apply(other))
	assert.Empty(t, s.snapshot())
}

func TestReplaceGeneration(t *testing.T) {
	s := &messageStore{}
	gen1 := s.reset("c1")
	gen2 := s.reset("c2")

	stale := []chat.Message{msg("m1", 1)}
	assert.False(t, s.replace(gen1, stale), "late response for a switched-away conversation must be discarded")
	assert.Empty(t, s.snapshot())

	fresh := msg("m2", 2)
	fresh.ConversationID = "c2"
	assert.True(t, s.replace(gen2, []chat.Message{fresh}))
	require.Len(t, s.snapshot(), 1)
	assert.Equal(t, "m2", s.snapshot()[0].ID)
}

func TestResolvePlaceholder(t *testing.T) {
	s := &messageStore{}
	s.reset("c1")

	ph := msg("local-1", 1)
	ph.SenderRole = chat.RoleAdmin
	ph.Content = "hello"
	ph.Sending = true
	require.True(t, s.apply(ph))

	assert.False(t, s.resolvePlaceholder("different text"))
	require.Len(t, s.snapshot(), 1)

	assert.True(t, s.resolvePlaceholder("hello"))
	assert.Empty(t, s.snapshot())
	assert.False(t, s.resolvePlaceholder("hello"), "already resolved")
}

func TestResolvePlaceholderOldestFirst(t *testing.T) {
	s := &messageStore{}
	s.reset("c1")

	for i, id := range []string{"local-1", "local-2"} {
		ph := msg(id, i+1)
		ph.Content = "same"
		ph.Sending = true
		require.True(t, s.apply(ph))
	}

	require.True(t, s.resolvePlaceholder("same"))
	got := s.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "local-2", got[0].ID)
}

func TestDropSending(t *testing.T) {
	s := &messageStore{}
	s.reset("c1")

	real := msg("m1", 1)
	ph := msg("local-1", 2)
	ph.Sending = true
	require.True(t, s.apply(real))
	require.True(t, s.apply(ph))

	s.dropSending()
	got := s.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].ID)
}

func TestApplyReadUpdate(t *testing.T) {
	s := &messageStore{}
	s.reset("c1")
	require.True(t, s.apply(msg("m1", 1)))
	require.True(t, s.apply(msg("m2", 2)))

	n := s.applyReadUpdate(chat.ReadUpdate{
		ConversationID: "c1",
		MessageIDs:     []string{"m1", "m404"},
		ReadBy:         "a1",
	})
	assert.Equal(t, 1, n)

	got := s.snapshot()
	assert.True(t, got[0].ReadByUser("a1"))
	assert.False(t, got[1].ReadByUser("a1"))

	// repeated confirmation changes nothing
	n = s.applyReadUpdate(chat.ReadUpdate{ConversationID: "c1", MessageIDs: []string{"m1"}, ReadBy: "a1"})
	assert.Equal(t, 0, n)

	// other conversation's update is ignored
	n = s.applyReadUpdate(chat.ReadUpdate{ConversationID: "c2", MessageIDs: []string{"m2"}, ReadBy: "a1"})
	assert.Equal(t, 0, n)
}
