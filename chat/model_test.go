package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func ts(sec int) time.Time {
	return time.Date(2025, 6, 1, 10, 0, sec, 0, time.UTC)
}

func TestSortMessages(t *testing.T) {
	msgs := []Message{
		{ID: "m3", CreatedAt: ts(30)},
		{ID: "m1", CreatedAt: ts(10)},
		{ID: "m2", CreatedAt: ts(20)},
	}
	SortMessages(msgs)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, "m3", msgs[2].ID)
}

func TestSortMessagesEqualTimestamps(t *testing.T) {
	msgs := []Message{
		{ID: "b", CreatedAt: ts(10)},
		{ID: "a", CreatedAt: ts(10)},
	}
	SortMessages(msgs)
	assert.Equal(t, "a", msgs[0].ID)
	assert.Equal(t, "b", msgs[1].ID)

	// same outcome regardless of input order
	msgs2 := []Message{
		{ID: "a", CreatedAt: ts(10)},
		{ID: "b", CreatedAt: ts(10)},
	}
	SortMessages(msgs2)
	assert.Equal(t, msgs, msgs2)
}

func TestSortConversations(t *testing.T) {
	convs := []Conversation{
		{ID: "old", LastMessage: LastMessage{CreatedAt: ts(10)}},
		{ID: "new", LastMessage: LastMessage{CreatedAt: ts(50)}},
		{ID: "mid", LastMessage: LastMessage{CreatedAt: ts(30)}},
	}
	SortConversations(convs)
	assert.Equal(t, "new", convs[0].ID)
	assert.Equal(t, "mid", convs[1].ID)
	assert.Equal(t, "old", convs[2].ID)
}

func TestPeer(t *testing.T) {
	c := Conversation{
		Participants: []Participant{
			{UserID: "a1", Name: "Support", Role: RoleAdmin},
			{UserID: "u1", Name: "Ahsan", Role: "user"},
		},
	}
	assert.Equal(t, "Ahsan", c.Peer().Name)

	empty := Conversation{}
	assert.Equal(t, Participant{}, empty.Peer())
}

func TestMatchesQuery(t *testing.T) {
	conv := func(name string) Conversation {
		return Conversation{Participants: []Participant{
			{UserID: "a1", Role: RoleAdmin, Name: "Support"},
			{UserID: "u1", Role: "user", Name: name},
		}}
	}

	names := []string{"Ali", "Sana", "Ahsan"}
	var matched []string
	for _, n := range names {
		c := conv(n)
		if c.MatchesQuery("ah") {
			matched = append(matched, n)
		}
	}
	assert.Equal(t, []string{"Ahsan"}, matched)

	c := conv("Ali")
	assert.True(t, c.MatchesQuery(""))
	assert.True(t, c.MatchesQuery("ALI"))
	assert.False(t, c.MatchesQuery("Support")) // admin name is never searched
}

func TestReadByUser(t *testing.T) {
	m := Message{ReadBy: []string{"u1", "u2"}}
	assert.True(t, m.ReadByUser("u2"))
	assert.False(t, m.ReadByUser("u3"))
}
