package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "tok-1"), srv
}

func TestListConversations(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/conversations", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		w.Write([]byte(`{"success":true,"data":[
			{"_id":"c1","participants":[{"userId":"u1","name":"Ali","role":"user"}],"unreadCount":2}
		]}`))
	})

	convs, err := client.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "c1", convs[0].ID)
	assert.Equal(t, 2, convs[0].UnreadCount)
}

func TestListMessagesNormalizes(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations/c1/messages", r.URL.Path)
		w.Write([]byte(`{"success":true,"data":[
			{"id":"m1","content":"a","timestamp":"2025-06-01T10:00:00Z"},
			{"_id":"m2","content":"b","createdAt":"2025-06-01T10:00:01Z"}
		]}`))
	})

	msgs, err := client.ListMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID, "alternate id and timestamp fields accepted")
	assert.Equal(t, "m2", msgs[1].ID)
}

func TestSendMessage(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/messages", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "c1", body["conversationId"])
		assert.Equal(t, "hello", body["content"])
		assert.Equal(t, "text", body["messageType"])

		w.Write([]byte(`{"success":true,"data":
			{"_id":"m1","conversationId":"c1","content":"hello","senderRole":"admin","createdAt":"2025-06-01T10:00:00Z"}
		}`))
	})

	msg, err := client.SendMessage(context.Background(), "c1", "hello", "text")
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.False(t, msg.Sending)
}

func TestMarkRead(t *testing.T) {
	var calls int
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/conversations/c9/read", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, client.MarkRead(context.Background(), "c9"))
	assert.Equal(t, 1, calls)
}

func TestStats(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/stats", r.URL.Path)
		w.Write([]byte(`{"success":true,"data":{"totalConversations":3,"totalMessages":42,"activeUsers":7}}`))
	})

	stats, err := client.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalConversations)
	assert.Equal(t, 42, stats.TotalMessages)
	assert.Equal(t, 7, stats.ActiveUsers)
}

func TestUnauthorized(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.ListConversations(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestBackendFailure(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"message":"boom"}`))
	})

	_, err := client.ListConversations(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
