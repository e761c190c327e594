package export

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublish(t *testing.T) {
	w := &fakeWriter{}
	m := NewWithWriter(w, 0)

	require.NoError(t, m.Publish("message", map[string]string{"_id": "m1", "content": "hi"}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("message"), w.msgs[0].Key)

	var rec struct {
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &rec))
	assert.Equal(t, "message", rec.Kind)
	assert.JSONEq(t, `{"_id":"m1","content":"hi"}`, string(rec.Payload))
}

func TestPublishSizeLimit(t *testing.T) {
	w := &fakeWriter{}
	m := NewWithWriter(w, 128)

	err := m.Publish("message", map[string]string{"content": strings.Repeat("x", 256)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
	assert.Empty(t, w.msgs)
}

func TestClose(t *testing.T) {
	w := &fakeWriter{}
	m := NewWithWriter(w, 0)
	require.NoError(t, m.Close())
	assert.True(t, w.closed)
}
