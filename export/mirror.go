// Package export mirrors authoritative inbound chat events to Kafka so
// downstream audit and analytics consumers see the same stream the admin
// panel reconciles. The mirror is strictly best effort: a failed publish is
// logged and never blocks synchronization.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"
)

const (
	writeTimeout = 3 * time.Second
	dialTimeout  = 10 * time.Second

	// DefaultMaxBytes bounds one mirrored record.
	DefaultMaxBytes = 4096
)

// Writer is the slice of kafka.Writer the mirror uses; swapped in tests.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// record is the published envelope.
type record struct {
	Kind    string      `json:"kind"`
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload"`
}

// Mirror publishes chat events to one topic.
type Mirror struct {
	w        Writer
	maxBytes int
}

// New creates a Mirror writing to topic on brokers.
func New(brokers []string, topic string, maxBytes int) *Mirror {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   dialTimeout,
			DualStack: true,
		},
	})
	return NewWithWriter(w, maxBytes)
}

// NewWithWriter wires an explicit writer, used by tests.
func NewWithWriter(w Writer, maxBytes int) *Mirror {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Mirror{w: w, maxBytes: maxBytes}
}

// Publish writes one event. Records over the size limit are rejected so one
// oversized payload cannot jam the topic's consumers.
func (m *Mirror) Publish(kind string, v interface{}) error {
	value, err := json.Marshal(record{Kind: kind, Time: time.Now(), Payload: v})
	if err != nil {
		return fmt.Errorf("export: marshal %s record: %v", kind, err)
	}
	if len(value) > m.maxBytes {
		return fmt.Errorf("export: %s record exceeds %d bytes", kind, m.maxBytes)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := m.w.WriteMessages(ctx, kafka.Message{Key: []byte(kind), Value: value}); err != nil {
		return fmt.Errorf("export: write %s record: %v", kind, err)
	}
	glog.V(5).Infof("Publish(): mirrored %s record, %d bytes", kind, len(value))
	return nil
}

// Close flushes and closes the underlying writer.
func (m *Mirror) Close() error {
	return m.w.Close()
}
