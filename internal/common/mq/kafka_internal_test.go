package mq

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type captureWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublishEncodesHeaders(t *testing.T) {
	t.Parallel()

	w := &captureWriter{}
	p := &KafkaProducer{writer: w}
	msg := NewMessage("exec-1", []byte(`{"step":"compile"}`))
	msg.SetHeader("node", "n1")
	msg.Timestamp = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := p.Publish(context.Background(), "steps", msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("wrote %d messages", len(w.msgs))
	}
	got := w.msgs[0]
	if got.Topic != "steps" || string(got.Key) != "exec-1" || string(got.Value) != `{"step":"compile"}` {
		t.Fatalf("message = %+v", got)
	}
	headers := map[string]string{}
	for _, h := range got.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["node"] != "n1" || headers[headerID] != "exec-1" || headers[headerTimestamp] != "2024-01-02T03:04:05Z" {
		t.Fatalf("headers = %v", headers)
	}
}

func TestPublishValidation(t *testing.T) {
	t.Parallel()

	p := &KafkaProducer{writer: &captureWriter{}}
	tests := []struct {
		name string
		run  func() error
	}{
		{"nil message", func() error { return p.Publish(context.Background(), "t", nil) }},
		{"empty topic", func() error { return p.Publish(context.Background(), "", NewMessage("a", nil)) }},
		{"empty batch", func() error { return p.PublishBatch(context.Background(), "t", nil) }},
		{"nil in batch", func() error { return p.PublishBatch(context.Background(), "t", []*Message{nil}) }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.run(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNewKafkaProducerRequiresBrokers(t *testing.T) {
	t.Parallel()
	if _, err := NewKafkaProducer(KafkaConfig{}); err == nil {
		t.Fatal("expected error")
	}
}
