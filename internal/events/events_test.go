package events

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

type capturePublisher struct {
	topic string
	key   string
	value any
	err   error
}

func (c *capturePublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	c.topic = topic
	c.key = key
	c.value = value
	return 0, 0, c.err
}

func (c *capturePublisher) Close() error { return nil }

func TestPublishWrapsDataInEnvelope(t *testing.T) {
	sink := &capturePublisher{}
	publisher := NewPublisher(sink, "trading.events", slog.Default())

	publisher.Publish(context.Background(), OrderFilled, "order-1", map[string]any{
		"order_id": "order-1",
		"price":    "42000",
	})

	if sink.topic != "trading.events" {
		t.Fatalf("unexpected topic: %s", sink.topic)
	}
	if sink.key != "order-1" {
		t.Fatalf("unexpected key: %s", sink.key)
	}
	envelope, ok := sink.value.(Envelope)
	if !ok {
		t.Fatalf("expected Envelope, got %T", sink.value)
	}
	if envelope.EventType != OrderFilled {
		t.Fatalf("unexpected event type: %s", envelope.EventType)
	}
	if envelope.Timestamp.IsZero() {
		t.Fatalf("expected timestamp to be set")
	}
	if envelope.EventID == "" {
		t.Fatalf("expected event id to be set")
	}
	if envelope.Data["price"] != "42000" {
		t.Fatalf("unexpected data: %v", envelope.Data)
	}
}

func TestPublishSwallowsProducerErrors(t *testing.T) {
	sink := &capturePublisher{err: errors.New("broker down")}
	publisher := NewPublisher(sink, "trading.events", slog.Default())

	// Must not panic or propagate; event delivery is best effort.
	publisher.Publish(context.Background(), MarginCall, "pos-1", map[string]any{"margin_ratio": "-0.85"})
}
