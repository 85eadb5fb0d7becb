package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/yeshwanth1127/trading-ecosystem/libs/kafka"
)

// Trading event types consumed by the balance service and the client
// fan-out layer.
const (
	OrderFilled          = "order_filled"
	OrderPartiallyFilled = "order_partially_filled"
	OrderCancelled       = "order_cancelled"
	OrderRejected        = "order_rejected"
	PositionOpened       = "position_opened"
	PositionUpdated      = "position_updated"
	PositionClosed       = "position_closed"
	PositionLiquidated   = "position_liquidated"
	StopLossTriggered    = "stop_loss_triggered"
	TakeProfitTriggered  = "take_profit_triggered"
	MarginCall           = "margin_call"
	AccountUpdated       = "account_updated"
)

// Envelope is the wire shape every trading event is published with. EventID
// is derived deterministically from the type, key and timestamp so a DLQ
// replay of the same logical event can be deduplicated downstream.
type Envelope struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Publisher emits trading events to the event bus. Publish failures are
// logged and swallowed: event delivery is best effort and must never roll
// back or stall the fill that produced the event.
type Publisher struct {
	producer kafka.Publisher
	topic    string
	logger   *slog.Logger
}

func NewPublisher(producer kafka.Publisher, topic string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{producer: producer, topic: topic, logger: logger}
}

// Publish sends one event keyed by the given entity id so downstream
// consumers see a stable per-entity ordering.
func (p *Publisher) Publish(ctx context.Context, eventType, key string, data map[string]any) {
	if p == nil || p.producer == nil {
		return
	}
	now := time.Now().UTC()
	envelope := Envelope{
		EventID:   kafka.DeterministicEventID(eventType, key, now.Format(time.RFC3339Nano)),
		EventType: eventType,
		Timestamp: now,
		Data:      data,
	}
	if _, _, err := p.producer.PublishJSON(ctx, p.topic, key, envelope); err != nil {
		p.logger.Error("publish trading event failed",
			"event_type", eventType,
			"key", key,
			"error", err,
		)
	}
}

func (p *Publisher) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
