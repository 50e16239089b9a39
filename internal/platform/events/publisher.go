// Package events publishes order lifecycle notifications for downstream consumers
// (fulfilment, notifications, analytics).
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/oklog/ulid/v2"
)

// Event types.
const (
	TypeOrderSubmitted            = "order.submitted"
	TypePaymentVerificationFailed = "payment.verification_failed"
	TypePaymentVerified           = "payment.verified"
)

// Event is the envelope written to the topic. Data carries the type-specific payload.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	OrderID    string         `json:"orderId,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
	Data       map[string]any `json:"data,omitempty"`
}

// Publisher sends events.
type Publisher interface {
	Publish(ctx context.Context, event Event) (string, error)
}

// NopPublisher drops events. It is used when Pub/Sub is not configured.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) (string, error) { return "", nil }

// PubSubPublisher writes events to a Pub/Sub topic.
type PubSubPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
	now     func() time.Time
}

// NewPubSubPublisher wraps topic.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("events: topic is required")
	}
	return &PubSubPublisher{
		topic:   topic,
		marshal: json.Marshal,
		now:     time.Now,
	}, nil
}

// Publish fills the event id and timestamp when missing and waits for the server ack.
func (p *PubSubPublisher) Publish(ctx context.Context, event Event) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("events: publisher not initialised")
	}
	if strings.TrimSpace(event.Type) == "" {
		return "", errors.New("events: event type is required")
	}
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.now().UTC()
	}

	data, err := p.marshal(event)
	if err != nil {
		return "", fmt.Errorf("events: marshal %s: %w", event.Type, err)
	}

	attrs := make(map[string]string, 3)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "eventId", event.ID)

	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("events: publish %s: %w", event.Type, err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
