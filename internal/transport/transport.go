// Package transport carries trade and breach events between the API, the
// risk pipeline and the alerting service.
//
// Delivery is at-least-once on the durable backends (Kafka, NATS
// JetStream). Consumers must tolerate redelivery; for trades the
// deduplicator does that.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Topics.
const (
	TopicTradeCreated  = "trade-created"
	TopicLimitBreached = "limit-breached"
)

// Message is one delivered event. Value holds the JSON encoding.
type Message struct {
	Topic string
	Key   string
	Value []byte
	Time  time.Time
}

// Decode unmarshals the message value into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Value, v); err != nil {
		return fmt.Errorf("transport: decode %s: %w", m.Topic, err)
	}
	return nil
}

// Handler processes one message. A non-nil error marks the delivery failed.
type Handler func(ctx context.Context, msg Message) error

// Publisher sends JSON-encoded events keyed for partitioning.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, v any) error
	Close() error
}

// Subscriber delivers messages of topic to h. Subscribers sharing a group
// split the stream between them. Subscribe returns once consumption has
// started; it stops when ctx is done or the subscriber is closed.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, h Handler) error
	Close() error
}

// Bus is both ends of a transport.
type Bus interface {
	Publisher
	Subscriber
}

func encode(topic string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: encode %s: %w", topic, err)
	}
	return data, nil
}
