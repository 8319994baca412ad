package domain

import (
	"context"
)

// EventBus carries screening events between the API, the worker and
// downstream consumers. Implemented over Go channels or NATS.
// Topics are namespaced per tenant.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a reply.
	Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error)

	// Reply answers a message received through Request.
	// It fails when msg carries no reply address.
	Reply(ctx context.Context, msg *Message, payload []byte) error

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig configures the event bus.
type EventBusConfig struct {
	// Type is "channel" or "nats".
	Type string `json:"type"`

	ChannelBufferSize int `json:"channelBufferSize"`

	NATSUrl           string `json:"natsUrl"`
	NATSToken         string `json:"-"`
	NATSMaxReconnects int    `json:"natsMaxReconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait"` // seconds
}

// Topics used by the screening pipeline.
const (
	// TopicScreeningRequested carries a ScreeningRequest for async screening.
	TopicScreeningRequested = "screening.requested"

	// TopicScreeningCompleted carries a ScreeningResponse for every screening.
	TopicScreeningCompleted = "screening.completed"

	// TopicAlert carries a ScreeningResponse whose level is HIGH or above.
	TopicAlert = "alert"
)

// MetaReplyTo is the message metadata key holding the reply address.
const MetaReplyTo = "reply_to"
