package messaging

import (
	"context"
	"time"
)

// Broker defines the interface for message brokers
type Broker interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Close() error
}

// Message is the envelope published on a channel. ID lets consumers drop
// duplicates; for audit events it is the stored entry's ID.
type Message struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}
