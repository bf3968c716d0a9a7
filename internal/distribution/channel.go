// Package distribution carries encoded detection batches from the flusher to
// subscribers. Every transport is at-most-once: a subscriber that is slow or
// disconnected misses the batches published in the meantime, and nothing is
// redelivered.
package distribution

import (
	"context"
	"errors"

	"detection-engine/internal/model"
)

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("distribution channel closed")

// Message is one published payload.
type Message struct {
	Topic   string
	Payload []byte
}

// Publisher publishes payloads to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber delivers messages from the given topics until ctx is done, at
// which point the returned channel is closed.
type Subscriber interface {
	Subscribe(ctx context.Context, topics ...string) (<-chan Message, error)
}

// Channel is a transport that both publishes and subscribes.
type Channel interface {
	Publisher
	Subscriber
	Close() error
}

// Topics names the per-category topics.
type Topics struct {
	Patterns   string
	Indicators string
}

// For returns the topic results of category c are published on.
func (t Topics) For(c model.Category) string {
	if c == model.CategoryIndicator {
		return t.Indicators
	}
	return t.Patterns
}

// All returns both topics.
func (t Topics) All() []string {
	return []string{t.Patterns, t.Indicators}
}
