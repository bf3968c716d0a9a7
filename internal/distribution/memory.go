package distribution

import (
	"context"
	"sync"
)

// Memory is an in-process fan-out transport. Publish never blocks: if a
// subscriber's buffer is full, that subscriber misses the message.
type Memory struct {
	mu      sync.RWMutex
	subs    map[string][]*memSub
	bufSize int
	closed  bool

	// OnDrop is called when a message is dropped for a slow subscriber.
	OnDrop func(topic string)
}

type memSub struct {
	ch   chan Message
	once sync.Once
}

func (s *memSub) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewMemory creates a Memory transport with the given per-subscriber buffer.
func NewMemory(bufSize int) *Memory {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Memory{subs: make(map[string][]*memSub), bufSize: bufSize}
}

// Publish delivers payload to every current subscriber of topic.
func (m *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for _, s := range m.subs[topic] {
		select {
		case s.ch <- Message{Topic: topic, Payload: payload}:
		default:
			if m.OnDrop != nil {
				m.OnDrop(topic)
			}
		}
	}
	return nil
}

// Subscribe registers a subscriber for topics. Messages published before the
// call are not delivered.
func (m *Memory) Subscribe(ctx context.Context, topics ...string) (<-chan Message, error) {
	s := &memSub{ch: make(chan Message, m.bufSize)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	for _, t := range topics {
		m.subs[t] = append(m.subs[t], s)
	}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.unsubscribe(s)
	}()
	return s.ch, nil
}

func (m *Memory) unsubscribe(s *memSub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for t, list := range m.subs {
		kept := list[:0]
		for _, x := range list {
			if x != s {
				kept = append(kept, x)
			}
		}
		m.subs[t] = kept
	}
	s.close()
}

// Subscribers returns the number of live subscriptions to topic.
func (m *Memory) Subscribers(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[topic])
}

// Close closes every subscriber channel.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, list := range m.subs {
		for _, s := range list {
			s.close()
		}
	}
	m.subs = make(map[string][]*memSub)
	return nil
}
