// Package memory keeps scan notifications in process. It encodes payloads
// the way the Pub/Sub publisher does, so a notification that would fail to
// publish in production fails here too.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DefaultCapacity bounds how many notifications are retained.
const DefaultCapacity = 100

// Message is one retained notification.
type Message struct {
	ID    string
	Topic string
	Data  []byte
}

// Decode unmarshals the notification body into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode message %s: %w", m.ID, err)
	}
	return nil
}

// Publisher retains the most recent notifications, oldest first.
type Publisher struct {
	capacity int
	logger   *zap.Logger

	mu       sync.RWMutex
	seq      uint64
	messages []Message
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithCapacity overrides DefaultCapacity. Values below one are ignored.
func WithCapacity(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.capacity = n
		}
	}
}

// WithLogger sets the logger used for publish traces.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New returns an empty Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{capacity: DefaultCapacity, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("publisher")
	return p
}

// Publish encodes payload as JSON and retains it under topic. Once capacity
// is reached the oldest notification is dropped.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", errors.New("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	p.mu.Lock()
	p.seq++
	msg := Message{ID: fmt.Sprintf("memory-%d", p.seq), Topic: topic, Data: data}
	if len(p.messages) == p.capacity {
		copy(p.messages, p.messages[1:])
		p.messages = p.messages[:len(p.messages)-1]
	}
	p.messages = append(p.messages, msg)
	p.mu.Unlock()

	p.logger.Debug("notification retained", zap.String("topic", topic), zap.String("message_id", msg.ID))
	return msg.ID, nil
}

// Messages returns the retained notifications for topic, or all of them when
// topic is empty.
func (p *Publisher) Messages(topic string) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, 0, len(p.messages))
	for _, m := range p.messages {
		if topic != "" && m.Topic != topic {
			continue
		}
		m.Data = append([]byte(nil), m.Data...)
		out = append(out, m)
	}
	return out
}
