// Package memory provides an in-process review outbox used when no Pub/Sub
// topic is configured, and by tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultCapacity is the number of messages kept when New is given zero.
const DefaultCapacity = 1000

// Message is one published payload, JSON-encoded as it would be on the wire.
type Message struct {
	ID          string
	Topic       string
	Data        []byte
	PublishedAt time.Time
}

// Publisher keeps the most recent messages in publish order. Older messages
// are evicted once capacity is reached.
type Publisher struct {
	mu       sync.RWMutex
	capacity int
	seq      int
	evicted  int
	messages []Message
	logger   *zap.Logger
}

// New returns a Publisher holding up to capacity messages.
func New(capacity int, logger *zap.Logger) *Publisher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{capacity: capacity, logger: logger.Named("outbox")}
}

// Publish encodes payload and appends it under topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload for %s: %w", topic, err)
	}

	p.mu.Lock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Data: data, PublishedAt: time.Now().UTC()})
	if over := len(p.messages) - p.capacity; over > 0 {
		p.messages = append(p.messages[:0:0], p.messages[over:]...)
		p.evicted += over
	}
	p.mu.Unlock()

	p.logger.Info("review notice queued", zap.String("topic", topic), zap.String("id", id), zap.ByteString("data", data))
	return id, nil
}

// Messages returns the retained messages for topic, or for every topic when
// topic is empty.
func (p *Publisher) Messages(topic string) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, 0, len(p.messages))
	for _, m := range p.messages {
		if topic == "" || m.Topic == topic {
			m.Data = append([]byte(nil), m.Data...)
			out = append(out, m)
		}
	}
	return out
}

// Evicted reports how many messages were dropped to stay within capacity.
func (p *Publisher) Evicted() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.evicted
}

// Decode unmarshals each message into a T.
func Decode[T any](msgs []Message) ([]T, error) {
	out := make([]T, 0, len(msgs))
	for _, m := range msgs {
		var v T
		if err := json.Unmarshal(m.Data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", m.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}
