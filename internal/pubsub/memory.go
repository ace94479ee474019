package pubsub

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const subscriberBuffer = 64

type subscriber struct {
	ch   chan Event
	once sync.Once
}

// Memory is an in-process Broker. Each subscriber gets its own goroutine and buffer;
// a subscriber that falls behind loses events instead of stalling publishers.
type Memory struct {
	mu     sync.RWMutex
	topics map[string]map[*subscriber]struct{}
	log    *zap.Logger
}

func NewMemory(log *zap.Logger) *Memory {
	return &Memory{
		topics: make(map[string]map[*subscriber]struct{}),
		log:    log,
	}
}

func (m *Memory) Publish(_ context.Context, topic string, ev Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for sub := range m.topics[topic] {
		select {
		case sub.ch <- ev:
		default:
			m.log.Warn("dropping event for slow subscriber", zap.String("topic", topic), zap.String("kind", string(ev.Kind)))
		}
	}
	return nil
}

func (m *Memory) Subscribe(topic string, fn func(Event)) (Subscription, error) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	m.mu.Lock()
	if m.topics[topic] == nil {
		m.topics[topic] = make(map[*subscriber]struct{})
	}
	m.topics[topic][sub] = struct{}{}
	m.mu.Unlock()

	go func() {
		for ev := range sub.ch {
			fn(ev)
		}
	}()

	return SubscriptionFunc(func() {
		sub.once.Do(func() {
			m.mu.Lock()
			delete(m.topics[topic], sub)
			if len(m.topics[topic]) == 0 {
				delete(m.topics, topic)
			}
			close(sub.ch)
			m.mu.Unlock()
		})
	}), nil
}

// Subscribers is the live subscriber count on topic.
func (m *Memory) Subscribers(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics[topic])
}
