package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Redis is the cross-process broadcast channel: PUBLISH/SUBSCRIBE, nothing persisted.
type Redis struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewRedis(rdb *redis.Client, log *zap.Logger) *Redis {
	return &Redis{rdb: rdb, log: log}
}

func (r *Redis) Publish(ctx context.Context, topic string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return r.rdb.Publish(ctx, topic, payload).Err()
}

func (r *Redis) Subscribe(topic string, fn func(Event)) (Subscription, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ps := r.rdb.Subscribe(ctx, topic)
	// Wait for the subscription confirmation so nothing published after we return is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.log.Warn("bad event payload", zap.String("topic", topic), zap.Error(err))
				continue
			}
			fn(ev)
		}
	}()

	var once sync.Once
	return SubscriptionFunc(func() {
		once.Do(func() {
			_ = ps.Close()
			<-done
		})
	}), nil
}
