// Package pubsub carries per-battle change notifications and ephemeral broadcasts.
// Delivery is at-least-once and unordered across event kinds; handlers must be idempotent.
package pubsub

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

type Kind string

const (
	KindMemberJoined   Kind = "member.joined"
	KindMemberLeft     Kind = "member.left"
	KindReadyConfirmed Kind = "ready.confirmed"
	KindLifecycle      Kind = "battle.lifecycle"
	KindTimerTick      Kind = "timer.tick"
)

type Event struct {
	Kind     Kind            `json:"kind"`
	BattleID string          `json:"battle_id"`
	UserID   string          `json:"user_id,omitempty"`
	Role     string          `json:"role,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	At       time.Time       `json:"at"`
}

type Subscription interface {
	// Unsubscribe is safe to call more than once.
	Unsubscribe()
}

type Broker interface {
	Publish(ctx context.Context, topic string, ev Event) error
	Subscribe(topic string, fn func(Event)) (Subscription, error)
}

// FeedTopic carries persisted-record changes (joins, leaves).
func FeedTopic(battleID string) string { return "battle_feed_" + sanitize(battleID) }

// BroadcastTopic carries ephemeral signals (readiness, ticks, lifecycle mirrors).
func BroadcastTopic(battleID string) string { return "battle_live_" + sanitize(battleID) }

// sanitize keeps topic names valid as postgres channel identifiers.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, id)
}

// SubscriptionFunc adapts a func to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() { f() }

// Group releases several subscriptions together.
type Group []Subscription

func (g Group) Unsubscribe() {
	for _, s := range g {
		if s != nil {
			s.Unsubscribe()
		}
	}
}
