// Package membership admits users to a battle as participants or spectators.
package membership

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/roast-battle-backend/internal/battle"
	"github.com/DoyleJ11/roast-battle-backend/internal/pubsub"
	"github.com/DoyleJ11/roast-battle-backend/internal/store"
)

type Store interface {
	GetBattle(ctx context.Context, id string) (battle.Battle, error)
	store.MembershipStore
}

type Registry struct {
	store Store
	feed  pubsub.Broker
	log   *zap.Logger
	now   func() time.Time
}

func New(st Store, feed pubsub.Broker, log *zap.Logger) *Registry {
	return &Registry{store: st, feed: feed, log: log, now: time.Now}
}

func (r *Registry) Join(ctx context.Context, battleID, userID string, profile battle.Profile, role battle.Role) (battle.Membership, error) {
	if userID == "" {
		return battle.Membership{}, fmt.Errorf("%w: user id is required", battle.ErrNotMember)
	}
	b, err := r.store.GetBattle(ctx, battleID)
	if err != nil {
		return battle.Membership{}, mapErr(err)
	}

	current, err := r.Role(ctx, battleID, userID)
	if err != nil {
		return battle.Membership{}, err
	}
	existing := battle.Membership{BattleID: battleID, UserID: userID, Role: current, Existing: true}

	switch {
	case current == battle.RoleParticipant:
		return existing, nil
	case current == battle.RoleSpectator && role != battle.RoleParticipant:
		return existing, nil
	}

	if role != battle.RoleSpectator {
		seated, err := r.store.AddParticipant(ctx, battle.Participant{
			BattleID: battleID,
			UserID:   userID,
			Profile:  profile,
			JoinedAt: r.now(),
		}, battle.MaxParticipants)
		if err != nil {
			return battle.Membership{}, mapErr(err)
		}
		if seated {
			if current == battle.RoleSpectator {
				// promoted: drop the old spectator row
				if _, err := r.store.RemoveSpectator(ctx, battleID, userID); err != nil {
					r.log.Warn("failed to drop spectator row after promotion", zap.String("battle_id", battleID), zap.String("user_id", userID), zap.Error(err))
				}
			}
			r.publish(ctx, pubsub.KindMemberJoined, battleID, userID, battle.RoleParticipant)
			return battle.Membership{BattleID: battleID, UserID: userID, Role: battle.RoleParticipant}, nil
		}
		if current == battle.RoleSpectator {
			return existing, nil
		}
		// seats are taken: overflow goes to the stands
		if !b.AllowSpectators {
			return battle.Membership{}, fmt.Errorf("%w: %w", battle.ErrBattleFull, battle.ErrSpectatingDisabled)
		}
	}

	if !b.AllowSpectators {
		return battle.Membership{}, battle.ErrSpectatingDisabled
	}
	if err := r.store.AddSpectator(ctx, battle.Spectator{BattleID: battleID, UserID: userID, JoinedAt: r.now()}); err != nil {
		return battle.Membership{}, mapErr(err)
	}
	r.publish(ctx, pubsub.KindMemberJoined, battleID, userID, battle.RoleSpectator)
	return battle.Membership{BattleID: battleID, UserID: userID, Role: battle.RoleSpectator}, nil
}

// Leave removes userID from whichever side they were on. Leaving twice is not an error.
func (r *Registry) Leave(ctx context.Context, battleID, userID string) (battle.Membership, error) {
	out := battle.Membership{BattleID: battleID, UserID: userID}

	removed, err := r.store.RemoveParticipant(ctx, battleID, userID)
	if err != nil {
		return out, mapErr(err)
	}
	if removed {
		out.Role = battle.RoleParticipant
		r.publish(ctx, pubsub.KindMemberLeft, battleID, userID, battle.RoleParticipant)
		return out, nil
	}

	removed, err = r.store.RemoveSpectator(ctx, battleID, userID)
	if err != nil {
		return out, mapErr(err)
	}
	if removed {
		out.Role = battle.RoleSpectator
		r.publish(ctx, pubsub.KindMemberLeft, battleID, userID, battle.RoleSpectator)
	}
	return out, nil
}

func (r *Registry) ListParticipants(ctx context.Context, battleID string) ([]battle.Participant, error) {
	ps, err := r.store.ListParticipants(ctx, battleID)
	return ps, mapErr(err)
}

func (r *Registry) ListSpectators(ctx context.Context, battleID string) ([]battle.Spectator, error) {
	ss, err := r.store.ListSpectators(ctx, battleID)
	return ss, mapErr(err)
}

// Role is "" when userID is neither seated nor watching.
func (r *Registry) Role(ctx context.Context, battleID, userID string) (battle.Role, error) {
	ps, err := r.ListParticipants(ctx, battleID)
	if err != nil {
		return "", err
	}
	for _, p := range ps {
		if p.UserID == userID {
			return battle.RoleParticipant, nil
		}
	}
	ss, err := r.ListSpectators(ctx, battleID)
	if err != nil {
		return "", err
	}
	for _, s := range ss {
		if s.UserID == userID {
			return battle.RoleSpectator, nil
		}
	}
	return "", nil
}

// Subscribe delivers join/leave notifications for battleID.
func (r *Registry) Subscribe(battleID string, onChange func(pubsub.Event)) (pubsub.Subscription, error) {
	return r.feed.Subscribe(pubsub.FeedTopic(battleID), func(ev pubsub.Event) {
		if ev.Kind == pubsub.KindMemberJoined || ev.Kind == pubsub.KindMemberLeft {
			onChange(ev)
		}
	})
}

func (r *Registry) publish(ctx context.Context, kind pubsub.Kind, battleID, userID string, role battle.Role) {
	ev := pubsub.Event{Kind: kind, BattleID: battleID, UserID: userID, Role: string(role), At: r.now()}
	if err := r.feed.Publish(ctx, pubsub.FeedTopic(battleID), ev); err != nil {
		// Subscribers fall back to periodic reconciliation.
		r.log.Warn("failed to publish membership change", zap.String("battle_id", battleID), zap.String("kind", string(kind)), zap.Error(err))
	}
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return battle.ErrBattleNotFound
	}
	return err
}
