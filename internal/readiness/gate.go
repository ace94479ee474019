// Package readiness tracks which participants have confirmed they are ready to start.
//
// Confirmations travel over the broadcast channel so every process coordinating a battle
// sees the same set; the battle record only mirrors them for processes that come up later.
package readiness

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/roast-battle-backend/internal/battle"
	"github.com/DoyleJ11/roast-battle-backend/internal/pubsub"
	"github.com/DoyleJ11/roast-battle-backend/internal/store"
)

type Members interface {
	ListParticipants(ctx context.Context, battleID string) ([]battle.Participant, error)
	Subscribe(battleID string, onChange func(pubsub.Event)) (pubsub.Subscription, error)
}

type Store interface {
	GetBattle(ctx context.Context, id string) (battle.Battle, error)
	SetReadiness(ctx context.Context, id, userID string, ready bool) error
}

type gateState struct {
	confirmed map[string]bool
	seeded    bool
	fired     bool
	callbacks map[int]func()
}

type Gate struct {
	members   Members
	store     Store
	broadcast pubsub.Broker
	log       *zap.Logger
	now       func() time.Time

	mu     sync.Mutex
	nextID int
	state  map[string]*gateState
}

func New(members Members, st Store, broadcast pubsub.Broker, log *zap.Logger) *Gate {
	return &Gate{
		members:   members,
		store:     st,
		broadcast: broadcast,
		log:       log,
		now:       time.Now,
		state:     make(map[string]*gateState),
	}
}

// ConfirmReady records userID as ready. Confirming twice returns ErrDuplicateConfirmation.
func (g *Gate) ConfirmReady(ctx context.Context, battleID, userID string) error {
	ps, err := g.members.ListParticipants(ctx, battleID)
	if err != nil {
		return err
	}
	if !seated(ps, userID) {
		return battle.ErrNotParticipant
	}
	if err := g.seed(ctx, battleID); err != nil {
		return err
	}

	g.mu.Lock()
	st := g.stateLocked(battleID)
	if st.confirmed[userID] {
		g.mu.Unlock()
		return battle.ErrDuplicateConfirmation
	}
	st.confirmed[userID] = true
	g.mu.Unlock()

	ev := pubsub.Event{Kind: pubsub.KindReadyConfirmed, BattleID: battleID, UserID: userID, At: g.now()}
	if err := g.broadcast.Publish(ctx, pubsub.BroadcastTopic(battleID), ev); err != nil {
		g.log.Warn("failed to broadcast readiness", zap.String("battle_id", battleID), zap.String("user_id", userID), zap.Error(err))
	}
	if err := g.store.SetReadiness(ctx, battleID, userID, true); err != nil {
		g.log.Warn("failed to mirror readiness", zap.String("battle_id", battleID), zap.String("user_id", userID), zap.Error(err))
	}

	g.evaluate(battleID, ps)
	return nil
}

func (g *Gate) IsAllReady(ctx context.Context, battleID string) (bool, error) {
	ps, err := g.members.ListParticipants(ctx, battleID)
	if err != nil {
		return false, err
	}
	if err := g.seed(ctx, battleID); err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return allReady(g.stateLocked(battleID), ps), nil
}

// Confirmed lists the ready participants in join order.
func (g *Gate) Confirmed(ctx context.Context, battleID string) ([]string, error) {
	ps, err := g.members.ListParticipants(ctx, battleID)
	if err != nil {
		return nil, err
	}
	if err := g.seed(ctx, battleID); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.stateLocked(battleID)
	var out []string
	for _, p := range ps {
		if st.confirmed[p.UserID] {
			out = append(out, p.UserID)
		}
	}
	return out, nil
}

// Subscribe calls onAllReady once, the first time every participant of battleID is ready.
// It also starts merging confirmations made by other processes.
func (g *Gate) Subscribe(battleID string, onAllReady func()) (pubsub.Subscription, error) {
	g.mu.Lock()
	st := g.stateLocked(battleID)
	id := g.nextID
	g.nextID++
	st.callbacks[id] = onAllReady
	g.mu.Unlock()

	remove := pubsub.SubscriptionFunc(func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if st, ok := g.state[battleID]; ok {
			delete(st.callbacks, id)
		}
	})

	live, err := g.broadcast.Subscribe(pubsub.BroadcastTopic(battleID), func(ev pubsub.Event) {
		if ev.Kind != pubsub.KindReadyConfirmed || ev.UserID == "" {
			return
		}
		g.merge(battleID, ev.UserID)
	})
	if err != nil {
		remove()
		return nil, err
	}

	feed, err := g.members.Subscribe(battleID, func(pubsub.Event) {
		g.prune(battleID)
	})
	if err != nil {
		live.Unsubscribe()
		remove()
		return nil, err
	}

	// Confirmations may already be complete.
	go g.prune(battleID)

	return pubsub.Group{live, feed, remove}, nil
}

// Forget drops everything known about battleID.
func (g *Gate) Forget(battleID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.state, battleID)
}

func (g *Gate) merge(battleID, userID string) {
	ctx := context.Background()
	ps, err := g.members.ListParticipants(ctx, battleID)
	if err != nil {
		g.log.Warn("failed to list participants", zap.String("battle_id", battleID), zap.Error(err))
		return
	}
	if !seated(ps, userID) {
		return
	}
	g.mu.Lock()
	g.stateLocked(battleID).confirmed[userID] = true
	g.mu.Unlock()
	g.evaluate(battleID, ps)
}

// prune drops confirmations of users who are no longer seated and re-evaluates.
func (g *Gate) prune(battleID string) {
	ctx := context.Background()
	if err := g.seed(ctx, battleID); err != nil {
		g.log.Warn("failed to seed readiness", zap.String("battle_id", battleID), zap.Error(err))
	}
	ps, err := g.members.ListParticipants(ctx, battleID)
	if err != nil {
		g.log.Warn("failed to list participants", zap.String("battle_id", battleID), zap.Error(err))
		return
	}
	g.mu.Lock()
	st := g.stateLocked(battleID)
	for userID := range st.confirmed {
		if !seated(ps, userID) {
			delete(st.confirmed, userID)
		}
	}
	g.mu.Unlock()
	g.evaluate(battleID, ps)
}

func (g *Gate) evaluate(battleID string, ps []battle.Participant) {
	g.mu.Lock()
	st := g.stateLocked(battleID)
	if st.fired || len(st.callbacks) == 0 || !allReady(st, ps) {
		g.mu.Unlock()
		return
	}
	st.fired = true
	fns := make([]func(), 0, len(st.callbacks))
	for _, fn := range st.callbacks {
		fns = append(fns, fn)
	}
	g.mu.Unlock()

	g.log.Info("all participants ready", zap.String("battle_id", battleID), zap.Int("participants", len(ps)))
	for _, fn := range fns {
		fn()
	}
}

// seed loads mirrored confirmations from the battle record once.
func (g *Gate) seed(ctx context.Context, battleID string) error {
	g.mu.Lock()
	done := g.stateLocked(battleID).seeded
	g.mu.Unlock()
	if done {
		return nil
	}

	b, err := g.store.GetBattle(ctx, battleID)
	if errors.Is(err, store.ErrNotFound) {
		return battle.ErrBattleNotFound
	}
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.stateLocked(battleID)
	for userID, ready := range b.Readiness {
		if ready {
			st.confirmed[userID] = true
		}
	}
	st.seeded = true
	return nil
}

func (g *Gate) stateLocked(battleID string) *gateState {
	st, ok := g.state[battleID]
	if !ok {
		st = &gateState{confirmed: make(map[string]bool), callbacks: make(map[int]func())}
		g.state[battleID] = st
	}
	return st
}

func allReady(st *gateState, ps []battle.Participant) bool {
	if len(ps) < battle.MinParticipants {
		return false
	}
	n := 0
	for _, p := range ps {
		if st.confirmed[p.UserID] {
			n++
		}
	}
	return n >= len(ps)
}

func seated(ps []battle.Participant, userID string) bool {
	for _, p := range ps {
		if p.UserID == userID {
			return true
		}
	}
	return false
}
