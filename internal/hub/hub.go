// Package hub owns the live battle sessions of this process.
package hub

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/roast-battle-backend/internal/battle"
	"github.com/DoyleJ11/roast-battle-backend/internal/session"
	"github.com/DoyleJ11/roast-battle-backend/internal/store"
)

const codeAttempts = 10

type HubMsg interface{ isHubMsg() }

type GetSession struct {
	BattleID string
	Reply    chan *session.Session
}

// EnsureSession returns the live session for Battle, starting one if there is none.
type EnsureSession struct {
	Battle battle.Battle
	Reply  chan *session.Session
}

type RemoveSession struct {
	BattleID string
}

type CountSessions struct {
	Reply chan int
}

type ShutdownHub struct{}

func (GetSession) isHubMsg()    {}
func (EnsureSession) isHubMsg() {}
func (RemoveSession) isHubMsg() {}
func (CountSessions) isHubMsg() {}
func (ShutdownHub) isHubMsg()   {}

type Options struct {
	Retention    time.Duration
	ReapInterval time.Duration
}

type Hub struct {
	inbox    chan HubMsg
	sessions map[string]*session.Session
	deps     session.Deps
	opts     Options
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewHub(parent context.Context, deps session.Deps, opts Options) *Hub {
	if opts.Retention <= 0 {
		opts.Retention = battle.DefaultRetention
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = 10 * time.Minute
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:    make(chan HubMsg, 64),
		sessions: make(map[string]*session.Session),
		deps:     deps,
		opts:     opts,
		log:      deps.Log,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	h.deps.OnIdle = h.Remove
	go h.loop()
	return h
}

// Done is closed after the hub and all of its sessions have stopped.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) loop() {
	defer close(h.done)

	reap := time.NewTicker(h.opts.ReapInterval)
	defer reap.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case <-reap.C:
			// Store I/O stays off the hub goroutine.
			go func() {
				if _, err := h.Reap(h.ctx); err != nil && !errors.Is(err, context.Canceled) {
					h.log.Warn("reaping stale battles failed", zap.Error(err))
				}
			}()

		case m := <-h.inbox:
			switch msg := m.(type) {
			case GetSession:
				msg.Reply <- h.live(msg.BattleID) // may be nil

			case EnsureSession:
				if s := h.live(msg.Battle.ID); s != nil {
					msg.Reply <- s
					break
				}
				s := session.New(h.ctx, msg.Battle, h.deps)
				h.sessions[msg.Battle.ID] = s
				h.deps.Metrics.LiveSessions.Set(float64(len(h.sessions)))
				msg.Reply <- s

			case RemoveSession:
				if s := h.sessions[msg.BattleID]; s != nil {
					delete(h.sessions, msg.BattleID)
					h.deps.Metrics.LiveSessions.Set(float64(len(h.sessions)))
					go s.Stop()
				}

			case CountSessions:
				msg.Reply <- len(h.sessions)

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

// live drops sessions that stopped on their own, e.g. after their battle was deleted.
func (h *Hub) live(battleID string) *session.Session {
	s := h.sessions[battleID]
	if s == nil {
		return nil
	}
	select {
	case <-s.Done():
		delete(h.sessions, battleID)
		h.deps.Metrics.LiveSessions.Set(float64(len(h.sessions)))
		return nil
	default:
		return s
	}
}

func (h *Hub) shutdown() {
	for id, s := range h.sessions {
		s.Stop()
		delete(h.sessions, id)
	}
	h.deps.Metrics.LiveSessions.Set(0)
	h.cancel()
}

func (h *Hub) ask(ctx context.Context, msg HubMsg, reply chan *session.Session) (*session.Session, error) {
	select {
	case h.inbox <- msg:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return nil, session.ErrClosed
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return nil, session.ErrClosed
	}
}

// CreateBattle stores a new waiting battle under a fresh join code and starts its session.
// The creator is not seated; they join like anyone else.
func (h *Hub) CreateBattle(ctx context.Context, cfg battle.Config, creatorID string) (battle.Battle, error) {
	if err := cfg.Validate(); err != nil {
		return battle.Battle{}, err
	}

	var b battle.Battle
	for attempt := 0; ; attempt++ {
		if attempt == codeAttempts {
			return battle.Battle{}, errors.New("could not allocate a join code")
		}
		code, err := GenerateCode()
		if err != nil {
			return battle.Battle{}, fmt.Errorf("generate join code: %w", err)
		}
		b = battle.New(uuid.NewString(), creatorID, code, cfg, h.deps.Now())
		err = h.deps.Store.CreateBattle(ctx, b)
		if errors.Is(err, store.ErrConflict) {
			h.log.Debug("join code collision, regenerating", zap.String("code", code))
			continue
		}
		if err != nil {
			return battle.Battle{}, err
		}
		break
	}

	h.deps.Metrics.BattlesCreated.Inc()
	h.log.Info("battle created", zap.String("battle_id", b.ID), zap.String("join_code", b.JoinCode), zap.String("creator_id", creatorID))

	if _, err := h.ensure(ctx, b); err != nil {
		return b, err
	}
	return b, nil
}

// Session returns the live session for battleID, restoring it from the store if needed.
func (h *Hub) Session(ctx context.Context, battleID string) (*session.Session, error) {
	reply := make(chan *session.Session, 1)
	s, err := h.ask(ctx, GetSession{BattleID: battleID, Reply: reply}, reply)
	if err != nil || s != nil {
		return s, err
	}

	b, err := h.deps.Store.GetBattle(ctx, battleID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, battle.ErrBattleNotFound
	}
	if err != nil {
		return nil, err
	}
	return h.ensure(ctx, b)
}

func (h *Hub) SessionByCode(ctx context.Context, code string) (*session.Session, error) {
	b, err := h.deps.Store.GetBattleByCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, battle.ErrBattleNotFound
	}
	if err != nil {
		return nil, err
	}
	return h.Session(ctx, b.ID)
}

func (h *Hub) ensure(ctx context.Context, b battle.Battle) (*session.Session, error) {
	reply := make(chan *session.Session, 1)
	return h.ask(ctx, EnsureSession{Battle: b, Reply: reply}, reply)
}

// Remove stops the session for battleID. The stored battle is kept and can be restored later.
func (h *Hub) Remove(battleID string) {
	select {
	case h.inbox <- RemoveSession{BattleID: battleID}:
	case <-h.done:
	}
}

func (h *Hub) Count(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	select {
	case h.inbox <- CountSessions{Reply: reply}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case n := <-reply:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Reap deletes battles nobody is seated in that have not changed for the retention period.
func (h *Hub) Reap(ctx context.Context) (int, error) {
	cutoff := h.deps.Now().Add(-h.opts.Retention)
	ids, err := h.deps.Store.ListStaleBattles(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if err := h.deps.Store.DeleteBattle(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			h.log.Warn("failed to delete stale battle", zap.String("battle_id", id), zap.Error(err))
			continue
		}
		h.Remove(id)
		n++
	}
	if n > 0 {
		h.log.Info("reaped stale battles", zap.Int("count", n))
	}
	return n, nil
}

// Shutdown stops every session and the hub itself, then waits for them.
func (h *Hub) Shutdown() {
	select {
	case h.inbox <- ShutdownHub{}:
	case <-h.done:
	}
	<-h.done
}

func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, 6)
	for i := 0; i < 6; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}
