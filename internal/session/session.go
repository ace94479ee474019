// Package session runs one actor per battle. Every state change for a battle goes through
// its inbox, so lifecycle, turns and the clock never race each other inside a process.
package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/roast-battle-backend/internal/battle"
	"github.com/DoyleJ11/roast-battle-backend/internal/clock"
	"github.com/DoyleJ11/roast-battle-backend/internal/engine"
	"github.com/DoyleJ11/roast-battle-backend/internal/membership"
	"github.com/DoyleJ11/roast-battle-backend/internal/metrics"
	"github.com/DoyleJ11/roast-battle-backend/internal/pubsub"
	"github.com/DoyleJ11/roast-battle-backend/internal/readiness"
	"github.com/DoyleJ11/roast-battle-backend/internal/store"
	"github.com/DoyleJ11/roast-battle-backend/internal/turns"
	"github.com/DoyleJ11/roast-battle-backend/internal/votes"
	"github.com/DoyleJ11/roast-battle-backend/pkg/types"
)

var ErrClosed = errors.New("session closed")

// Deps are shared by every session in a process.
type Deps struct {
	Store     store.Store
	Members   *membership.Registry
	Gate      *readiness.Gate
	Turns     *turns.Sequencer
	Votes     *votes.Aggregator
	Clock     *clock.Clock
	Broadcast pubsub.Broker
	Metrics   *metrics.Metrics
	Log       *zap.Logger

	VoteGrace         time.Duration
	ReconcileInterval time.Duration
	OpTimeout         time.Duration
	Now               func() time.Time

	// OnIdle is called, off the actor goroutine, once a completed battle has closed voting
	// and nobody has watched it for IdleLinger.
	OnIdle     func(battleID string)
	IdleLinger time.Duration
}

type Msg interface{ isSessionMsg() }

type JoinReply struct {
	Membership battle.Membership
	Err        error
}

type Join struct {
	UserID  string
	Profile battle.Profile
	Role    battle.Role
	Reply   chan JoinReply
}

type Leave struct {
	UserID string
	Reply  chan error
}

type ConfirmReady struct {
	UserID string
	Reply  chan error
}

type SubmitTurn struct {
	UserID  string
	Content string
	Reply   chan error
}

type CastVote struct {
	VoterID    string
	VotedForID string
	Score      int
	Reply      chan error
}

// Watch registers Outbox for pushes. The current state is sent right away.
type Watch struct {
	ClientID string
	Outbox   chan types.ServerEvent
}

type Unwatch struct{ ClientID string }

type StateReply struct {
	State types.BattleState
	Err   error
}

type GetState struct {
	Reply chan StateReply
}

type Shutdown struct{}

// Sent by the session to itself.
type (
	allReady          struct{}
	membershipChanged struct{ ev pubsub.Event }
	timerTick         struct{}
	timerExpired      struct{}
	closeVoting       struct{}
	idleCheck         struct{}
)

func (Join) isSessionMsg()              {}
func (Leave) isSessionMsg()             {}
func (ConfirmReady) isSessionMsg()      {}
func (SubmitTurn) isSessionMsg()        {}
func (CastVote) isSessionMsg()          {}
func (Watch) isSessionMsg()             {}
func (Unwatch) isSessionMsg()           {}
func (GetState) isSessionMsg()          {}
func (Shutdown) isSessionMsg()          {}
func (allReady) isSessionMsg()          {}
func (membershipChanged) isSessionMsg() {}
func (timerTick) isSessionMsg()         {}
func (timerExpired) isSessionMsg()      {}
func (closeVoting) isSessionMsg()       {}
func (idleCheck) isSessionMsg()         {}

type Session struct {
	id   string
	deps Deps
	log  *zap.Logger

	inbox    chan Msg
	battle   battle.Battle
	state    engine.State
	version  int
	watchers map[string]chan types.ServerEvent

	timer       *clock.Handle
	subs        pubsub.Group
	finalists   []string
	votingOpen  bool
	graceTimer  *time.Timer
	idleTimer   *time.Timer
	completedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts the actor for b. Store reads happen on the actor goroutine, so New never blocks.
func New(parent context.Context, b battle.Battle, deps Deps) *Session {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.OpTimeout <= 0 {
		deps.OpTimeout = 10 * time.Second
	}
	if deps.ReconcileInterval <= 0 {
		deps.ReconcileInterval = 15 * time.Second
	}
	if deps.IdleLinger <= 0 {
		deps.IdleLinger = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)

	s := &Session{
		id:       b.ID,
		deps:     deps,
		log:      deps.Log.With(zap.String("battle_id", b.ID)),
		inbox:    make(chan Msg, 64),
		battle:   b,
		state:    engine.NewState(b, 0),
		watchers: make(map[string]chan types.ServerEvent),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Session) ID() string { return s.id }

// Done is closed once the actor has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) loop() {
	defer close(s.done)

	s.start()

	reconcile := time.NewTicker(s.deps.ReconcileInterval)
	defer reconcile.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return

		case <-reconcile.C:
			s.withOp(s.reconcile)

		case m := <-s.inbox:
			if _, ok := m.(Shutdown); ok {
				s.shutdown()
				return
			}
			s.handle(m)
		}
	}
}

func (s *Session) handle(m Msg) {
	ctx, cancel := context.WithTimeout(s.ctx, s.deps.OpTimeout)
	defer cancel()

	switch msg := m.(type) {
	case Join:
		mem, err := s.join(ctx, msg)
		msg.Reply <- JoinReply{Membership: mem, Err: err}

	case Leave:
		msg.Reply <- s.leave(ctx, msg.UserID)

	case ConfirmReady:
		msg.Reply <- s.confirmReady(ctx, msg.UserID)

	case SubmitTurn:
		msg.Reply <- s.submitTurn(ctx, msg)

	case CastVote:
		msg.Reply <- s.castVote(ctx, msg)

	case Watch:
		s.watchers[msg.ClientID] = msg.Outbox
		s.stopIdle()
		st, err := s.view(ctx)
		if err != nil {
			s.log.Warn("failed to build state for new watcher", zap.Error(err))
			break
		}
		s.sendTo(msg.ClientID, types.ServerEvent{Type: types.EventState, State: &st})

	case Unwatch:
		delete(s.watchers, msg.ClientID)
		s.checkIdle()

	case GetState:
		st, err := s.view(ctx)
		msg.Reply <- StateReply{State: st, Err: err}

	case allReady:
		s.syncMembers(ctx, "")
		s.tryStart(ctx)

	case membershipChanged:
		left := ""
		if msg.ev.Kind == pubsub.KindMemberLeft && msg.ev.Role == string(battle.RoleParticipant) {
			left = msg.ev.UserID
		}
		s.syncMembers(ctx, left)
		s.tryStart(ctx)

	case timerTick:
		s.tick(ctx)

	case timerExpired:
		s.expire(ctx)

	case closeVoting:
		s.votingOpen = false
		s.emitState(ctx)
		s.checkIdle()

	case idleCheck:
		s.idleTimer = nil
		if s.idle() {
			s.log.Info("battle idle, releasing session")
			go s.deps.OnIdle(s.id)
		}
	}
}

func (s *Session) withOp(fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(s.ctx, s.deps.OpTimeout)
	defer cancel()
	fn(ctx)
}

// post delivers a message from a callback goroutine unless the session is gone.
func (s *Session) post(m Msg) {
	select {
	case s.inbox <- m:
	case <-s.ctx.Done():
	}
}

func (s *Session) shutdown() {
	s.subs.Unsubscribe()
	s.deps.Clock.Cancel(s.timer)
	s.timer = nil
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.stopIdle()
	s.deps.Gate.Forget(s.id)
	s.deps.Turns.Forget(s.id)
	for id, ch := range s.watchers {
		close(ch)
		delete(s.watchers, id)
	}
	s.cancel()
}

// request sends msg and waits for its reply, giving up with ctx or when the session stops.
func request[T any](ctx context.Context, s *Session, msg Msg, reply chan T) (T, error) {
	var zero T
	select {
	case s.inbox <- msg:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.done:
		return zero, ErrClosed
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.done:
		return zero, ErrClosed
	}
}

func (s *Session) Join(ctx context.Context, userID string, profile battle.Profile, role battle.Role) (battle.Membership, error) {
	reply := make(chan JoinReply, 1)
	r, err := request(ctx, s, Join{UserID: userID, Profile: profile, Role: role, Reply: reply}, reply)
	if err != nil {
		return battle.Membership{}, err
	}
	return r.Membership, r.Err
}

func (s *Session) Leave(ctx context.Context, userID string) error {
	reply := make(chan error, 1)
	r, err := request(ctx, s, Leave{UserID: userID, Reply: reply}, reply)
	if err != nil {
		return err
	}
	return r
}

func (s *Session) ConfirmReady(ctx context.Context, userID string) error {
	reply := make(chan error, 1)
	r, err := request(ctx, s, ConfirmReady{UserID: userID, Reply: reply}, reply)
	if err != nil {
		return err
	}
	return r
}

func (s *Session) SubmitTurn(ctx context.Context, userID, content string) error {
	reply := make(chan error, 1)
	r, err := request(ctx, s, SubmitTurn{UserID: userID, Content: content, Reply: reply}, reply)
	if err != nil {
		return err
	}
	return r
}

func (s *Session) CastVote(ctx context.Context, voterID, votedForID string, score int) error {
	reply := make(chan error, 1)
	r, err := request(ctx, s, CastVote{VoterID: voterID, VotedForID: votedForID, Score: score, Reply: reply}, reply)
	if err != nil {
		return err
	}
	return r
}

func (s *Session) State(ctx context.Context) (types.BattleState, error) {
	reply := make(chan StateReply, 1)
	r, err := request(ctx, s, GetState{Reply: reply}, reply)
	if err != nil {
		return types.BattleState{}, err
	}
	return r.State, r.Err
}

// Watch subscribes outbox to this battle's events. The session closes outbox when it stops
// or when the watcher falls behind.
func (s *Session) Watch(ctx context.Context, clientID string, outbox chan types.ServerEvent) error {
	select {
	case s.inbox <- Watch{ClientID: clientID, Outbox: outbox}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

func (s *Session) Unwatch(clientID string) {
	select {
	case s.inbox <- Unwatch{ClientID: clientID}:
	case <-s.done:
	}
}

// Stop shuts the actor down and waits for it.
func (s *Session) Stop() {
	select {
	case s.inbox <- Shutdown{}:
	case <-s.done:
	}
	<-s.done
}
