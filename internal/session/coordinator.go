package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/roast-battle-backend/internal/battle"
	"github.com/DoyleJ11/roast-battle-backend/internal/engine"
	"github.com/DoyleJ11/roast-battle-backend/internal/pubsub"
	"github.com/DoyleJ11/roast-battle-backend/internal/store"
	"github.com/DoyleJ11/roast-battle-backend/pkg/types"
)

func (s *Session) start() {
	ctx, cancel := context.WithTimeout(s.ctx, s.deps.OpTimeout)
	defer cancel()

	// The gate may call back while the actor is inside ConfirmReady.
	gateSub, err := s.deps.Gate.Subscribe(s.id, func() { go s.post(allReady{}) })
	if err != nil {
		s.log.Error("failed to subscribe to readiness", zap.Error(err))
	} else {
		s.subs = append(s.subs, gateSub)
	}
	feedSub, err := s.deps.Members.Subscribe(s.id, func(ev pubsub.Event) { s.post(membershipChanged{ev: ev}) })
	if err != nil {
		s.log.Error("failed to subscribe to membership changes", zap.Error(err))
	} else {
		s.subs = append(s.subs, feedSub)
	}

	switch s.state.Lifecycle {
	case battle.LifecycleActive:
		// The turn cursor is not persisted; a restored battle restarts its round at the first seat.
		if s.state.Round < 1 {
			s.state.Round = 1
		}
		s.deps.Turns.Reset(s.id)
		s.startClock()
	case battle.LifecycleCompleted:
		s.completedAt = s.battle.UpdatedAt
		s.finalists = s.participantIDs(ctx)
		s.openVoting(s.completedAt.Add(s.deps.VoteGrace).Sub(s.deps.Now()))
	}

	s.syncMembers(ctx, "")
	s.tryStart(ctx)
}

func (s *Session) join(ctx context.Context, msg Join) (battle.Membership, error) {
	role := msg.Role
	if s.state.Lifecycle == battle.LifecycleActive || s.state.Lifecycle == battle.LifecycleCompleted {
		// Seats are locked once the battle starts; newcomers can only watch.
		if role == battle.RoleParticipant {
			current, err := s.deps.Members.Role(ctx, s.id, msg.UserID)
			if err != nil {
				return battle.Membership{}, err
			}
			if current != battle.RoleParticipant {
				return battle.Membership{}, fmt.Errorf("%w: battle already started", battle.ErrInvalidTransition)
			}
		}
		role = battle.RoleSpectator
	}

	m, err := s.deps.Members.Join(ctx, s.id, msg.UserID, msg.Profile, role)
	if err != nil {
		return m, err
	}
	if m.Existing {
		return m, nil
	}

	s.log.Info("member joined", zap.String("user_id", m.UserID), zap.String("role", string(m.Role)))
	if m.Role == battle.RoleParticipant {
		s.syncMembers(ctx, "")
	}
	s.emitState(ctx)
	return m, nil
}

func (s *Session) leave(ctx context.Context, userID string) error {
	wasTurn := false
	if s.state.Lifecycle == battle.LifecycleActive {
		wasTurn, _ = s.deps.Turns.IsTurn(ctx, s.id, userID)
	}

	m, err := s.deps.Members.Leave(ctx, s.id, userID)
	if err != nil {
		return err
	}
	switch m.Role {
	case "":
		return nil
	case battle.RoleSpectator:
		s.emitState(ctx)
		return nil
	}

	s.log.Info("participant left", zap.String("user_id", userID), zap.String("lifecycle", string(s.state.Lifecycle)))
	s.syncMembers(ctx, userID)
	if s.state.Lifecycle == battle.LifecycleActive && wasTurn {
		s.startClock()
		s.emitTurn(ctx)
	}
	s.emitState(ctx)
	return nil
}

func (s *Session) confirmReady(ctx context.Context, userID string) error {
	switch s.state.Lifecycle {
	case battle.LifecycleActive, battle.LifecycleCompleted:
		return fmt.Errorf("%w: battle already started", battle.ErrInvalidTransition)
	}
	if err := s.deps.Gate.ConfirmReady(ctx, s.id, userID); err != nil {
		return err
	}
	s.emitState(ctx)
	s.tryStart(ctx)
	return nil
}

func (s *Session) submitTurn(ctx context.Context, msg SubmitTurn) error {
	switch s.state.Lifecycle {
	case battle.LifecycleActive:
	case battle.LifecycleCompleted:
		return fmt.Errorf("%w: battle is over", battle.ErrInvalidTransition)
	default:
		return fmt.Errorf("%w: battle has not started", battle.ErrInvalidTransition)
	}

	role, err := s.deps.Members.Role(ctx, s.id, msg.UserID)
	if err != nil {
		return err
	}
	if role != battle.RoleParticipant {
		return battle.ErrNotParticipant
	}
	ok, err := s.deps.Turns.IsTurn(ctx, s.id, msg.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return battle.ErrNotYourTurn
	}

	s.emit(types.ServerEvent{
		Type:    types.EventTurnSubmitted,
		UserID:  msg.UserID,
		Round:   s.state.Round,
		Content: msg.Content,
	}, true)
	s.endTurn(ctx)
	return nil
}

func (s *Session) castVote(ctx context.Context, msg CastVote) error {
	switch s.state.Lifecycle {
	case battle.LifecycleActive:
	case battle.LifecycleCompleted:
		if !s.votingOpen {
			return battle.ErrVotingClosed
		}
	default:
		return fmt.Errorf("%w: voting opens when the battle starts", battle.ErrInvalidTransition)
	}

	role, err := s.deps.Members.Role(ctx, s.id, msg.VoterID)
	if err != nil {
		return err
	}
	if role == "" {
		return battle.ErrNotMember
	}
	if !slices.Contains(s.candidates(ctx), msg.VotedForID) {
		return fmt.Errorf("%w: %s is not competing", battle.ErrInvalidVote, msg.VotedForID)
	}

	if err := s.deps.Votes.CastVote(ctx, s.id, msg.VoterID, msg.VotedForID, msg.Score); err != nil {
		return err
	}
	s.deps.Metrics.VotesCast.Inc()

	s.emit(types.ServerEvent{
		Type:       types.EventVoteCast,
		UserID:     msg.VoterID,
		VotedForID: msg.VotedForID,
		Scores:     s.scores(ctx),
	}, true)
	return nil
}

// syncMembers feeds the current seat count to the engine. With fewer than two seats left in
// an active battle the remaining participant wins by forfeit.
func (s *Session) syncMembers(ctx context.Context, leaver string) {
	ps, err := s.deps.Members.ListParticipants(ctx, s.id)
	if err != nil {
		s.log.Warn("failed to list participants", zap.Error(err))
		return
	}

	prev := s.state
	events, next, err := engine.Apply(s.state, engine.Command{Type: engine.CmdParticipantsChanged, Participants: len(ps)})
	if err != nil {
		s.log.Warn("ignoring participant change", zap.Error(err))
		return
	}
	s.state = next
	if engine.ContainsEvent(events, engine.EvtBattleReady) {
		s.persist(ctx, prev.Lifecycle, next.Lifecycle, next.Round)
		s.emitLifecycle(ctx)
	}

	if s.state.Lifecycle == battle.LifecycleActive && len(ps) < battle.MinParticipants {
		s.forfeit(ctx, leaver)
	}
}

func (s *Session) tryStart(ctx context.Context) {
	if s.state.Lifecycle != battle.LifecycleReady {
		return
	}
	ok, err := s.deps.Gate.IsAllReady(ctx, s.id)
	if err != nil {
		s.log.Warn("failed to check readiness", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	prev := s.state
	events, next, err := engine.Apply(s.state, engine.Command{Type: engine.CmdAllReady})
	if err != nil {
		s.log.Warn("ignoring all-ready", zap.Error(err))
		return
	}
	if len(events) == 0 {
		return
	}
	s.state = next
	s.persist(ctx, prev.Lifecycle, next.Lifecycle, next.Round)

	s.deps.Turns.Reset(s.id)
	s.startClock()
	s.emitLifecycle(ctx)
	s.emitTurn(ctx)
}

func (s *Session) expire(ctx context.Context) {
	// A submit or reset may have beaten the expiry through the inbox.
	if s.state.Lifecycle != battle.LifecycleActive || s.timer == nil || !s.timer.Expired() {
		return
	}
	s.deps.Metrics.TurnExpiries.Inc()
	s.log.Debug("turn expired", zap.Int("round", s.state.Round))
	s.endTurn(ctx)
}

func (s *Session) endTurn(ctx context.Context) {
	adv, err := s.deps.Turns.Advance(ctx, s.id)
	if err != nil {
		s.log.Warn("failed to advance turn", zap.Error(err))
		return
	}

	prev := s.state
	events, next, err := engine.Apply(s.state, engine.Command{Type: engine.CmdTurnEnded, RoundCompleted: adv.RoundCompleted})
	if err != nil {
		s.log.Warn("ignoring turn end", zap.Error(err))
		return
	}
	s.state = next

	if engine.ContainsEvent(events, engine.EvtBattleCompleted) {
		s.persist(ctx, prev.Lifecycle, next.Lifecycle, next.Round)
		s.complete(ctx)
		return
	}
	if next.Round != prev.Round {
		s.persist(ctx, prev.Lifecycle, next.Lifecycle, next.Round)
	}
	s.startClock()
	s.emitTurn(ctx)
}

func (s *Session) forfeit(ctx context.Context, userID string) {
	prev := s.state
	events, next, err := engine.Apply(s.state, engine.Command{Type: engine.CmdForfeit, UserID: userID})
	if err != nil {
		s.log.Warn("ignoring forfeit", zap.Error(err))
		return
	}
	if len(events) == 0 {
		return
	}
	s.state = next
	s.log.Info("battle forfeited", zap.String("user_id", userID), zap.Int("round", next.Round))
	s.persist(ctx, prev.Lifecycle, next.Lifecycle, next.Round)
	s.complete(ctx)
}

func (s *Session) complete(ctx context.Context) {
	s.deps.Clock.Cancel(s.timer)
	s.timer = nil
	s.completedAt = s.deps.Now()
	s.finalists = s.participantIDs(ctx)
	s.openVoting(s.deps.VoteGrace)
	s.emitLifecycle(ctx)
}

func (s *Session) openVoting(window time.Duration) {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	if window <= 0 {
		s.votingOpen = false
		s.checkIdle()
		return
	}
	s.votingOpen = true
	s.graceTimer = time.AfterFunc(window, func() { s.post(closeVoting{}) })
}

// idle reports whether nothing can change this battle's outcome and nobody is looking.
func (s *Session) idle() bool {
	return s.state.Lifecycle == battle.LifecycleCompleted && !s.votingOpen && len(s.watchers) == 0
}

// checkIdle arms the linger timer; a new watcher disarms it.
func (s *Session) checkIdle() {
	if s.deps.OnIdle == nil || s.idleTimer != nil || !s.idle() {
		return
	}
	s.idleTimer = time.AfterFunc(s.deps.IdleLinger, func() { s.post(idleCheck{}) })
}

func (s *Session) stopIdle() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

// startClock runs the countdown for the current turn, reusing the battle's handle.
func (s *Session) startClock() {
	secs := s.battle.SecondsPerTurn
	if s.timer != nil {
		s.deps.Clock.Reset(s.timer, secs)
		return
	}
	s.timer = s.deps.Clock.Start(secs,
		func(int) { s.post(timerTick{}) },
		func() { s.post(timerExpired{}) },
	)
}

func (s *Session) tick(ctx context.Context) {
	if s.state.Lifecycle != battle.LifecycleActive || s.timer == nil {
		return
	}
	current, _ := s.deps.Turns.CurrentTurnUserID(ctx, s.id)
	ev := types.ServerEvent{
		Type:          types.EventTimerTick,
		UserID:        current,
		Round:         s.state.Round,
		TimeRemaining: s.timer.Remaining(),
	}
	s.emit(ev, false)
	s.mirror(ctx, pubsub.KindTimerTick, ev)
}

// reconcile re-reads the battle and its seats without relying on the event stream.
func (s *Session) reconcile(ctx context.Context) {
	b, err := s.deps.Store.GetBattle(ctx, s.id)
	if errors.Is(err, store.ErrNotFound) {
		s.log.Info("battle no longer stored, stopping session")
		s.cancel()
		return
	}
	if err != nil {
		s.log.Warn("failed to reload battle", zap.Error(err))
		return
	}

	switch {
	case s.state.Lifecycle.Before(b.Lifecycle):
		s.adopt(ctx, b)
	case b.Lifecycle.Before(s.state.Lifecycle) || b.CurrentRound < s.state.Round:
		// An earlier write was lost; push ours again.
		if err := s.deps.Store.UpdateLifecycle(ctx, s.id, b.Lifecycle, s.state.Lifecycle, s.state.Round); err != nil {
			s.log.Warn("failed to repair stored lifecycle", zap.Error(err))
		}
	case b.CurrentRound > s.state.Round:
		s.adoptRound(ctx, b.CurrentRound)
	}

	s.syncMembers(ctx, "")
	s.tryStart(ctx)
}

// adopt moves forward to a lifecycle another process already stored.
func (s *Session) adopt(ctx context.Context, b battle.Battle) {
	s.log.Info("adopting stored lifecycle",
		zap.String("from", string(s.state.Lifecycle)),
		zap.String("to", string(b.Lifecycle)),
		zap.Int("round", b.CurrentRound),
	)
	s.state.Lifecycle = b.Lifecycle
	s.state.Round = b.CurrentRound

	switch b.Lifecycle {
	case battle.LifecycleActive:
		s.deps.Turns.Reset(s.id)
		s.startClock()
		s.emitLifecycle(ctx)
		s.emitTurn(ctx)
	case battle.LifecycleCompleted:
		s.complete(ctx)
	default:
		s.emitLifecycle(ctx)
	}
}

// adoptRound catches up with a round another process already moved on to.
func (s *Session) adoptRound(ctx context.Context, round int) {
	s.log.Info("adopting stored round", zap.Int("from", s.state.Round), zap.Int("to", round))
	s.state.Round = round
	if s.state.Lifecycle != battle.LifecycleActive {
		return
	}
	s.deps.Turns.Reset(s.id)
	s.startClock()
	s.emitTurn(ctx)
	s.emitState(ctx)
}

func (s *Session) persist(ctx context.Context, from, to battle.Lifecycle, round int) {
	if from != to && !from.Next(to) {
		s.log.Error("refusing to store a lifecycle jump", zap.String("from", string(from)), zap.String("to", string(to)))
		return
	}
	if from != to {
		s.deps.Metrics.Transition(string(to))
		s.log.Info("lifecycle changed", zap.String("from", string(from)), zap.String("to", string(to)), zap.Int("round", round))
	}

	err := s.deps.Store.UpdateLifecycle(ctx, s.id, from, to, round)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrConflict):
		s.log.Warn("stored lifecycle moved concurrently, will reconcile", zap.String("expected", string(from)))
	default:
		s.log.Error("failed to persist lifecycle", zap.Error(err))
	}
}

func (s *Session) emit(ev types.ServerEvent, bump bool) {
	if bump {
		s.version++
	}
	ev.BattleID = s.id
	ev.Version = s.version
	if ev.State != nil {
		ev.State.Version = s.version
	}
	for id := range s.watchers {
		s.sendTo(id, ev)
	}
}

func (s *Session) sendTo(clientID string, ev types.ServerEvent) {
	ch, ok := s.watchers[clientID]
	if !ok {
		return
	}
	if ev.BattleID == "" {
		ev.BattleID = s.id
		ev.Version = s.version
	}
	select {
	case ch <- ev:
	default:
		// Slow watcher: it reconnects and gets a fresh state.
		close(ch)
		delete(s.watchers, clientID)
		s.log.Info("dropped slow watcher", zap.String("client_id", clientID))
	}
}

func (s *Session) emitState(ctx context.Context) {
	st, err := s.view(ctx)
	if err != nil {
		s.log.Warn("failed to build state", zap.Error(err))
		return
	}
	s.emit(types.ServerEvent{Type: types.EventState, State: &st}, true)
}

func (s *Session) emitLifecycle(ctx context.Context) {
	ev := types.ServerEvent{
		Type:      types.EventLifecycle,
		Lifecycle: string(s.state.Lifecycle),
		Round:     s.state.Round,
	}
	if st, err := s.view(ctx); err == nil {
		ev.State = &st
	} else {
		s.log.Warn("failed to build state", zap.Error(err))
	}
	s.emit(ev, true)
	s.mirror(ctx, pubsub.KindLifecycle, ev)
}

func (s *Session) emitTurn(ctx context.Context) {
	current, err := s.deps.Turns.CurrentTurnUserID(ctx, s.id)
	if err != nil {
		s.log.Warn("failed to read current turn", zap.Error(err))
		return
	}
	ev := types.ServerEvent{
		Type:   types.EventTurnAdvanced,
		UserID: current,
		Round:  s.state.Round,
	}
	if s.timer != nil {
		ev.TimeRemaining = s.timer.Remaining()
	}
	s.emit(ev, true)
}

// mirror copies an event to the broadcast channel for processes without this actor.
func (s *Session) mirror(ctx context.Context, kind pubsub.Kind, ev types.ServerEvent) {
	if s.deps.Broadcast == nil {
		return
	}
	ev.BattleID = s.id
	ev.Version = s.version
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Warn("failed to encode broadcast", zap.Error(err))
		return
	}
	out := pubsub.Event{Kind: kind, BattleID: s.id, Data: data, At: s.deps.Now()}
	if err := s.deps.Broadcast.Publish(ctx, pubsub.BroadcastTopic(s.id), out); err != nil {
		s.log.Warn("failed to broadcast", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (s *Session) participantIDs(ctx context.Context) []string {
	ps, err := s.deps.Members.ListParticipants(ctx, s.id)
	if err != nil {
		s.log.Warn("failed to list participants", zap.Error(err))
		return nil
	}
	ids := make([]string, len(ps))
	for i, p := range ps {
		ids[i] = p.UserID
	}
	return ids
}

// candidates are who a vote may target: the current seats, or the finalists once completed.
func (s *Session) candidates(ctx context.Context) []string {
	if s.state.Lifecycle == battle.LifecycleCompleted {
		return s.finalists
	}
	return s.participantIDs(ctx)
}

func (s *Session) scores(ctx context.Context) map[string]int {
	res, err := s.deps.Votes.Tally(ctx, s.id, s.candidates(ctx))
	if err != nil {
		s.log.Warn("failed to tally votes", zap.Error(err))
		return nil
	}
	return res.Scores
}
