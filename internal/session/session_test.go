package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/roast-battle-backend/internal/battle"
	"github.com/DoyleJ11/roast-battle-backend/internal/clock"
	"github.com/DoyleJ11/roast-battle-backend/internal/membership"
	"github.com/DoyleJ11/roast-battle-backend/internal/metrics"
	"github.com/DoyleJ11/roast-battle-backend/internal/pubsub"
	"github.com/DoyleJ11/roast-battle-backend/internal/readiness"
	"github.com/DoyleJ11/roast-battle-backend/internal/store/memory"
	"github.com/DoyleJ11/roast-battle-backend/internal/turns"
	"github.com/DoyleJ11/roast-battle-backend/internal/votes"
	"github.com/DoyleJ11/roast-battle-backend/pkg/types"
)

type harness struct {
	st   *memory.Store
	deps Deps
	sess *Session
}

func testDeps(st *memory.Store) Deps {
	log := zap.NewNop()
	feed := pubsub.NewMemory(log)
	live := pubsub.NewMemory(log)
	members := membership.New(st, feed, log)
	return Deps{
		Store:             st,
		Members:           members,
		Gate:              readiness.New(members, st, live, log),
		Turns:             turns.New(members),
		Votes:             votes.New(st, members),
		Clock:             clock.New(clock.WithTick(10 * time.Millisecond)),
		Broadcast:         live,
		Metrics:           metrics.New(),
		Log:               log,
		VoteGrace:         time.Minute,
		ReconcileInterval: time.Hour,
	}
}

func roastConfig(rounds, secondsPerTurn int) battle.Config {
	return battle.Config{
		Title:           "friday roast",
		Visibility:      battle.VisibilityPublic,
		RoundCount:      rounds,
		SecondsPerTurn:  secondsPerTurn,
		AllowSpectators: true,
	}
}

func newHarness(t *testing.T, cfg battle.Config, tweak ...func(*Deps)) *harness {
	t.Helper()
	st := memory.New()
	deps := testDeps(st)
	for _, fn := range tweak {
		fn(&deps)
	}

	b := battle.New("b1", "creator", "ABC123", cfg, time.Now())
	require.NoError(t, st.CreateBattle(context.Background(), b))

	sess := New(context.Background(), b, deps)
	t.Cleanup(sess.Stop)
	return &harness{st: st, deps: deps, sess: sess}
}

func (h *harness) watch(t *testing.T) <-chan types.ServerEvent {
	t.Helper()
	out := make(chan types.ServerEvent, 256)
	require.NoError(t, h.sess.Watch(context.Background(), "watcher", out))
	first := recvEvent(t, out, time.Second)
	require.Equal(t, types.EventState, first.Type)
	return out
}

func (h *harness) join(t *testing.T, users ...string) {
	t.Helper()
	for _, u := range users {
		_, err := h.sess.Join(context.Background(), u, battle.Profile{Name: u}, battle.RoleAuto)
		require.NoError(t, err)
	}
}

// startBattle seats alice and bob and has both confirm.
func (h *harness) startBattle(t *testing.T) {
	t.Helper()
	h.join(t, "alice", "bob")
	require.NoError(t, h.sess.ConfirmReady(context.Background(), "alice"))
	require.NoError(t, h.sess.ConfirmReady(context.Background(), "bob"))
}

func (h *harness) state(t *testing.T) types.BattleState {
	t.Helper()
	st, err := h.sess.State(context.Background())
	require.NoError(t, err)
	return st
}

// helper: receive one event with a timeout so tests never hang
func recvEvent(t *testing.T, ch <-chan types.ServerEvent, within time.Duration) types.ServerEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("watcher outbox closed unexpectedly")
		}
		return ev
	case <-time.After(within):
		t.Fatalf("timed out waiting for event")
		return types.ServerEvent{}
	}
}

// waitFor skips events until one matches.
func waitFor(t *testing.T, ch <-chan types.ServerEvent, within time.Duration, match func(types.ServerEvent) bool) types.ServerEvent {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("watcher outbox closed unexpectedly")
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for matching event")
			return types.ServerEvent{}
		}
	}
}

func lifecycleIs(l battle.Lifecycle) func(types.ServerEvent) bool {
	return func(ev types.ServerEvent) bool {
		return ev.Type == types.EventLifecycle && ev.Lifecycle == string(l)
	}
}

func TestSession_TwoParticipantsMakeItReady(t *testing.T) {
	h := newHarness(t, roastConfig(3, 1000))
	out := h.watch(t)

	h.join(t, "alice")
	assert.Equal(t, string(battle.LifecycleWaiting), h.state(t).Lifecycle)

	h.join(t, "bob")
	ev := waitFor(t, out, time.Second, lifecycleIs(battle.LifecycleReady))
	require.NotNil(t, ev.State)
	assert.Len(t, ev.State.Participants, 2)

	stored, err := h.st.GetBattle(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, battle.LifecycleReady, stored.Lifecycle)
}

func TestSession_ThirdJoinerSpectates(t *testing.T) {
	h := newHarness(t, roastConfig(3, 1000))
	h.join(t, "alice", "bob")

	m, err := h.sess.Join(context.Background(), "carol", battle.Profile{Name: "carol"}, battle.RoleAuto)
	require.NoError(t, err)
	assert.Equal(t, battle.RoleSpectator, m.Role)

	st := h.state(t)
	assert.Len(t, st.Participants, 2)
	assert.Equal(t, 1, st.SpectatorCount)
}

func TestSession_AllReadyStartsBattle(t *testing.T) {
	h := newHarness(t, roastConfig(3, 1000))
	out := h.watch(t)
	ctx := context.Background()

	h.join(t, "alice", "bob")
	require.NoError(t, h.sess.ConfirmReady(ctx, "alice"))
	assert.ErrorIs(t, h.sess.ConfirmReady(ctx, "alice"), battle.ErrDuplicateConfirmation)
	assert.Equal(t, string(battle.LifecycleReady), h.state(t).Lifecycle)

	require.NoError(t, h.sess.ConfirmReady(ctx, "bob"))
	ev := waitFor(t, out, time.Second, lifecycleIs(battle.LifecycleActive))
	assert.Equal(t, 1, ev.Round)

	turn := waitFor(t, out, time.Second, func(ev types.ServerEvent) bool { return ev.Type == types.EventTurnAdvanced })
	assert.Equal(t, "alice", turn.UserID)

	st := h.state(t)
	assert.Equal(t, "alice", st.CurrentTurnUserID)
	assert.Equal(t, 1, st.CurrentRound)
	assert.Greater(t, st.TimeRemaining, 0)

	// a late all-ready is ignored
	assert.ErrorIs(t, h.sess.ConfirmReady(ctx, "bob"), battle.ErrInvalidTransition)
	assert.Equal(t, string(battle.LifecycleActive), h.state(t).Lifecycle)
}

func TestSession_ConfirmRequiresParticipant(t *testing.T) {
	h := newHarness(t, roastConfig(3, 1000))
	h.join(t, "alice", "bob", "carol")

	assert.ErrorIs(t, h.sess.ConfirmReady(context.Background(), "carol"), battle.ErrNotParticipant)
}

func TestSession_SubmitTurnEnforcesOrder(t *testing.T) {
	h := newHarness(t, roastConfig(3, 1000))
	ctx := context.Background()

	assert.ErrorIs(t, h.sess.SubmitTurn(ctx, "alice", "too early"), battle.ErrInvalidTransition)

	h.join(t, "alice", "bob", "carol")
	require.NoError(t, h.sess.ConfirmReady(ctx, "alice"))
	require.NoError(t, h.sess.ConfirmReady(ctx, "bob"))
	out := h.watch(t)

	assert.ErrorIs(t, h.sess.SubmitTurn(ctx, "bob", "me first"), battle.ErrNotYourTurn)
	assert.ErrorIs(t, h.sess.SubmitTurn(ctx, "carol", "heckle"), battle.ErrNotParticipant)

	require.NoError(t, h.sess.SubmitTurn(ctx, "alice", "your jokes are like your code"))
	submitted := waitFor(t, out, time.Second, func(ev types.ServerEvent) bool { return ev.Type == types.EventTurnSubmitted })
	assert.Equal(t, "alice", submitted.UserID)
	assert.Equal(t, "your jokes are like your code", submitted.Content)

	turn := waitFor(t, out, time.Second, func(ev types.ServerEvent) bool { return ev.Type == types.EventTurnAdvanced })
	assert.Equal(t, "bob", turn.UserID)
	assert.Equal(t, 1, turn.Round)

	require.NoError(t, h.sess.SubmitTurn(ctx, "bob", "at least mine compile"))
	turn = waitFor(t, out, time.Second, func(ev types.ServerEvent) bool { return ev.Type == types.EventTurnAdvanced })
	assert.Equal(t, "alice", turn.UserID)
	assert.Equal(t, 2, turn.Round)
}

func TestSession_TimeoutsRunThreeRounds(t *testing.T) {
	h := newHarness(t, roastConfig(3, 1))
	out := h.watch(t)
	h.startBattle(t)

	var users []string
	var rounds []int
	for {
		ev := recvEvent(t, out, 2*time.Second)
		if ev.Type == types.EventTurnAdvanced {
			users = append(users, ev.UserID)
			rounds = append(rounds, ev.Round)
		}
		if lifecycleIs(battle.LifecycleCompleted)(ev) {
			break
		}
	}

	assert.Equal(t, []string{"alice", "bob", "alice", "bob", "alice", "bob"}, users)
	assert.Equal(t, []int{1, 1, 2, 2, 3, 3}, rounds)

	st := h.state(t)
	assert.Equal(t, string(battle.LifecycleCompleted), st.Lifecycle)
	assert.Equal(t, 3, st.CurrentRound)
	assert.Empty(t, st.CurrentTurnUserID)

	stored, err := h.st.GetBattle(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, battle.LifecycleCompleted, stored.Lifecycle)
	assert.Equal(t, 3, stored.CurrentRound)
}

func TestSession_TimerTicksReachWatchers(t *testing.T) {
	h := newHarness(t, roastConfig(1, 3))
	out := h.watch(t)
	h.startBattle(t)

	tick := waitFor(t, out, time.Second, func(ev types.ServerEvent) bool { return ev.Type == types.EventTimerTick })
	assert.Equal(t, "alice", tick.UserID)
	assert.Less(t, tick.TimeRemaining, 3)
}

func TestSession_VotingWindow(t *testing.T) {
	h := newHarness(t, roastConfig(1, 1000), func(d *Deps) { d.VoteGrace = 100 * time.Millisecond })
	ctx := context.Background()
	out := h.watch(t)

	h.join(t, "alice", "bob", "carol")
	assert.ErrorIs(t, h.sess.CastVote(ctx, "carol", "alice", 5), battle.ErrInvalidTransition)

	require.NoError(t, h.sess.ConfirmReady(ctx, "alice"))
	require.NoError(t, h.sess.ConfirmReady(ctx, "bob"))
	waitFor(t, out, time.Second, lifecycleIs(battle.LifecycleActive))

	assert.ErrorIs(t, h.sess.CastVote(ctx, "stranger", "alice", 5), battle.ErrNotMember)
	assert.ErrorIs(t, h.sess.CastVote(ctx, "carol", "carol", 5), battle.ErrInvalidVote)
	assert.ErrorIs(t, h.sess.CastVote(ctx, "carol", "alice", 11), battle.ErrInvalidVote)

	require.NoError(t, h.sess.CastVote(ctx, "carol", "alice", 10))
	vote := waitFor(t, out, time.Second, func(ev types.ServerEvent) bool { return ev.Type == types.EventVoteCast })
	assert.Equal(t, map[string]int{"alice": 10, "bob": 0}, vote.Scores)

	require.NoError(t, h.sess.SubmitTurn(ctx, "alice", "first"))
	require.NoError(t, h.sess.SubmitTurn(ctx, "bob", "second"))
	waitFor(t, out, time.Second, lifecycleIs(battle.LifecycleCompleted))

	// re-vote inside the grace window replaces the earlier one
	require.NoError(t, h.sess.CastVote(ctx, "carol", "bob", 7))
	st := h.state(t)
	assert.Equal(t, map[string]int{"alice": 0, "bob": 7}, st.Scores)
	assert.Equal(t, "bob", st.WinnerID)
	assert.False(t, st.Tie)

	assert.Eventually(t, func() bool {
		return h.sess.CastVote(ctx, "carol", "alice", 1) != nil
	}, time.Second, 20*time.Millisecond)
	assert.ErrorIs(t, h.sess.CastVote(ctx, "carol", "alice", 1), battle.ErrVotingClosed)
	assert.False(t, h.state(t).VotingOpen)
}

func TestSession_TieWhenScoresEqual(t *testing.T) {
	h := newHarness(t, roastConfig(1, 1000))
	ctx := context.Background()
	out := h.watch(t)
	h.startBattle(t)

	require.NoError(t, h.sess.SubmitTurn(ctx, "alice", "a"))
	require.NoError(t, h.sess.SubmitTurn(ctx, "bob", "b"))
	waitFor(t, out, time.Second, lifecycleIs(battle.LifecycleCompleted))

	st := h.state(t)
	assert.True(t, st.Tie)
	assert.Empty(t, st.WinnerID)
}

func TestSession_LeaveDuringActiveForfeits(t *testing.T) {
	h := newHarness(t, roastConfig(3, 1000))
	out := h.watch(t)
	h.startBattle(t)
	waitFor(t, out, time.Second, lifecycleIs(battle.LifecycleActive))

	require.NoError(t, h.sess.Leave(context.Background(), "bob"))
	ev := waitFor(t, out, time.Second, lifecycleIs(battle.LifecycleCompleted))
	require.NotNil(t, ev.State)
	assert.Equal(t, "alice", ev.State.WinnerID)
	assert.Equal(t, "bob", ev.State.ForfeitedBy)

	// leaving twice is harmless
	require.NoError(t, h.sess.Leave(context.Background(), "bob"))
}

func TestSession_IdleOnceVotingClosedAndUnwatched(t *testing.T) {
	idle := make(chan string, 1)
	h := newHarness(t, roastConfig(3, 1000), func(d *Deps) {
		d.VoteGrace = 50 * time.Millisecond
		d.IdleLinger = 10 * time.Millisecond
		d.OnIdle = func(id string) { idle <- id }
	})
	out := h.watch(t)
	h.startBattle(t)
	waitFor(t, out, time.Second, lifecycleIs(battle.LifecycleActive))

	require.NoError(t, h.sess.Leave(context.Background(), "bob"))
	waitFor(t, out, time.Second, lifecycleIs(battle.LifecycleCompleted))
	waitFor(t, out, time.Second, func(ev types.ServerEvent) bool {
		return ev.Type == types.EventState && ev.State != nil && !ev.State.VotingOpen
	})

	// Still watched: the session stays.
	select {
	case id := <-idle:
		t.Fatalf("released %s while a watcher was attached", id)
	case <-time.After(100 * time.Millisecond):
	}

	h.sess.Unwatch("watcher")
	select {
	case id := <-idle:
		assert.Equal(t, "b1", id)
	case <-time.After(time.Second):
		t.Fatal("session never reported idle")
	}
}

func TestSession_LeaveBeforeStartKeepsReady(t *testing.T) {
	h := newHarness(t, roastConfig(3, 1000))
	ctx := context.Background()
	h.join(t, "alice", "bob")
	require.NoError(t, h.sess.ConfirmReady(ctx, "alice"))

	require.NoError(t, h.sess.Leave(ctx, "alice"))
	st := h.state(t)
	assert.Equal(t, string(battle.LifecycleReady), st.Lifecycle)
	assert.Len(t, st.Participants, 1)

	// the replacement must confirm for the battle to start
	h.join(t, "dave")
	require.NoError(t, h.sess.ConfirmReady(ctx, "bob"))
	assert.Equal(t, string(battle.LifecycleReady), h.state(t).Lifecycle)
	require.NoError(t, h.sess.ConfirmReady(ctx, "dave"))
	assert.Equal(t, string(battle.LifecycleActive), h.state(t).Lifecycle)
}

func TestSession_SeatsLockedOnceActive(t *testing.T) {
	h := newHarness(t, roastConfig(3, 1000))
	h.startBattle(t)

	_, err := h.sess.Join(context.Background(), "erin", battle.Profile{}, battle.RoleParticipant)
	assert.ErrorIs(t, err, battle.ErrInvalidTransition)

	m, err := h.sess.Join(context.Background(), "erin", battle.Profile{}, battle.RoleAuto)
	require.NoError(t, err)
	assert.Equal(t, battle.RoleSpectator, m.Role)
}

func TestSession_DropSlowWatcher(t *testing.T) {
	h := newHarness(t, roastConfig(3, 1000))

	out := make(chan types.ServerEvent, 1)
	require.NoError(t, h.sess.Watch(context.Background(), "slow", out))
	h.join(t, "alice", "bob")

	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-out:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestSession_StopClosesWatchersAndTimer(t *testing.T) {
	h := newHarness(t, roastConfig(3, 1))
	out := h.watch(t)
	h.startBattle(t)
	waitFor(t, out, time.Second, lifecycleIs(battle.LifecycleActive))

	h.sess.Stop()
	for {
		select {
		case _, ok := <-out:
			if !ok {
				_, err := h.sess.State(context.Background())
				assert.ErrorIs(t, err, ErrClosed)
				return
			}
		case <-time.After(time.Second):
			t.Fatal("watcher outbox not closed after stop")
		}
	}
}

func TestSession_RestoresActiveBattle(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	b := battle.New("b1", "creator", "ABC123", roastConfig(3, 1000), time.Now())
	require.NoError(t, st.CreateBattle(ctx, b))
	for _, u := range []string{"alice", "bob"} {
		_, err := st.AddParticipant(ctx, battle.Participant{BattleID: "b1", UserID: u}, battle.MaxParticipants)
		require.NoError(t, err)
	}
	require.NoError(t, st.UpdateLifecycle(ctx, "b1", battle.LifecycleWaiting, battle.LifecycleActive, 2))
	b, err := st.GetBattle(ctx, "b1")
	require.NoError(t, err)

	sess := New(ctx, b, testDeps(st))
	defer sess.Stop()

	state, err := sess.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(battle.LifecycleActive), state.Lifecycle)
	assert.Equal(t, 2, state.CurrentRound)
	assert.Equal(t, "alice", state.CurrentTurnUserID)
}

func TestSession_ReconcileAdoptsStoredLifecycle(t *testing.T) {
	h := newHarness(t, roastConfig(3, 1000), func(d *Deps) { d.ReconcileInterval = 20 * time.Millisecond })
	h.startBattle(t)

	// another process finished the battle
	require.NoError(t, h.st.UpdateLifecycle(context.Background(), "b1", battle.LifecycleActive, battle.LifecycleCompleted, 2))

	assert.Eventually(t, func() bool {
		return h.state(t).Lifecycle == string(battle.LifecycleCompleted)
	}, time.Second, 20*time.Millisecond)
}

func TestSession_ReconcileNeverRewindsStoredRound(t *testing.T) {
	h := newHarness(t, roastConfig(5, 1000), func(d *Deps) { d.ReconcileInterval = 20 * time.Millisecond })
	ctx := context.Background()
	h.startBattle(t)
	require.Eventually(t, func() bool {
		return h.state(t).Lifecycle == string(battle.LifecycleActive)
	}, time.Second, 10*time.Millisecond)

	// another process is already two rounds ahead
	require.NoError(t, h.st.UpdateLifecycle(ctx, "b1", battle.LifecycleActive, battle.LifecycleActive, 3))

	require.Eventually(t, func() bool {
		return h.state(t).CurrentRound == 3
	}, time.Second, 10*time.Millisecond)
	st := h.state(t)
	assert.Equal(t, "alice", st.CurrentTurnUserID)

	// a few more reconcile passes must leave the store where it was
	time.Sleep(100 * time.Millisecond)
	b, err := h.st.GetBattle(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 3, b.CurrentRound)
	assert.Equal(t, battle.LifecycleActive, b.Lifecycle)
}
