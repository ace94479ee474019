package membership

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/roast-battle-backend/internal/battle"
	"github.com/DoyleJ11/roast-battle-backend/internal/pubsub"
	"github.com/DoyleJ11/roast-battle-backend/internal/store/memory"
)

func setup(t *testing.T, allowSpectators bool) (*Registry, *pubsub.Memory) {
	t.Helper()
	st := memory.New()
	b := battle.New("b1", "creator", "ABC123", battle.Config{
		Title: "roast", Visibility: battle.VisibilityPublic, RoundCount: 3, SecondsPerTurn: 60, AllowSpectators: allowSpectators,
	}, time.Now())
	require.NoError(t, st.CreateBattle(context.Background(), b))

	feed := pubsub.NewMemory(zap.NewNop())
	return New(st, feed, zap.NewNop()), feed
}

func TestJoin_ThirdUserBecomesSpectator(t *testing.T) {
	r, _ := setup(t, true)
	ctx := context.Background()

	for _, u := range []string{"alice", "bob"} {
		m, err := r.Join(ctx, "b1", u, battle.Profile{Name: u}, battle.RoleAuto)
		require.NoError(t, err)
		assert.Equal(t, battle.RoleParticipant, m.Role)
	}

	m, err := r.Join(ctx, "b1", "carol", battle.Profile{Name: "carol"}, battle.RoleAuto)
	require.NoError(t, err)
	assert.Equal(t, battle.RoleSpectator, m.Role)

	ps, err := r.ListParticipants(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, ps, 2)
}

func TestJoin_SpectatingDisabledRejectsOverflow(t *testing.T) {
	r, _ := setup(t, false)
	ctx := context.Background()

	_, err := r.Join(ctx, "b1", "alice", battle.Profile{}, battle.RoleAuto)
	require.NoError(t, err)
	_, err = r.Join(ctx, "b1", "bob", battle.Profile{}, battle.RoleAuto)
	require.NoError(t, err)

	_, err = r.Join(ctx, "b1", "carol", battle.Profile{}, battle.RoleAuto)
	assert.ErrorIs(t, err, battle.ErrSpectatingDisabled)
	assert.ErrorIs(t, err, battle.ErrBattleFull)

	_, err = r.Join(ctx, "b1", "dave", battle.Profile{}, battle.RoleSpectator)
	assert.ErrorIs(t, err, battle.ErrSpectatingDisabled)
	assert.NotErrorIs(t, err, battle.ErrBattleFull)
}

func TestJoin_IsIdempotent(t *testing.T) {
	r, _ := setup(t, true)
	ctx := context.Background()

	first, err := r.Join(ctx, "b1", "alice", battle.Profile{}, battle.RoleAuto)
	require.NoError(t, err)
	assert.False(t, first.Existing)

	again, err := r.Join(ctx, "b1", "alice", battle.Profile{}, battle.RoleSpectator)
	require.NoError(t, err)
	assert.True(t, again.Existing)
	assert.Equal(t, battle.RoleParticipant, again.Role)

	ps, _ := r.ListParticipants(ctx, "b1")
	ss, _ := r.ListSpectators(ctx, "b1")
	assert.Len(t, ps, 1)
	assert.Empty(t, ss)
}

func TestJoin_UnknownBattle(t *testing.T) {
	r, _ := setup(t, true)
	_, err := r.Join(context.Background(), "nope", "alice", battle.Profile{}, battle.RoleAuto)
	assert.ErrorIs(t, err, battle.ErrBattleNotFound)
}

func TestJoin_SpectatorPromotedWhenSeatFrees(t *testing.T) {
	r, _ := setup(t, true)
	ctx := context.Background()

	for _, u := range []string{"alice", "bob", "carol"} {
		_, err := r.Join(ctx, "b1", u, battle.Profile{}, battle.RoleAuto)
		require.NoError(t, err)
	}
	left, err := r.Leave(ctx, "b1", "bob")
	require.NoError(t, err)
	assert.Equal(t, battle.RoleParticipant, left.Role)

	// auto re-join keeps the existing role
	m, err := r.Join(ctx, "b1", "carol", battle.Profile{}, battle.RoleAuto)
	require.NoError(t, err)
	assert.Equal(t, battle.RoleSpectator, m.Role)

	m, err = r.Join(ctx, "b1", "carol", battle.Profile{}, battle.RoleParticipant)
	require.NoError(t, err)
	assert.Equal(t, battle.RoleParticipant, m.Role)

	role, err := r.Role(ctx, "b1", "carol")
	require.NoError(t, err)
	assert.Equal(t, battle.RoleParticipant, role)
	ss, _ := r.ListSpectators(ctx, "b1")
	assert.Empty(t, ss)
}

func TestJoinLeave_PublishChanges(t *testing.T) {
	r, _ := setup(t, true)
	ctx := context.Background()

	events := make(chan pubsub.Event, 4)
	sub, err := r.Subscribe("b1", func(ev pubsub.Event) { events <- ev })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = r.Join(ctx, "b1", "alice", battle.Profile{}, battle.RoleAuto)
	require.NoError(t, err)
	_, err = r.Leave(ctx, "b1", "alice")
	require.NoError(t, err)
	// not a member any more: no event
	_, err = r.Leave(ctx, "b1", "alice")
	require.NoError(t, err)

	var kinds []pubsub.Kind
	timeout := time.After(time.Second)
	for len(kinds) < 2 {
		select {
		case ev := <-events:
			kinds = append(kinds, ev.Kind)
		case <-timeout:
			t.Fatalf("timed out, got %v", kinds)
		}
	}
	assert.Equal(t, []pubsub.Kind{pubsub.KindMemberJoined, pubsub.KindMemberLeft}, kinds)
}
