package turns

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/roast-battle-backend/internal/battle"
)

type fixedParticipants map[string][]battle.Participant

func (f fixedParticipants) ListParticipants(_ context.Context, battleID string) ([]battle.Participant, error) {
	return f[battleID], nil
}

func seats(battleID string, n int) []battle.Participant {
	out := make([]battle.Participant, n)
	for i := range out {
		out[i] = battle.Participant{BattleID: battleID, UserID: fmt.Sprintf("u%d", i)}
	}
	return out
}

func TestAdvance_NCallsReturnToStart(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4} {
		t.Run(fmt.Sprintf("%d participants", n), func(t *testing.T) {
			ctx := context.Background()
			s := New(fixedParticipants{"b1": seats("b1", n)})

			start, err := s.CurrentTurnUserID(ctx, "b1")
			require.NoError(t, err)
			assert.Equal(t, "u0", start)

			completed := 0
			for i := 0; i < n; i++ {
				adv, err := s.Advance(ctx, "b1")
				require.NoError(t, err)
				if adv.RoundCompleted {
					completed++
				}
			}
			assert.Equal(t, 1, completed)

			current, err := s.CurrentTurnUserID(ctx, "b1")
			require.NoError(t, err)
			assert.Equal(t, start, current)
		})
	}
}

func TestAdvance_StrictAlternation(t *testing.T) {
	ctx := context.Background()
	s := New(fixedParticipants{"b1": seats("b1", 2)})

	adv, err := s.Advance(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, Advance{NextUserID: "u1"}, adv)

	ok, err := s.IsTurn(ctx, "b1", "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	adv, err = s.Advance(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, Advance{NextUserID: "u0", RoundCompleted: true}, adv)
}

func TestBattlesAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := New(fixedParticipants{"a": seats("a", 2), "b": seats("b", 2)})

	_, err := s.Advance(ctx, "a")
	require.NoError(t, err)

	cur, err := s.CurrentTurnUserID(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "u0", cur)
}

func TestNoParticipants(t *testing.T) {
	s := New(fixedParticipants{})
	_, err := s.Advance(context.Background(), "b1")
	assert.ErrorIs(t, err, ErrNoParticipants)

	ok, err := s.IsTurn(context.Background(), "b1", "u0")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCursorSurvivesShrinkingSeats(t *testing.T) {
	ctx := context.Background()
	f := fixedParticipants{"b1": seats("b1", 3)}
	s := New(f)

	_, _ = s.Advance(ctx, "b1")
	_, _ = s.Advance(ctx, "b1") // cursor on u2
	f["b1"] = f["b1"][:2]

	cur, err := s.CurrentTurnUserID(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "u0", cur)

	s.Reset("b1")
	cur, _ = s.CurrentTurnUserID(ctx, "b1")
	assert.Equal(t, "u0", cur)
}
