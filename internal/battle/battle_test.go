package battle

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid",
			cfg:  Config{Title: "Friday roast", Visibility: VisibilityPublic, RoundCount: 3, SecondsPerTurn: 60, AllowSpectators: true},
		},
		{
			name:    "missing title",
			cfg:     Config{Title: "  ", Visibility: VisibilityPublic, RoundCount: 3, SecondsPerTurn: 60},
			wantErr: true,
		},
		{
			name:    "bad visibility",
			cfg:     Config{Title: "x", Visibility: "friends", RoundCount: 3, SecondsPerTurn: 60},
			wantErr: true,
		},
		{
			name:    "zero rounds",
			cfg:     Config{Title: "x", Visibility: VisibilityPrivate, RoundCount: 0, SecondsPerTurn: 60},
			wantErr: true,
		},
		{
			name:    "negative seconds",
			cfg:     Config{Title: "x", Visibility: VisibilityPrivate, RoundCount: 1, SecondsPerTurn: -5},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidConfig))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestLifecycleNext(t *testing.T) {
	assert.True(t, LifecycleWaiting.Next(LifecycleReady))
	assert.True(t, LifecycleReady.Next(LifecycleActive))
	assert.True(t, LifecycleActive.Next(LifecycleCompleted))

	assert.False(t, LifecycleWaiting.Next(LifecycleActive), "no skipping")
	assert.False(t, LifecycleActive.Next(LifecycleReady), "no reversing")
	assert.False(t, LifecycleCompleted.Next(LifecycleWaiting))
	assert.False(t, Lifecycle("paused").Next(LifecycleReady))
}

func TestVoteValidate(t *testing.T) {
	ok := Vote{BattleID: "b", VoterID: "v", VotedForID: "p", Score: MaxScore}
	require.NoError(t, ok.Validate())

	tooHigh := ok
	tooHigh.Score = MaxScore + 1
	assert.ErrorIs(t, tooHigh.Validate(), ErrInvalidVote)

	noTarget := ok
	noTarget.VotedForID = ""
	assert.ErrorIs(t, noTarget.Validate(), ErrInvalidVote)
}

func TestNewBattleStartsWaiting(t *testing.T) {
	now := time.Now()
	b := New("b1", "creator", "ABC123", Config{Title: " Roast ", Visibility: VisibilityPublic, RoundCount: 3, SecondsPerTurn: 60}, now)

	require.NoError(t, b.Validate())
	assert.Equal(t, LifecycleWaiting, b.Lifecycle)
	assert.Equal(t, "Roast", b.Title)
	assert.NotNil(t, b.Readiness)
}

func TestParseRole(t *testing.T) {
	r, ok := ParseRole("")
	assert.True(t, ok)
	assert.Equal(t, RoleAuto, r)

	r, ok = ParseRole("Spectator")
	assert.True(t, ok)
	assert.Equal(t, RoleSpectator, r)

	_, ok = ParseRole("judge")
	assert.False(t, ok)
}
