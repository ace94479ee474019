// Package store is the state-store edge: battles, participants, spectators and votes.
// Implementations validate records before writing them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/DoyleJ11/roast-battle-backend/internal/battle"
)

var ErrNotFound = errors.New("record not found")
var ErrConflict = errors.New("record changed concurrently")

type BattleStore interface {
	CreateBattle(ctx context.Context, b battle.Battle) error
	GetBattle(ctx context.Context, id string) (battle.Battle, error)
	GetBattleByCode(ctx context.Context, code string) (battle.Battle, error)
	// UpdateLifecycle is a compare-and-set on the lifecycle field; ErrConflict when from no longer matches.
	UpdateLifecycle(ctx context.Context, id string, from, to battle.Lifecycle, round int) error
	SetReadiness(ctx context.Context, id, userID string, ready bool) error
	DeleteBattle(ctx context.Context, id string) error
	// ListStaleBattles returns ids of battles with no participants not touched since cutoff.
	ListStaleBattles(ctx context.Context, cutoff time.Time) ([]string, error)
}

type MembershipStore interface {
	// AddParticipant seats p unless the battle already has max participants.
	AddParticipant(ctx context.Context, p battle.Participant, max int) (bool, error)
	RemoveParticipant(ctx context.Context, battleID, userID string) (bool, error)
	ListParticipants(ctx context.Context, battleID string) ([]battle.Participant, error)
	AddSpectator(ctx context.Context, s battle.Spectator) error
	RemoveSpectator(ctx context.Context, battleID, userID string) (bool, error)
	ListSpectators(ctx context.Context, battleID string) ([]battle.Spectator, error)
}

type VoteStore interface {
	UpsertVote(ctx context.Context, v battle.Vote) error
	ListVotes(ctx context.Context, battleID string) ([]battle.Vote, error)
}

type Store interface {
	BattleStore
	MembershipStore
	VoteStore
}
