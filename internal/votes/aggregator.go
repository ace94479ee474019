// Package votes tallies spectator and participant votes. Who may vote is decided by the
// session; this package only keeps one vote per voter.
package votes

import (
	"context"
	"errors"

	"github.com/DoyleJ11/roast-battle-backend/internal/battle"
	"github.com/DoyleJ11/roast-battle-backend/internal/store"
	"github.com/DoyleJ11/roast-battle-backend/internal/turns"
)

type Result struct {
	WinnerID string
	Tie      bool
	Scores   map[string]int
}

type Aggregator struct {
	store   store.VoteStore
	members turns.ParticipantLister
}

func New(st store.VoteStore, members turns.ParticipantLister) *Aggregator {
	return &Aggregator{store: st, members: members}
}

// CastVote replaces any earlier vote by voterID in this battle.
func (a *Aggregator) CastVote(ctx context.Context, battleID, voterID, votedForID string, score int) error {
	err := a.store.UpsertVote(ctx, battle.Vote{
		BattleID:   battleID,
		VoterID:    voterID,
		VotedForID: votedForID,
		Score:      score,
	})
	if errors.Is(err, store.ErrNotFound) {
		return battle.ErrBattleNotFound
	}
	return err
}

// ScoresByParticipant sums the current votes per target. Every seated participant is present.
func (a *Aggregator) ScoresByParticipant(ctx context.Context, battleID string) (map[string]int, error) {
	ps, err := a.members.ListParticipants(ctx, battleID)
	if err != nil {
		return nil, err
	}
	vs, err := a.store.ListVotes(ctx, battleID)
	if err != nil {
		return nil, err
	}

	scores := make(map[string]int, len(ps))
	for _, p := range ps {
		scores[p.UserID] = 0
	}
	for _, v := range vs {
		if _, ok := scores[v.VotedForID]; ok {
			scores[v.VotedForID] += v.Score
		}
	}
	return scores, nil
}

// Winner picks the highest total among current participants. Equal leaders are a tie.
func (a *Aggregator) Winner(ctx context.Context, battleID string) (Result, error) {
	ps, err := a.members.ListParticipants(ctx, battleID)
	if err != nil {
		return Result{}, err
	}
	candidates := make([]string, len(ps))
	for i, p := range ps {
		candidates[i] = p.UserID
	}
	return a.Tally(ctx, battleID, candidates)
}

// Tally scores a fixed list of candidates, such as the participants seated when a battle ended.
func (a *Aggregator) Tally(ctx context.Context, battleID string, candidates []string) (Result, error) {
	vs, err := a.store.ListVotes(ctx, battleID)
	if err != nil {
		return Result{}, err
	}

	res := Result{Scores: make(map[string]int, len(candidates))}
	for _, c := range candidates {
		res.Scores[c] = 0
	}
	for _, v := range vs {
		if _, ok := res.Scores[v.VotedForID]; ok {
			res.Scores[v.VotedForID] += v.Score
		}
	}

	best := -1
	for _, c := range candidates {
		switch s := res.Scores[c]; {
		case s > best:
			best = s
			res.WinnerID = c
			res.Tie = false
		case s == best:
			res.Tie = true
		}
	}
	if res.Tie {
		res.WinnerID = ""
	}
	return res, nil
}
