// Package turns decides whose turn it is. Turns are derived state: a cursor over the
// participant join order, never persisted. Timeouts live elsewhere.
package turns

import (
	"context"
	"errors"
	"sync"

	"github.com/DoyleJ11/roast-battle-backend/internal/battle"
	"github.com/DoyleJ11/roast-battle-backend/internal/engine"
)

var ErrNoParticipants = errors.New("no participants")

type ParticipantLister interface {
	ListParticipants(ctx context.Context, battleID string) ([]battle.Participant, error)
}

type Advance struct {
	NextUserID     string
	RoundCompleted bool
}

type Sequencer struct {
	members ParticipantLister

	mu      sync.Mutex
	cursors map[string]int
}

func New(members ParticipantLister) *Sequencer {
	return &Sequencer{members: members, cursors: make(map[string]int)}
}

func (s *Sequencer) order(ctx context.Context, battleID string) ([]battle.Participant, error) {
	ps, err := s.members.ListParticipants(ctx, battleID)
	if err != nil {
		return nil, err
	}
	if len(ps) == 0 {
		return nil, ErrNoParticipants
	}
	return ps, nil
}

func (s *Sequencer) CurrentTurnUserID(ctx context.Context, battleID string) (string, error) {
	ps, err := s.order(ctx, battleID)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return ps[engine.TurnIndex(s.cursors[battleID], len(ps))].UserID, nil
}

func (s *Sequencer) IsTurn(ctx context.Context, battleID, userID string) (bool, error) {
	current, err := s.CurrentTurnUserID(ctx, battleID)
	if errors.Is(err, ErrNoParticipants) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return current == userID, nil
}

// Advance hands the turn to the next seat; RoundCompleted is set when it wraps to the first.
func (s *Sequencer) Advance(ctx context.Context, battleID string) (Advance, error) {
	ps, err := s.order(ctx, battleID)
	if err != nil {
		return Advance{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next, wrapped := engine.NextTurn(engine.TurnIndex(s.cursors[battleID], len(ps)), len(ps))
	s.cursors[battleID] = next
	return Advance{NextUserID: ps[next].UserID, RoundCompleted: wrapped}, nil
}

// Reset puts the turn back on the first participant.
func (s *Sequencer) Reset(battleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[battleID] = 0
}

func (s *Sequencer) Forget(battleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, battleID)
}
