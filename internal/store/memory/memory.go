// Package memory is an in-process Store used for tests and single-node deployments.
package memory

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/DoyleJ11/roast-battle-backend/internal/battle"
	"github.com/DoyleJ11/roast-battle-backend/internal/store"
)

type Store struct {
	mu           sync.RWMutex
	battles      map[string]battle.Battle
	participants map[string][]battle.Participant
	spectators   map[string]map[string]battle.Spectator
	votes        map[string]map[string]battle.Vote
	now          func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		battles:      make(map[string]battle.Battle),
		participants: make(map[string][]battle.Participant),
		spectators:   make(map[string]map[string]battle.Spectator),
		votes:        make(map[string]map[string]battle.Vote),
		now:          time.Now,
	}
}

// WithClock swaps the time source (stale-battle tests).
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) CreateBattle(_ context.Context, b battle.Battle) error {
	if err := b.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.battles[b.ID]; ok {
		return store.ErrConflict
	}
	for _, other := range s.battles {
		if b.JoinCode != "" && other.JoinCode == b.JoinCode {
			return store.ErrConflict
		}
	}

	b.Readiness = maps.Clone(b.Readiness)
	if b.Readiness == nil {
		b.Readiness = map[string]bool{}
	}
	s.battles[b.ID] = b
	return nil
}

func (s *Store) GetBattle(_ context.Context, id string) (battle.Battle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.battles[id]
	if !ok {
		return battle.Battle{}, store.ErrNotFound
	}
	b.Readiness = maps.Clone(b.Readiness)
	return b, nil
}

func (s *Store) GetBattleByCode(_ context.Context, code string) (battle.Battle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, b := range s.battles {
		if code != "" && b.JoinCode == code {
			b.Readiness = maps.Clone(b.Readiness)
			return b, nil
		}
	}
	return battle.Battle{}, store.ErrNotFound
}

func (s *Store) UpdateLifecycle(_ context.Context, id string, from, to battle.Lifecycle, round int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.battles[id]
	if !ok {
		return store.ErrNotFound
	}
	if b.Lifecycle != from {
		return store.ErrConflict
	}
	b.Lifecycle = to
	b.CurrentRound = round
	b.UpdatedAt = s.now()
	s.battles[id] = b
	return nil
}

func (s *Store) SetReadiness(_ context.Context, id, userID string, ready bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.battles[id]
	if !ok {
		return store.ErrNotFound
	}
	if ready {
		b.Readiness[userID] = true
	} else {
		delete(b.Readiness, userID)
	}
	b.UpdatedAt = s.now()
	s.battles[id] = b
	return nil
}

func (s *Store) DeleteBattle(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.battles[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.battles, id)
	delete(s.participants, id)
	delete(s.spectators, id)
	delete(s.votes, id)
	return nil
}

func (s *Store) ListStaleBattles(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, b := range s.battles {
		if len(s.participants[id]) == 0 && b.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Store) AddParticipant(_ context.Context, p battle.Participant, max int) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.battles[p.BattleID]
	if !ok {
		return false, store.ErrNotFound
	}
	for _, existing := range s.participants[p.BattleID] {
		if existing.UserID == p.UserID {
			return true, nil
		}
	}
	if len(s.participants[p.BattleID]) >= max {
		return false, nil
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = s.now()
	}
	s.participants[p.BattleID] = append(s.participants[p.BattleID], p)
	b.UpdatedAt = s.now()
	s.battles[p.BattleID] = b
	return true, nil
}

func (s *Store) RemoveParticipant(_ context.Context, battleID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.participants[battleID]
	for i, p := range list {
		if p.UserID != userID {
			continue
		}
		s.participants[battleID] = append(list[:i:i], list[i+1:]...)
		if b, ok := s.battles[battleID]; ok {
			delete(b.Readiness, userID)
			b.UpdatedAt = s.now()
			s.battles[battleID] = b
		}
		return true, nil
	}
	return false, nil
}

func (s *Store) ListParticipants(_ context.Context, battleID string) ([]battle.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.battles[battleID]; !ok {
		return nil, store.ErrNotFound
	}
	out := make([]battle.Participant, len(s.participants[battleID]))
	copy(out, s.participants[battleID])
	return out, nil
}

func (s *Store) AddSpectator(_ context.Context, sp battle.Spectator) error {
	if err := sp.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.battles[sp.BattleID]; !ok {
		return store.ErrNotFound
	}
	if s.spectators[sp.BattleID] == nil {
		s.spectators[sp.BattleID] = make(map[string]battle.Spectator)
	}
	if _, ok := s.spectators[sp.BattleID][sp.UserID]; ok {
		return nil
	}
	if sp.JoinedAt.IsZero() {
		sp.JoinedAt = s.now()
	}
	s.spectators[sp.BattleID][sp.UserID] = sp
	return nil
}

func (s *Store) RemoveSpectator(_ context.Context, battleID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.spectators[battleID][userID]; !ok {
		return false, nil
	}
	delete(s.spectators[battleID], userID)
	return true, nil
}

func (s *Store) ListSpectators(_ context.Context, battleID string) ([]battle.Spectator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.battles[battleID]; !ok {
		return nil, store.ErrNotFound
	}
	out := make([]battle.Spectator, 0, len(s.spectators[battleID]))
	for _, sp := range s.spectators[battleID] {
		out = append(out, sp)
	}
	return out, nil
}

func (s *Store) UpsertVote(_ context.Context, v battle.Vote) error {
	if err := v.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.battles[v.BattleID]; !ok {
		return store.ErrNotFound
	}
	if s.votes[v.BattleID] == nil {
		s.votes[v.BattleID] = make(map[string]battle.Vote)
	}
	if v.CastAt.IsZero() {
		v.CastAt = s.now()
	}
	s.votes[v.BattleID][v.VoterID] = v
	return nil
}

func (s *Store) ListVotes(_ context.Context, battleID string) ([]battle.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.battles[battleID]; !ok {
		return nil, store.ErrNotFound
	}
	out := make([]battle.Vote, 0, len(s.votes[battleID]))
	for _, v := range s.votes[battleID] {
		out = append(out, v)
	}
	return out, nil
}
