package session

import (
	"context"

	"github.com/DoyleJ11/roast-battle-backend/internal/battle"
	"github.com/DoyleJ11/roast-battle-backend/pkg/types"
)

// view builds the read model from the store and the actor's own state.
func (s *Session) view(ctx context.Context) (types.BattleState, error) {
	ps, err := s.deps.Members.ListParticipants(ctx, s.id)
	if err != nil {
		return types.BattleState{}, err
	}
	ss, err := s.deps.Members.ListSpectators(ctx, s.id)
	if err != nil {
		return types.BattleState{}, err
	}
	confirmed, err := s.deps.Gate.Confirmed(ctx, s.id)
	if err != nil {
		return types.BattleState{}, err
	}
	ready := make(map[string]bool, len(confirmed))
	for _, id := range confirmed {
		ready[id] = true
	}

	st := types.BattleState{
		BattleID:        s.id,
		Title:           s.battle.Title,
		Visibility:      string(s.battle.Visibility),
		JoinCode:        s.battle.JoinCode,
		CreatorID:       s.battle.CreatorID,
		Lifecycle:       string(s.state.Lifecycle),
		CurrentRound:    s.state.Round,
		RoundCount:      s.battle.RoundCount,
		SecondsPerTurn:  s.battle.SecondsPerTurn,
		AllowSpectators: s.battle.AllowSpectators,
		Participants:    make([]types.ParticipantView, 0, len(ps)),
		SpectatorCount:  len(ss),
		ForfeitedBy:     s.state.ForfeitedBy,
		VotingOpen:      s.state.Lifecycle == battle.LifecycleActive || s.votingOpen,
		Version:         s.version,
	}
	for _, p := range ps {
		st.Participants = append(st.Participants, types.ParticipantView{
			UserID:    p.UserID,
			Name:      p.Profile.Name,
			AvatarURL: p.Profile.AvatarURL,
			Ready:     ready[p.UserID],
		})
	}

	if s.state.Lifecycle == battle.LifecycleActive {
		if current, err := s.deps.Turns.CurrentTurnUserID(ctx, s.id); err == nil {
			st.CurrentTurnUserID = current
		}
		if s.timer != nil {
			st.TimeRemaining = s.timer.Remaining()
		}
	}

	res, err := s.deps.Votes.Tally(ctx, s.id, s.candidates(ctx))
	if err != nil {
		return types.BattleState{}, err
	}
	st.Scores = res.Scores
	if s.state.Lifecycle == battle.LifecycleCompleted {
		st.WinnerID = res.WinnerID
		st.Tie = res.Tie
	}
	return st, nil
}
