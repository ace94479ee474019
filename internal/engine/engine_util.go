package engine

import "github.com/DoyleJ11/roast-battle-backend/internal/battle"

func NewState(b battle.Battle, participants int) State {
	return State{
		Lifecycle:    b.Lifecycle,
		Round:        b.CurrentRound,
		Participants: participants,
		Rules: Rules{
			RoundCount:      b.RoundCount,
			SecondsPerTurn:  b.SecondsPerTurn,
			AllowSpectators: b.AllowSpectators,
		},
	}
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}
