package engine

import (
	"errors"

	"github.com/DoyleJ11/roast-battle-backend/internal/battle"
)

var ErrUnsupportedCommand = errors.New("unsupported command")
var ErrBattleAlreadyCompleted = errors.New("battle already completed")

type State struct {
	Lifecycle    battle.Lifecycle
	Round        int
	Participants int
	ForfeitedBy  string
	Rules        Rules
}

type Rules struct {
	RoundCount      int
	SecondsPerTurn  int
	AllowSpectators bool
}

type CommandType string

const (
	CmdParticipantsChanged CommandType = "ParticipantsChanged"
	CmdAllReady            CommandType = "AllReady"
	CmdTurnEnded           CommandType = "TurnEnded"
	CmdForfeit             CommandType = "Forfeit"
)

/*
	CmdParticipantsChanged -> EvtBattleReady (only the first time the seats fill up)
	CmdAllReady            -> EvtBattleStarted
	CmdTurnEnded           -> EvtTurnAdvanced -> EvtRoundCompleted -> EvtBattleCompleted
	CmdForfeit             -> EvtBattleForfeited -> EvtBattleCompleted

	Re-sending a command whose transition already happened is a no-op (nil events, no error).
*/

type Command struct {
	Type           CommandType
	Participants   int
	RoundCompleted bool
	UserID         string
}

type EventType string

const (
	EvtBattleReady     EventType = "BattleReady"
	EvtBattleStarted   EventType = "BattleStarted"
	EvtTurnAdvanced    EventType = "TurnAdvanced"
	EvtRoundCompleted  EventType = "RoundCompleted"
	EvtBattleForfeited EventType = "BattleForfeited"
	EvtBattleCompleted EventType = "BattleCompleted"
)

type Event struct {
	Type   EventType
	Round  int
	UserID string
}

func Apply(s State, cmd Command) ([]Event, State, error) {
	newState := s

	switch cmd.Type {
	case CmdParticipantsChanged:
		if cmd.Participants < 0 {
			return nil, s, battle.ErrInvalidTransition
		}
		newState.Participants = cmd.Participants

		// Seats filling up is the only automatic transition; later changes never go backwards.
		if s.Lifecycle == battle.LifecycleWaiting && cmd.Participants >= battle.MaxParticipants {
			newState.Lifecycle = battle.LifecycleReady
			return []Event{{Type: EvtBattleReady}}, newState, nil
		}
		return nil, newState, nil

	case CmdAllReady:
		switch s.Lifecycle {
		case battle.LifecycleActive, battle.LifecycleCompleted:
			// duplicate all-ready
			return nil, s, nil
		case battle.LifecycleWaiting:
			return nil, s, battle.ErrInvalidTransition
		}
		if s.Participants < battle.MinParticipants {
			return nil, s, battle.ErrInvalidTransition
		}

		newState.Lifecycle = battle.LifecycleActive
		newState.Round = 1
		return []Event{{Type: EvtBattleStarted, Round: 1}}, newState, nil

	case CmdTurnEnded:
		if s.Lifecycle == battle.LifecycleCompleted {
			return nil, s, ErrBattleAlreadyCompleted
		}
		if s.Lifecycle != battle.LifecycleActive {
			return nil, s, battle.ErrInvalidTransition
		}

		events := []Event{{Type: EvtTurnAdvanced, Round: s.Round}}
		if !cmd.RoundCompleted {
			return events, newState, nil
		}

		events = append(events, Event{Type: EvtRoundCompleted, Round: s.Round})
		if s.Round >= s.Rules.RoundCount {
			newState.Lifecycle = battle.LifecycleCompleted
			events = append(events, Event{Type: EvtBattleCompleted, Round: s.Round})
			return events, newState, nil
		}
		newState.Round = s.Round + 1
		return events, newState, nil

	case CmdForfeit:
		switch s.Lifecycle {
		case battle.LifecycleCompleted:
			return nil, s, nil
		case battle.LifecycleActive:
		default:
			return nil, s, battle.ErrInvalidTransition
		}

		newState.Lifecycle = battle.LifecycleCompleted
		newState.ForfeitedBy = cmd.UserID
		events := []Event{
			{Type: EvtBattleForfeited, Round: s.Round, UserID: cmd.UserID},
			{Type: EvtBattleCompleted, Round: s.Round},
		}
		return events, newState, nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}
