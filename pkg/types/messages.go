package types

type EventType string

// Server -> Client
const (
	EventState         EventType = "state"
	EventLifecycle     EventType = "lifecycle"
	EventTurnAdvanced  EventType = "turn_advanced"
	EventTurnSubmitted EventType = "turn_submitted"
	EventVoteCast      EventType = "vote_cast"
	EventTimerTick     EventType = "timer_tick"
	EventError         EventType = "error"
)

// ServerEvent is one push to a watcher. Which fields are set depends on Type:
//
//	state:          state
//	lifecycle:      lifecycle, round, state
//	turn_advanced:  user_id (whose turn), round, time_remaining
//	turn_submitted: user_id, round, content
//	vote_cast:      user_id (voter), voted_for_id, scores
//	timer_tick:     user_id, round, time_remaining
//	error:          error, message
type ServerEvent struct {
	Type          EventType      `json:"type"`
	BattleID      string         `json:"battle_id"`
	Version       int            `json:"version"`
	Lifecycle     string         `json:"lifecycle_state,omitempty"`
	Round         int            `json:"round,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	VotedForID    string         `json:"voted_for_id,omitempty"`
	Content       string         `json:"content,omitempty"`
	TimeRemaining int            `json:"time_remaining"`
	Scores        map[string]int `json:"scores,omitempty"`
	State         *BattleState   `json:"state,omitempty"`
	Error         string         `json:"error,omitempty"`
	Message       string         `json:"message,omitempty"`
}
