package types

// BattleState is the read model clients render from.
//
//	lifecycle_state: "waiting" | "ready" | "active" | "completed"
//	current_turn_user_id: empty outside "active"
//	time_remaining: seconds left in the current turn
//	scores: participant user id -> total of current votes
//	winner_id / tie: set once the battle is completed
type BattleState struct {
	BattleID          string            `json:"battle_id"`
	Title             string            `json:"title"`
	Visibility        string            `json:"visibility"`
	JoinCode          string            `json:"join_code"`
	CreatorID         string            `json:"creator_id"`
	Lifecycle         string            `json:"lifecycle_state"`
	CurrentRound      int               `json:"current_round"`
	RoundCount        int               `json:"round_count"`
	SecondsPerTurn    int               `json:"seconds_per_turn"`
	AllowSpectators   bool              `json:"allow_spectators"`
	CurrentTurnUserID string            `json:"current_turn_user_id,omitempty"`
	TimeRemaining     int               `json:"time_remaining"`
	Participants      []ParticipantView `json:"participants"`
	SpectatorCount    int               `json:"spectator_count"`
	Scores            map[string]int    `json:"scores"`
	WinnerID          string            `json:"winner_id,omitempty"`
	Tie               bool              `json:"tie,omitempty"`
	ForfeitedBy       string            `json:"forfeited_by,omitempty"`
	VotingOpen        bool              `json:"voting_open"`
	Version           int               `json:"version"`
}

type ParticipantView struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Ready     bool   `json:"ready"`
}
