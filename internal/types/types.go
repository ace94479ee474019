package types

// Client -> Server over the websocket.
//
//	ConfirmReady: {}
//	SubmitTurn:   content
//	CastVote:     voted_for_id, score
//	Leave:        {}
type ClientMessage struct {
	Type       string `json:"type"`
	Content    string `json:"content,omitempty"`
	VotedForID string `json:"voted_for_id,omitempty"`
	Score      int    `json:"score,omitempty"`
}

const (
	MsgConfirmReady = "ConfirmReady"
	MsgSubmitTurn   = "SubmitTurn"
	MsgCastVote     = "CastVote"
	MsgLeave        = "Leave"
)
