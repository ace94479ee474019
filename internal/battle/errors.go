package battle

import (
	"errors"
	"fmt"
)

var ErrBattleNotFound = errors.New("battle not found")
var ErrBattleFull = errors.New("battle full")
var ErrSpectatingDisabled = errors.New("spectating disabled")
var ErrInvalidTransition = errors.New("invalid transition")
var ErrNotYourTurn = errors.New("not your turn")
var ErrDuplicateConfirmation = errors.New("already confirmed")
var ErrStoreUnavailable = errors.New("store unavailable")

var ErrNotParticipant = errors.New("not a participant")
var ErrNotMember = errors.New("not a member of this battle")
var ErrInvalidVote = errors.New("invalid vote")
var ErrInvalidConfig = errors.New("invalid battle config")
var ErrInvalidRecord = errors.New("invalid record")

// ErrVotingClosed is an ErrInvalidTransition: votes outside active + grace.
var ErrVotingClosed = fmt.Errorf("%w: voting is closed", ErrInvalidTransition)
