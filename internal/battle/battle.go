package battle

import (
	"fmt"
	"strings"
	"time"
)

const (
	MaxParticipants = 2
	MinParticipants = 2
	MaxScore        = 10

	// Battles with nobody seated are reaped after this long.
	DefaultRetention = 24 * time.Hour
)

type Lifecycle string

const (
	LifecycleWaiting   Lifecycle = "waiting"
	LifecycleReady     Lifecycle = "ready"
	LifecycleActive    Lifecycle = "active"
	LifecycleCompleted Lifecycle = "completed"
)

// rank gives the position of a lifecycle state on the waiting -> completed line.
func (l Lifecycle) rank() int {
	switch l {
	case LifecycleWaiting:
		return 0
	case LifecycleReady:
		return 1
	case LifecycleActive:
		return 2
	case LifecycleCompleted:
		return 3
	default:
		return -1
	}
}

func (l Lifecycle) Valid() bool { return l.rank() >= 0 }

// Before reports whether l comes earlier than o on the lifecycle line.
func (l Lifecycle) Before(o Lifecycle) bool {
	return l.Valid() && o.Valid() && l.rank() < o.rank()
}

// Next reports whether to is the state directly after l.
func (l Lifecycle) Next(to Lifecycle) bool {
	return l.Valid() && to.Valid() && to.rank() == l.rank()+1
}

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

type Role string

const (
	RoleAuto        Role = "auto"
	RoleParticipant Role = "participant"
	RoleSpectator   Role = "spectator"
)

func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(s)) {
	case "", RoleAuto:
		return RoleAuto, true
	case RoleParticipant:
		return RoleParticipant, true
	case RoleSpectator:
		return RoleSpectator, true
	default:
		return "", false
	}
}

// Config is what a creator submits for a new battle.
type Config struct {
	Title           string     `json:"title"`
	Visibility      Visibility `json:"visibility"`
	RoundCount      int        `json:"round_count"`
	SecondsPerTurn  int        `json:"seconds_per_turn"`
	AllowSpectators bool       `json:"allow_spectators"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidConfig)
	}
	if c.Visibility != VisibilityPublic && c.Visibility != VisibilityPrivate {
		return fmt.Errorf("%w: visibility must be public or private", ErrInvalidConfig)
	}
	if c.RoundCount <= 0 {
		return fmt.Errorf("%w: round_count must be > 0", ErrInvalidConfig)
	}
	if c.SecondsPerTurn <= 0 {
		return fmt.Errorf("%w: seconds_per_turn must be > 0", ErrInvalidConfig)
	}
	return nil
}

type Battle struct {
	ID              string
	Title           string
	Visibility      Visibility
	RoundCount      int
	SecondsPerTurn  int
	AllowSpectators bool
	Lifecycle       Lifecycle
	CreatorID       string
	JoinCode        string
	Readiness       map[string]bool
	CurrentRound    int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// New builds a waiting battle from a validated config.
func New(id, creatorID, joinCode string, cfg Config, now time.Time) Battle {
	return Battle{
		ID:              id,
		Title:           strings.TrimSpace(cfg.Title),
		Visibility:      cfg.Visibility,
		RoundCount:      cfg.RoundCount,
		SecondsPerTurn:  cfg.SecondsPerTurn,
		AllowSpectators: cfg.AllowSpectators,
		Lifecycle:       LifecycleWaiting,
		CreatorID:       creatorID,
		JoinCode:        joinCode,
		Readiness:       map[string]bool{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (b Battle) Config() Config {
	return Config{
		Title:           b.Title,
		Visibility:      b.Visibility,
		RoundCount:      b.RoundCount,
		SecondsPerTurn:  b.SecondsPerTurn,
		AllowSpectators: b.AllowSpectators,
	}
}

func (b Battle) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("%w: battle id is required", ErrInvalidRecord)
	}
	if !b.Lifecycle.Valid() {
		return fmt.Errorf("%w: unknown lifecycle %q", ErrInvalidRecord, b.Lifecycle)
	}
	if err := b.Config().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	return nil
}

type Profile struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type Participant struct {
	BattleID string
	UserID   string
	Profile  Profile
	JoinedAt time.Time
}

func (p Participant) Validate() error {
	if p.BattleID == "" || p.UserID == "" {
		return fmt.Errorf("%w: participant needs battle and user id", ErrInvalidRecord)
	}
	return nil
}

type Spectator struct {
	BattleID string
	UserID   string
	JoinedAt time.Time
}

func (s Spectator) Validate() error {
	if s.BattleID == "" || s.UserID == "" {
		return fmt.Errorf("%w: spectator needs battle and user id", ErrInvalidRecord)
	}
	return nil
}

type Vote struct {
	BattleID   string
	VoterID    string
	VotedForID string
	Score      int
	CastAt     time.Time
}

func (v Vote) Validate() error {
	if v.BattleID == "" || v.VoterID == "" || v.VotedForID == "" {
		return fmt.Errorf("%w: vote needs battle, voter and target", ErrInvalidVote)
	}
	if v.Score < 0 || v.Score > MaxScore {
		return fmt.Errorf("%w: score must be between 0 and %d", ErrInvalidVote, MaxScore)
	}
	return nil
}

// Membership is the outcome of a join.
type Membership struct {
	BattleID string
	UserID   string
	Role     Role
	Existing bool
}
