package postgres

import (
	"time"

	"github.com/DoyleJ11/roast-battle-backend/internal/battle"
)

type battleRow struct {
	ID              string `gorm:"primaryKey"`
	Title           string `gorm:"not null"`
	Visibility      string `gorm:"not null"`
	RoundCount      int    `gorm:"not null"`
	SecondsPerTurn  int    `gorm:"not null"`
	AllowSpectators bool   `gorm:"not null"`
	Lifecycle       string `gorm:"not null;default:'waiting';index"`
	CreatorID       string
	JoinCode        string          `gorm:"uniqueIndex"`
	Readiness       map[string]bool `gorm:"serializer:json"`
	CurrentRound    int
	CreatedAt       time.Time
	UpdatedAt       time.Time `gorm:"index"`
}

func (battleRow) TableName() string { return "battles" }

type participantRow struct {
	ID        uint   `gorm:"primaryKey"` // join order
	BattleID  string `gorm:"not null;uniqueIndex:idx_participant_battle_user"`
	UserID    string `gorm:"not null;uniqueIndex:idx_participant_battle_user"`
	Name      string
	AvatarURL string
	JoinedAt  time.Time
}

func (participantRow) TableName() string { return "participants" }

type spectatorRow struct {
	BattleID string `gorm:"primaryKey"`
	UserID   string `gorm:"primaryKey"`
	JoinedAt time.Time
}

func (spectatorRow) TableName() string { return "spectators" }

type voteRow struct {
	BattleID   string `gorm:"primaryKey"`
	VoterID    string `gorm:"primaryKey"`
	VotedForID string `gorm:"not null;index"`
	Score      int    `gorm:"not null"`
	CastAt     time.Time
}

func (voteRow) TableName() string { return "votes" }

func toBattleRow(b battle.Battle) battleRow {
	return battleRow{
		ID:              b.ID,
		Title:           b.Title,
		Visibility:      string(b.Visibility),
		RoundCount:      b.RoundCount,
		SecondsPerTurn:  b.SecondsPerTurn,
		AllowSpectators: b.AllowSpectators,
		Lifecycle:       string(b.Lifecycle),
		CreatorID:       b.CreatorID,
		JoinCode:        b.JoinCode,
		Readiness:       b.Readiness,
		CurrentRound:    b.CurrentRound,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
	}
}

func (r battleRow) toBattle() battle.Battle {
	readiness := r.Readiness
	if readiness == nil {
		readiness = map[string]bool{}
	}
	return battle.Battle{
		ID:              r.ID,
		Title:           r.Title,
		Visibility:      battle.Visibility(r.Visibility),
		RoundCount:      r.RoundCount,
		SecondsPerTurn:  r.SecondsPerTurn,
		AllowSpectators: r.AllowSpectators,
		Lifecycle:       battle.Lifecycle(r.Lifecycle),
		CreatorID:       r.CreatorID,
		JoinCode:        r.JoinCode,
		Readiness:       readiness,
		CurrentRound:    r.CurrentRound,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func (r participantRow) toParticipant() battle.Participant {
	return battle.Participant{
		BattleID: r.BattleID,
		UserID:   r.UserID,
		Profile:  battle.Profile{Name: r.Name, AvatarURL: r.AvatarURL},
		JoinedAt: r.JoinedAt,
	}
}
