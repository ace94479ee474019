// Package postgres is the gorm-backed Store.
package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/DoyleJ11/roast-battle-backend/internal/battle"
	"github.com/DoyleJ11/roast-battle-backend/internal/store"
)

type Store struct {
	db      *gorm.DB
	backoff store.Backoff
	log     *zap.Logger
}

var _ store.Store = (*Store)(nil)

func Open(dsn string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(gormpg.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}
	return New(db, log)
}

// New migrates the schema on an existing gorm handle.
func New(db *gorm.DB, log *zap.Logger) (*Store, error) {
	if err := db.AutoMigrate(&battleRow{}, &participantRow{}, &spectatorRow{}, &voteRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db, backoff: store.DefaultBackoff, log: log}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) do(ctx context.Context, op string, fn func(db *gorm.DB) error) error {
	attempt := 0
	return store.Retry(ctx, s.backoff, isTransient, func(ctx context.Context) error {
		attempt++
		err := fn(s.db.WithContext(ctx))
		if err != nil && isTransient(err) {
			s.log.Warn("transient store error", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	})
}

// isTransient picks out connection loss, timeouts, serialization failures and deadlocks.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08": // connection exception
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "53300", pgErr.Code == "57P01":
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// uniqueViolation turns a duplicate id or join code into store.ErrConflict.
func uniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return store.ErrConflict
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return store.ErrConflict
	}
	return err
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return err
}

func (s *Store) CreateBattle(ctx context.Context, b battle.Battle) error {
	if err := b.Validate(); err != nil {
		return err
	}
	row := toBattleRow(b)
	return s.do(ctx, "create_battle", func(db *gorm.DB) error {
		return uniqueViolation(db.Create(&row).Error)
	})
}

func (s *Store) GetBattle(ctx context.Context, id string) (battle.Battle, error) {
	var row battleRow
	err := s.do(ctx, "get_battle", func(db *gorm.DB) error {
		return notFound(db.First(&row, "id = ?", id).Error)
	})
	if err != nil {
		return battle.Battle{}, err
	}
	return row.toBattle(), nil
}

func (s *Store) GetBattleByCode(ctx context.Context, code string) (battle.Battle, error) {
	var row battleRow
	err := s.do(ctx, "get_battle_by_code", func(db *gorm.DB) error {
		return notFound(db.First(&row, "join_code = ?", code).Error)
	})
	if err != nil {
		return battle.Battle{}, err
	}
	return row.toBattle(), nil
}

func (s *Store) UpdateLifecycle(ctx context.Context, id string, from, to battle.Lifecycle, round int) error {
	return s.do(ctx, "update_lifecycle", func(db *gorm.DB) error {
		res := db.Model(&battleRow{}).
			Where("id = ? AND lifecycle = ?", id, string(from)).
			Updates(map[string]any{"lifecycle": string(to), "current_round": round, "updated_at": time.Now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}

		var count int64
		if err := db.Model(&battleRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return store.ErrNotFound
		}
		return store.ErrConflict
	})
}

func (s *Store) SetReadiness(ctx context.Context, id, userID string, ready bool) error {
	return s.do(ctx, "set_readiness", func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			var row battleRow
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error; err != nil {
				return notFound(err)
			}
			if row.Readiness == nil {
				row.Readiness = map[string]bool{}
			}
			if ready {
				row.Readiness[userID] = true
			} else {
				delete(row.Readiness, userID)
			}
			return tx.Model(&row).Select("readiness", "updated_at").Updates(battleRow{Readiness: row.Readiness, UpdatedAt: time.Now()}).Error
		})
	})
}

func (s *Store) DeleteBattle(ctx context.Context, id string) error {
	return s.do(ctx, "delete_battle", func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("battle_id = ?", id).Delete(&voteRow{}).Error; err != nil {
				return err
			}
			if err := tx.Where("battle_id = ?", id).Delete(&spectatorRow{}).Error; err != nil {
				return err
			}
			if err := tx.Where("battle_id = ?", id).Delete(&participantRow{}).Error; err != nil {
				return err
			}
			res := tx.Where("id = ?", id).Delete(&battleRow{})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return store.ErrNotFound
			}
			return nil
		})
	})
}

func (s *Store) ListStaleBattles(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := s.do(ctx, "list_stale_battles", func(db *gorm.DB) error {
		ids = ids[:0]
		return db.Model(&battleRow{}).
			Where("updated_at < ?", cutoff).
			Where("NOT EXISTS (SELECT 1 FROM participants WHERE participants.battle_id = battles.id)").
			Pluck("id", &ids).Error
	})
	return ids, err
}

func (s *Store) AddParticipant(ctx context.Context, p battle.Participant, max int) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}

	var added bool
	err := s.do(ctx, "add_participant", func(db *gorm.DB) error {
		added = false
		return db.Transaction(func(tx *gorm.DB) error {
			// Lock the battle row so concurrent joins count seats one at a time.
			var b battleRow
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&b, "id = ?", p.BattleID).Error; err != nil {
				return notFound(err)
			}

			var existing int64
			if err := tx.Model(&participantRow{}).Where("battle_id = ? AND user_id = ?", p.BattleID, p.UserID).Count(&existing).Error; err != nil {
				return err
			}
			if existing > 0 {
				added = true
				return nil
			}

			var seated int64
			if err := tx.Model(&participantRow{}).Where("battle_id = ?", p.BattleID).Count(&seated).Error; err != nil {
				return err
			}
			if seated >= int64(max) {
				return nil
			}

			row := participantRow{
				BattleID:  p.BattleID,
				UserID:    p.UserID,
				Name:      p.Profile.Name,
				AvatarURL: p.Profile.AvatarURL,
				JoinedAt:  p.JoinedAt,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			added = true
			return tx.Model(&battleRow{}).Where("id = ?", p.BattleID).Update("updated_at", time.Now()).Error
		})
	})
	return added, err
}

func (s *Store) RemoveParticipant(ctx context.Context, battleID, userID string) (bool, error) {
	var removed bool
	err := s.do(ctx, "remove_participant", func(db *gorm.DB) error {
		removed = false
		return db.Transaction(func(tx *gorm.DB) error {
			var row battleRow
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", battleID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil
				}
				return err
			}
			res := tx.Where("battle_id = ? AND user_id = ?", battleID, userID).Delete(&participantRow{})
			if res.Error != nil {
				return res.Error
			}
			removed = res.RowsAffected > 0
			if !removed {
				return nil
			}
			// A seat that is given up must be confirmed again after a rejoin.
			delete(row.Readiness, userID)
			return tx.Model(&row).Select("readiness", "updated_at").Updates(battleRow{Readiness: row.Readiness, UpdatedAt: time.Now()}).Error
		})
	})
	return removed, err
}

func (s *Store) ListParticipants(ctx context.Context, battleID string) ([]battle.Participant, error) {
	var rows []participantRow
	err := s.do(ctx, "list_participants", func(db *gorm.DB) error {
		rows = rows[:0]
		return db.Where("battle_id = ?", battleID).Order("id ASC").Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	out := make([]battle.Participant, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toParticipant())
	}
	return out, nil
}

func (s *Store) AddSpectator(ctx context.Context, sp battle.Spectator) error {
	if err := sp.Validate(); err != nil {
		return err
	}
	if sp.JoinedAt.IsZero() {
		sp.JoinedAt = time.Now()
	}
	row := spectatorRow{BattleID: sp.BattleID, UserID: sp.UserID, JoinedAt: sp.JoinedAt}
	return s.do(ctx, "add_spectator", func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	})
}

func (s *Store) RemoveSpectator(ctx context.Context, battleID, userID string) (bool, error) {
	var removed bool
	err := s.do(ctx, "remove_spectator", func(db *gorm.DB) error {
		res := db.Where("battle_id = ? AND user_id = ?", battleID, userID).Delete(&spectatorRow{})
		removed = res.RowsAffected > 0
		return res.Error
	})
	return removed, err
}

func (s *Store) ListSpectators(ctx context.Context, battleID string) ([]battle.Spectator, error) {
	var rows []spectatorRow
	err := s.do(ctx, "list_spectators", func(db *gorm.DB) error {
		rows = rows[:0]
		return db.Where("battle_id = ?", battleID).Order("joined_at ASC").Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	out := make([]battle.Spectator, 0, len(rows))
	for _, r := range rows {
		out = append(out, battle.Spectator{BattleID: r.BattleID, UserID: r.UserID, JoinedAt: r.JoinedAt})
	}
	return out, nil
}

func (s *Store) UpsertVote(ctx context.Context, v battle.Vote) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if v.CastAt.IsZero() {
		v.CastAt = time.Now()
	}
	row := voteRow{BattleID: v.BattleID, VoterID: v.VoterID, VotedForID: v.VotedForID, Score: v.Score, CastAt: v.CastAt}
	return s.do(ctx, "upsert_vote", func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "battle_id"}, {Name: "voter_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"voted_for_id", "score", "cast_at"}),
		}).Create(&row).Error
	})
}

func (s *Store) ListVotes(ctx context.Context, battleID string) ([]battle.Vote, error) {
	var rows []voteRow
	err := s.do(ctx, "list_votes", func(db *gorm.DB) error {
		rows = rows[:0]
		return db.Where("battle_id = ?", battleID).Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	out := make([]battle.Vote, 0, len(rows))
	for _, r := range rows {
		out = append(out, battle.Vote{BattleID: r.BattleID, VoterID: r.VoterID, VotedForID: r.VotedForID, Score: r.Score, CastAt: r.CastAt})
	}
	return out, nil
}
