// Package sqlstore keeps proposals, ballots and participation in MySQL or SQLite via gorm.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stake-plus/govvote/src/data/retry"
	"github.com/stake-plus/govvote/src/voting"
)

var _ voting.Store = (*Store)(nil)

const (
	txAttempts = 5
	txDelay    = 10 * time.Millisecond
)

// Store is a voting.Store over a gorm connection. Each mutation runs in one transaction;
// the unique index on (proposal_id, voter_id) backs the one-ballot rule, and on MySQL the
// proposal row is locked for the duration of a vote or delete. Under the single policy the
// voter's participant row is locked too.
type Store struct {
	db        *gorm.DB
	lockRows  bool
	ownsConns bool
}

// New migrates the schema and returns a store over db. Close does not close db.
func New(db *gorm.DB) (*Store, error) {
	s := &Store{db: db, lockRows: db.Dialector.Name() == "mysql"}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenMySQL connects to dsn and returns a store that owns the connection.
func OpenMySQL(dsn string) (*Store, error) {
	db, err := ConnectMySQL(dsn)
	if err != nil {
		return nil, voting.Unavailable("connect mysql", err)
	}
	return own(db)
}

// OpenSQLiteStore opens the SQLite file at path and returns a store that owns it.
func OpenSQLiteStore(path string) (*Store, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, voting.Unavailable("open sqlite", err)
	}
	return own(db)
}

func own(db *gorm.DB) (*Store, error) {
	s, err := New(db)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			sqlDB.Close()
		}
		return nil, err
	}
	s.ownsConns = true
	return s, nil
}

func (s *Store) migrate() error {
	for _, model := range migrateModels {
		if err := s.db.AutoMigrate(model); err != nil {
			return voting.Unavailable("migrate", fmt.Errorf("%T: %w", model, err))
		}
	}

	// Seed the id counter past any proposal already on disk.
	var maxID uint64
	if err := s.db.Model(&proposalRow{}).Select("COALESCE(MAX(id), 0)").Scan(&maxID).Error; err != nil {
		return voting.Unavailable("migrate", err)
	}
	err := s.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&counterRow{Name: proposalCounter, Value: maxID}).Error
	return voting.Unavailable("migrate", err)
}

func (s *Store) locked(tx *gorm.DB) *gorm.DB {
	if s.lockRows {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func (s *Store) transaction(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	err := retry.Do(ctx, txAttempts, txDelay, isTransient, func() error {
		return s.db.WithContext(ctx).Transaction(fn)
	})
	if err != nil && !voting.IsDomain(err) {
		log.Printf("sqlstore: %s: %v", op, err)
	}
	return voting.Unavailable(op, err)
}

func (s *Store) CreateProposal(ctx context.Context, text string, author voting.Member, at time.Time) (voting.Proposal, error) {
	var row proposalRow
	err := s.transaction(ctx, "create proposal", func(tx *gorm.DB) error {
		var counter counterRow
		if err := s.locked(tx).First(&counter, "name = ?", proposalCounter).Error; err != nil {
			return err
		}
		row = proposalRow{
			ID:                counter.Value + 1,
			Text:              text,
			AuthorID:          author.ID,
			AuthorDisplayName: author.DisplayName,
			CreatedAt:         at,
		}
		if err := tx.Model(&counterRow{}).Where("name = ?", proposalCounter).
			Update("value", row.ID).Error; err != nil {
			return err
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return bumpParticipant(tx, author)
	})
	if err != nil {
		return voting.Proposal{}, err
	}
	return row.proposal(), nil
}

func (s *Store) Proposal(ctx context.Context, id uint64) (voting.Proposal, error) {
	var row proposalRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return voting.Proposal{}, voting.ErrNotFound
	}
	if err != nil {
		return voting.Proposal{}, voting.Unavailable("get proposal", err)
	}
	return row.proposal(), nil
}

func (s *Store) Proposals(ctx context.Context) ([]voting.Proposal, error) {
	var rows []proposalRow
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, voting.Unavailable("list proposals", err)
	}
	out := make([]voting.Proposal, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.proposal())
	}
	return out, nil
}

func (s *Store) DeleteProposal(ctx context.Context, id uint64) error {
	return s.transaction(ctx, "delete proposal", func(tx *gorm.DB) error {
		var row proposalRow
		err := s.locked(tx).First(&row, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return voting.ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := tx.Where("proposal_id = ?", id).Delete(&ballotRow{}).Error; err != nil {
			return err
		}
		return tx.Delete(&proposalRow{}, "id = ?", id).Error
	})
}

func (s *Store) CastBallot(ctx context.Context, proposalID uint64, voter voting.Member, policy voting.VotePolicy, at time.Time) (voting.CastResult, error) {
	var res voting.CastResult
	err := s.transaction(ctx, "cast ballot", func(tx *gorm.DB) error {
		res = voting.CastResult{}

		if policy == voting.PolicySingle {
			if err := s.lockVoter(tx, voter.ID); err != nil {
				return err
			}
		}

		var target proposalRow
		err := s.locked(tx).First(&target, "id = ?", proposalID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return voting.ErrNotFound
		}
		if err != nil {
			return err
		}

		var existing []ballotRow
		q := tx.Where("voter_id = ?", voter.ID)
		if policy != voting.PolicySingle {
			q = q.Where("proposal_id = ?", proposalID)
		}
		if err := q.Find(&existing).Error; err != nil {
			return err
		}
		for _, b := range existing {
			if b.ProposalID == proposalID {
				return voting.ErrAlreadyVoted
			}
		}
		for _, b := range existing {
			if err := tx.Delete(&ballotRow{}, "id = ?", b.ID).Error; err != nil {
				return err
			}
			if err := tx.Model(&proposalRow{}).Where("id = ?", b.ProposalID).
				Update("vote_count", gorm.Expr("vote_count - 1")).Error; err != nil {
				return err
			}
			res.Revoked = b.ProposalID
		}

		ballot := ballotRow{
			ProposalID:       proposalID,
			VoterID:          voter.ID,
			VoterDisplayName: voter.DisplayName,
			CastAt:           at,
		}
		if err := tx.Create(&ballot).Error; err != nil {
			if isDuplicate(err) {
				return voting.ErrAlreadyVoted
			}
			return err
		}
		if err := tx.Model(&proposalRow{}).Where("id = ?", proposalID).
			Update("vote_count", gorm.Expr("vote_count + 1")).Error; err != nil {
			return err
		}
		if err := bumpParticipant(tx, voter); err != nil {
			return err
		}

		if err := tx.First(&target, "id = ?", proposalID).Error; err != nil {
			return err
		}
		res.Proposal = target.proposal()
		return nil
	})
	if err != nil {
		return voting.CastResult{}, err
	}
	return res, nil
}

func (s *Store) Ballots(ctx context.Context) ([]voting.Ballot, error) {
	var rows []ballotRow
	if err := s.db.WithContext(ctx).Order("proposal_id ASC, voter_id ASC").Find(&rows).Error; err != nil {
		return nil, voting.Unavailable("list ballots", err)
	}
	out := make([]voting.Ballot, 0, len(rows))
	for _, r := range rows {
		out = append(out, voting.Ballot{
			VoterID:          r.VoterID,
			ProposalID:       r.ProposalID,
			VoterDisplayName: r.VoterDisplayName,
			CastAt:           r.CastAt.UTC(),
		})
	}
	return out, nil
}

func (s *Store) Participation(ctx context.Context) ([]voting.Participant, error) {
	var rows []participantRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, voting.Unavailable("participation", err)
	}
	out := make([]voting.Participant, 0, len(rows))
	for _, r := range rows {
		out = append(out, voting.Participant{UserID: r.UserID, DisplayName: r.DisplayName, Count: r.Actions})
	}
	return out, nil
}

func (s *Store) Reset(ctx context.Context) error {
	return s.transaction(ctx, "reset", func(tx *gorm.DB) error {
		for _, model := range []any{&ballotRow{}, &proposalRow{}, &participantRow{}} {
			if err := tx.Where("1 = 1").Delete(model).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Close() error {
	if !s.ownsConns {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// lockVoter makes sure the voter has a participant row and locks it, so ballots by one voter
// are cast one at a time whatever the isolation level. The row is taken before any proposal
// row.
func (s *Store) lockVoter(tx *gorm.DB, voterID int64) error {
	err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&participantRow{UserID: voterID}).Error
	if err != nil {
		return err
	}
	var row participantRow
	return s.locked(tx).First(&row, "user_id = ?", voterID).Error
}

func bumpParticipant(tx *gorm.DB, m voting.Member) error {
	updates := map[string]any{"actions": gorm.Expr("actions + 1")}
	if m.DisplayName != "" {
		updates["display_name"] = m.DisplayName
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(updates),
	}).Create(&participantRow{UserID: m.ID, DisplayName: m.DisplayName, Actions: 1}).Error
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate entry") || strings.Contains(msg, "unique constraint")
}

func isTransient(err error) bool {
	if err == nil || voting.IsDomain(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "lock wait timeout") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy")
}
