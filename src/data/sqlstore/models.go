package sqlstore

import (
	"time"

	"github.com/stake-plus/govvote/src/voting"
)

const proposalCounter = "proposal"

type proposalRow struct {
	ID                uint64    `gorm:"primaryKey;autoIncrement:false"`
	Text              string    `gorm:"type:text;not null"`
	AuthorID          int64     `gorm:"index;not null"`
	AuthorDisplayName string    `gorm:"size:128"`
	VoteCount         int       `gorm:"not null;default:0"`
	CreatedAt         time.Time `gorm:"not null"`
}

func (proposalRow) TableName() string { return "proposals" }

func (r proposalRow) proposal() voting.Proposal {
	return voting.Proposal{
		ID:                r.ID,
		Text:              r.Text,
		AuthorID:          r.AuthorID,
		AuthorDisplayName: r.AuthorDisplayName,
		VoteCount:         r.VoteCount,
		CreatedAt:         r.CreatedAt.UTC(),
	}
}

type ballotRow struct {
	ID               uint64    `gorm:"primaryKey"`
	ProposalID       uint64    `gorm:"uniqueIndex:idx_ballot_unique,priority:1;not null"`
	VoterID          int64     `gorm:"uniqueIndex:idx_ballot_unique,priority:2;index:idx_ballot_voter;not null"`
	VoterDisplayName string    `gorm:"size:128"`
	CastAt           time.Time `gorm:"not null"`
}

func (ballotRow) TableName() string { return "ballots" }

type participantRow struct {
	UserID      int64  `gorm:"primaryKey;autoIncrement:false"`
	DisplayName string `gorm:"size:128"`
	Actions     int    `gorm:"not null;default:0"`
}

func (participantRow) TableName() string { return "participants" }

type counterRow struct {
	Name  string `gorm:"primaryKey;size:32"`
	Value uint64 `gorm:"not null;default:0"`
}

func (counterRow) TableName() string { return "counters" }

// Setting is a name/value override for configuration, read at startup.
type Setting struct {
	Name  string `gorm:"primaryKey;size:64"`
	Value string `gorm:"type:text"`
}

func (Setting) TableName() string { return "settings" }

var migrateModels = []any{
	&proposalRow{},
	&ballotRow{},
	&participantRow{},
	&counterRow{},
	&Setting{},
}
