package voting

import (
	"context"
	"time"
)

type EventType string

const (
	EventProposalCreated EventType = "proposal.created"
	EventProposalDeleted EventType = "proposal.deleted"
	EventBallotCast      EventType = "ballot.cast"
	EventBallotRevoked   EventType = "ballot.revoked"
	EventStateReset      EventType = "state.reset"
)

// Event describes a committed change. UserID is the acting user, 0 for resets.
type Event struct {
	Type       EventType
	ProposalID uint64
	UserID     int64
	At         time.Time
}

// Publisher receives events after the store has committed them.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
