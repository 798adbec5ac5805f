package voting

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultTopLimit is the number of proposals returned by Top when no limit is given.
const DefaultTopLimit = 5

// Member identifies a chat user acting on the store.
type Member struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"displayName"`
}

// Proposal is a user submitted idea and its tally.
type Proposal struct {
	ID                uint64    `json:"id"`
	Text              string    `json:"text"`
	AuthorID          int64     `json:"authorId"`
	AuthorDisplayName string    `json:"authorDisplayName"`
	VoteCount         int       `json:"voteCount"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Ballot records that VoterID has voted for ProposalID.
type Ballot struct {
	VoterID          int64     `json:"voterId"`
	ProposalID       uint64    `json:"proposalId"`
	VoterDisplayName string    `json:"voterDisplayName"`
	CastAt           time.Time `json:"castAt"`
}

// Participant is a per-user running count of proposals created and votes cast.
type Participant struct {
	UserID      int64  `json:"userId"`
	DisplayName string `json:"displayName"`
	Count       int    `json:"count"`
}

// VotePolicy decides what happens when a voter votes for a second proposal.
type VotePolicy string

const (
	// PolicyPerProposal keeps every ballot; one ballot per voter per proposal.
	PolicyPerProposal VotePolicy = "per-proposal"
	// PolicySingle keeps one ballot per voter; a new vote revokes the previous one.
	PolicySingle VotePolicy = "single"
)

// ParseVotePolicy accepts the configuration spelling of a policy.
func ParseVotePolicy(s string) (VotePolicy, error) {
	switch VotePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyPerProposal:
		return PolicyPerProposal, nil
	case PolicySingle:
		return PolicySingle, nil
	default:
		return "", fmt.Errorf("unknown vote policy %q", s)
	}
}

// CastResult is returned by Store.CastBallot.
type CastResult struct {
	Proposal Proposal
	// Revoked is the proposal whose ballot was withdrawn under PolicySingle, or 0.
	Revoked uint64
}

// Store is a persistence backing for proposals, ballots and participation.
//
// Implementations own their data and must be safe for concurrent use. Every method is
// atomic: CastBallot and DeleteProposal either apply all of their effects or none.
// Storage failures are reported wrapped in ErrStoreUnavailable, never as empty results.
type Store interface {
	// CreateProposal stores a new proposal under the next unused id and increments the
	// author's participation counter.
	CreateProposal(ctx context.Context, text string, author Member, at time.Time) (Proposal, error)
	// Proposal returns ErrNotFound if id is not live.
	Proposal(ctx context.Context, id uint64) (Proposal, error)
	// Proposals returns live proposals by ascending id.
	Proposals(ctx context.Context) ([]Proposal, error)
	// DeleteProposal removes the proposal and its ballots.
	DeleteProposal(ctx context.Context, id uint64) error
	// CastBallot records a ballot, increments the tally and the voter's participation.
	CastBallot(ctx context.Context, proposalID uint64, voter Member, policy VotePolicy, at time.Time) (CastResult, error)
	// Ballots returns every ballot, ordered by proposal then voter.
	Ballots(ctx context.Context) ([]Ballot, error)
	// Participation returns participation counters in no particular order.
	Participation(ctx context.Context) ([]Participant, error)
	// Reset clears proposals, ballots and participation. Issued ids stay consumed.
	Reset(ctx context.Context) error
	Close() error
}
