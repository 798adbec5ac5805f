package voting

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultMaxTextLength bounds proposal text, in runes.
const DefaultMaxTextLength = 500

// Service is the proposal and ballot API consumed by dispatchers.
type Service struct {
	store   Store
	policy  VotePolicy
	adminID int64
	maxText int
	events  Publisher
	metrics *Metrics
	now     func() time.Time
}

type Option func(*Service)

// WithAdmin sets the administrator identity. 0 means nobody is administrator.
func WithAdmin(id int64) Option { return func(s *Service) { s.adminID = id } }

func WithPolicy(p VotePolicy) Option { return func(s *Service) { s.policy = p } }

func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithMaxTextLength(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxText = n
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:   store,
		policy:  PolicyPerProposal,
		maxText: DefaultMaxTextLength,
		events:  nopPublisher{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	return s
}

// Policy returns the vote policy in effect.
func (s *Service) Policy() VotePolicy { return s.policy }

// IsAdmin reports whether id is the configured administrator.
func (s *Service) IsAdmin(id int64) bool {
	return s.adminID != 0 && id == s.adminID
}

// Propose stores text, trimmed of surrounding whitespace, as a new proposal.
func (s *Service) Propose(ctx context.Context, text string, author Member) (Proposal, error) {
	clean, err := s.cleanText(text)
	if err != nil {
		return Proposal{}, err
	}

	p, err := s.store.CreateProposal(ctx, clean, author, s.now().UTC())
	if err != nil {
		return Proposal{}, s.storeFailure("propose", err)
	}

	s.metrics.proposals.Inc()
	log.Printf("voting: proposal #%d created by %d", p.ID, author.ID)
	s.publish(ctx, Event{Type: EventProposalCreated, ProposalID: p.ID, UserID: author.ID, At: p.CreatedAt})
	return p, nil
}

func (s *Service) cleanText(text string) (string, error) {
	if !utf8.ValidString(text) {
		return "", fmt.Errorf("%w: proposal text is not valid UTF-8", ErrInvalidInput)
	}
	clean := strings.TrimSpace(text)
	if clean == "" {
		return "", fmt.Errorf("%w: proposal text is empty", ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(clean); n > s.maxText {
		return "", fmt.Errorf("%w: proposal text is %d characters, limit is %d", ErrInvalidInput, n, s.maxText)
	}
	return clean, nil
}

// Proposal returns a single live proposal.
func (s *Service) Proposal(ctx context.Context, id uint64) (Proposal, error) {
	if id == 0 {
		return Proposal{}, fmt.Errorf("%w: proposal id must be positive", ErrInvalidInput)
	}
	p, err := s.store.Proposal(ctx, id)
	if err != nil {
		return Proposal{}, s.storeFailure("proposal", err)
	}
	return p, nil
}

// Proposals lists live proposals by ascending id. No proposals is an empty slice.
func (s *Service) Proposals(ctx context.Context) ([]Proposal, error) {
	list, err := s.store.Proposals(ctx)
	if err != nil {
		return nil, s.storeFailure("list", err)
	}
	if list == nil {
		list = []Proposal{}
	}
	return list, nil
}

// Top returns up to limit proposals by descending votes, ties by ascending id.
func (s *Service) Top(ctx context.Context, limit int) ([]Proposal, error) {
	if limit <= 0 {
		limit = DefaultTopLimit
	}
	list, err := s.Proposals(ctx)
	if err != nil {
		return nil, err
	}
	ranked := slices.Clone(list)
	slices.SortStableFunc(ranked, func(a, b Proposal) int {
		if a.VoteCount != b.VoteCount {
			return b.VoteCount - a.VoteCount
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// Vote casts voter's ballot for proposalID under the service policy.
func (s *Service) Vote(ctx context.Context, proposalID uint64, voter Member) (CastResult, error) {
	if proposalID == 0 {
		return CastResult{}, fmt.Errorf("%w: proposal id must be positive", ErrInvalidInput)
	}

	res, err := s.store.CastBallot(ctx, proposalID, voter, s.policy, s.now().UTC())
	s.metrics.votes.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		return CastResult{}, s.storeFailure("vote", err)
	}

	at := s.now().UTC()
	if res.Revoked != 0 {
		log.Printf("voting: voter %d moved ballot from #%d to #%d", voter.ID, res.Revoked, proposalID)
		s.publish(ctx, Event{Type: EventBallotRevoked, ProposalID: res.Revoked, UserID: voter.ID, At: at})
	} else {
		log.Printf("voting: voter %d voted for #%d", voter.ID, proposalID)
	}
	s.publish(ctx, Event{Type: EventBallotCast, ProposalID: proposalID, UserID: voter.ID, At: at})
	return res, nil
}

// Delete removes a proposal if requesterID is its author or the administrator.
func (s *Service) Delete(ctx context.Context, proposalID uint64, requesterID int64) error {
	err := s.delete(ctx, proposalID, requesterID)
	s.metrics.deletes.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		return err
	}

	log.Printf("voting: proposal #%d deleted by %d", proposalID, requesterID)
	s.publish(ctx, Event{Type: EventProposalDeleted, ProposalID: proposalID, UserID: requesterID, At: s.now().UTC()})
	return nil
}

func (s *Service) delete(ctx context.Context, proposalID uint64, requesterID int64) error {
	p, err := s.Proposal(ctx, proposalID)
	if err != nil {
		return err
	}
	if p.AuthorID != requesterID && !s.IsAdmin(requesterID) {
		return ErrForbidden
	}
	if err := s.store.DeleteProposal(ctx, proposalID); err != nil {
		return s.storeFailure("delete", err)
	}
	return nil
}

// Participation returns counters by descending count, ties by ascending user id.
func (s *Service) Participation(ctx context.Context) ([]Participant, error) {
	list, err := s.store.Participation(ctx)
	if err != nil {
		return nil, s.storeFailure("participation", err)
	}
	out := slices.Clone(list)
	if out == nil {
		out = []Participant{}
	}
	slices.SortFunc(out, func(a, b Participant) int {
		if a.Count != b.Count {
			return b.Count - a.Count
		}
		return cmp.Compare(a.UserID, b.UserID)
	})
	return out, nil
}

// Reset clears all proposals, ballots and participation. Callers check authorization.
func (s *Service) Reset(ctx context.Context) error {
	if err := s.store.Reset(ctx); err != nil {
		return s.storeFailure("reset", err)
	}
	log.Printf("voting: all proposals, ballots and participation cleared")
	s.publish(ctx, Event{Type: EventStateReset, At: s.now().UTC()})
	return nil
}

// Verify checks that every tally equals its ballot count and that no ballot points at a
// deleted proposal. It reads proposals and ballots separately, so run it while idle.
func (s *Service) Verify(ctx context.Context) error {
	proposals, err := s.Proposals(ctx)
	if err != nil {
		return err
	}
	ballots, err := s.store.Ballots(ctx)
	if err != nil {
		return s.storeFailure("ballots", err)
	}

	counts := make(map[uint64]int, len(proposals))
	for _, b := range ballots {
		counts[b.ProposalID]++
	}

	var problems []error
	for _, p := range proposals {
		if got := counts[p.ID]; got != p.VoteCount {
			problems = append(problems, fmt.Errorf("proposal #%d has %d ballots but vote count %d", p.ID, got, p.VoteCount))
		}
		delete(counts, p.ID)
	}
	for id, n := range counts {
		problems = append(problems, fmt.Errorf("%d ballots reference missing proposal #%d", n, id))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrInconsistent, errors.Join(problems...))
	}
	return nil
}

func (s *Service) storeFailure(op string, err error) error {
	if IsDomain(err) {
		return err
	}
	s.metrics.storeErrors.WithLabelValues(op).Inc()
	log.Printf("voting: %s failed: %v", op, err)
	return Unavailable(op, err)
}

func (s *Service) publish(ctx context.Context, ev Event) {
	if err := s.events.Publish(ctx, ev); err != nil {
		log.Printf("voting: publish %s for #%d failed: %v", ev.Type, ev.ProposalID, err)
	}
}
