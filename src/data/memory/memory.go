// Package memory keeps proposals, ballots and participation in process memory, optionally
// mirrored to a snapshot file after every change.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/stake-plus/govvote/src/voting"
)

var _ voting.Store = (*Store)(nil)

type ballotKey struct {
	voter    int64
	proposal uint64
}

type state struct {
	nextID        uint64
	proposals     map[uint64]voting.Proposal
	ballots       map[ballotKey]voting.Ballot
	participation map[int64]voting.Participant
}

func newState() *state {
	return &state{
		nextID:        1,
		proposals:     make(map[uint64]voting.Proposal),
		ballots:       make(map[ballotKey]voting.Ballot),
		participation: make(map[int64]voting.Participant),
	}
}

func (st *state) clone() *state {
	return &state{
		nextID:        st.nextID,
		proposals:     maps.Clone(st.proposals),
		ballots:       maps.Clone(st.ballots),
		participation: maps.Clone(st.participation),
	}
}

func (st *state) bump(m voting.Member) {
	p := st.participation[m.ID]
	p.UserID = m.ID
	if m.DisplayName != "" {
		p.DisplayName = m.DisplayName
	}
	p.Count++
	st.participation[m.ID] = p
}

// Store is a voting.Store over in-process maps. Writers work on a copy of the state and
// swap it in only after the optional snapshot has been written, so a failed write leaves
// the previous state in place.
type Store struct {
	mu       sync.RWMutex
	st       *state
	snapshot *Snapshot
}

// New returns an empty, non-persistent store.
func New() *Store {
	return &Store{st: newState()}
}

// Open returns a store backed by the snapshot file at path, loading it if it exists.
func Open(path string) (*Store, error) {
	snap := NewSnapshot(path)
	st, err := snap.Load()
	if err != nil {
		return nil, err
	}
	return &Store{st: st, snapshot: snap}, nil
}

func (s *Store) update(op string, fn func(st *state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.st.clone()
	if err := fn(next); err != nil {
		return err
	}
	if s.snapshot != nil {
		if err := s.snapshot.Save(next); err != nil {
			return voting.Unavailable(op, err)
		}
	}
	s.st = next
	return nil
}

func (s *Store) view() *state {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st
}

func (s *Store) CreateProposal(_ context.Context, text string, author voting.Member, at time.Time) (voting.Proposal, error) {
	var created voting.Proposal
	err := s.update("create proposal", func(st *state) error {
		created = voting.Proposal{
			ID:                st.nextID,
			Text:              text,
			AuthorID:          author.ID,
			AuthorDisplayName: author.DisplayName,
			CreatedAt:         at,
		}
		st.nextID++
		st.proposals[created.ID] = created
		st.bump(author)
		return nil
	})
	return created, err
}

func (s *Store) Proposal(_ context.Context, id uint64) (voting.Proposal, error) {
	p, ok := s.view().proposals[id]
	if !ok {
		return voting.Proposal{}, voting.ErrNotFound
	}
	return p, nil
}

func (s *Store) Proposals(context.Context) ([]voting.Proposal, error) {
	st := s.view()
	out := make([]voting.Proposal, 0, len(st.proposals))
	for _, id := range slices.Sorted(maps.Keys(st.proposals)) {
		out = append(out, st.proposals[id])
	}
	return out, nil
}

func (s *Store) DeleteProposal(_ context.Context, id uint64) error {
	return s.update("delete proposal", func(st *state) error {
		if _, ok := st.proposals[id]; !ok {
			return voting.ErrNotFound
		}
		delete(st.proposals, id)
		maps.DeleteFunc(st.ballots, func(k ballotKey, _ voting.Ballot) bool {
			return k.proposal == id
		})
		return nil
	})
}

func (s *Store) CastBallot(_ context.Context, proposalID uint64, voter voting.Member, policy voting.VotePolicy, at time.Time) (voting.CastResult, error) {
	var res voting.CastResult
	err := s.update("cast ballot", func(st *state) error {
		p, ok := st.proposals[proposalID]
		if !ok {
			return voting.ErrNotFound
		}
		key := ballotKey{voter: voter.ID, proposal: proposalID}
		if _, exists := st.ballots[key]; exists {
			return voting.ErrAlreadyVoted
		}

		if policy == voting.PolicySingle {
			for k := range st.ballots {
				if k.voter != voter.ID {
					continue
				}
				delete(st.ballots, k)
				if prev, ok := st.proposals[k.proposal]; ok {
					prev.VoteCount--
					st.proposals[k.proposal] = prev
				}
				res.Revoked = k.proposal
			}
		}

		st.ballots[key] = voting.Ballot{
			VoterID:          voter.ID,
			ProposalID:       proposalID,
			VoterDisplayName: voter.DisplayName,
			CastAt:           at,
		}
		p.VoteCount++
		st.proposals[proposalID] = p
		st.bump(voter)
		res.Proposal = p
		return nil
	})
	if err != nil {
		return voting.CastResult{}, err
	}
	return res, nil
}

func (s *Store) Ballots(context.Context) ([]voting.Ballot, error) {
	st := s.view()
	out := slices.Collect(maps.Values(st.ballots))
	sortBallots(out)
	return out, nil
}

func (s *Store) Participation(context.Context) ([]voting.Participant, error) {
	return slices.Collect(maps.Values(s.view().participation)), nil
}

func (s *Store) Reset(context.Context) error {
	return s.update("reset", func(st *state) error {
		clear(st.proposals)
		clear(st.ballots)
		clear(st.participation)
		return nil
	})
}

func (s *Store) Close() error { return nil }

func sortBallots(b []voting.Ballot) {
	slices.SortFunc(b, func(x, y voting.Ballot) int {
		if x.ProposalID != y.ProposalID {
			if x.ProposalID < y.ProposalID {
				return -1
			}
			return 1
		}
		switch {
		case x.VoterID < y.VoterID:
			return -1
		case x.VoterID > y.VoterID:
			return 1
		}
		return 0
	})
}
