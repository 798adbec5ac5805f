// Package storetest is a conformance suite for voting.Store implementations.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stake-plus/govvote/src/voting"
)

// Factory opens stores for the suite. Reopen is optional; when set it must close s and
// return a store over the same persisted data.
type Factory struct {
	New    func(t *testing.T) voting.Store
	Reopen func(t *testing.T, s voting.Store) voting.Store
}

var (
	alice = voting.Member{ID: 1, DisplayName: "Alice"}
	bob   = voting.Member{ID: 2, DisplayName: "Bob"}
	carol = voting.Member{ID: 3, DisplayName: "Carol"}
	epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
)

// Run executes every conformance test against stores produced by f.
func Run(t *testing.T, f Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, f Factory)
	}{
		{"IDsIncrease", testIDsIncrease},
		{"EmptyState", testEmptyState},
		{"ProposalFields", testProposalFields},
		{"VoteOnce", testVoteOnce},
		{"VoteUnknownProposal", testVoteUnknownProposal},
		{"DeleteCascades", testDeleteCascades},
		{"DeleteUnknown", testDeleteUnknown},
		{"Participation", testParticipation},
		{"Reset", testReset},
		{"SinglePolicyMovesBallot", testSinglePolicy},
		{"SinglePolicyAfterDelete", testSinglePolicyAfterDelete},
		{"ConcurrentSameBallot", testConcurrentSameBallot},
		{"ConcurrentVoters", testConcurrentVoters},
		{"ConcurrentSingleVoter", testConcurrentSingleVoter},
		{"Persistence", testPersistence},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, f)
		})
	}
}

func open(t *testing.T, f Factory) voting.Store {
	t.Helper()
	s := f.New(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func propose(t *testing.T, s voting.Store, text string, author voting.Member) voting.Proposal {
	t.Helper()
	p, err := s.CreateProposal(context.Background(), text, author, epoch)
	require.NoError(t, err)
	return p
}

func vote(s voting.Store, id uint64, voter voting.Member, policy voting.VotePolicy) (voting.CastResult, error) {
	return s.CastBallot(context.Background(), id, voter, policy, epoch)
}

// AssertTally fails t unless every live proposal's vote count equals its ballot count and
// no ballot references a missing proposal.
func AssertTally(t *testing.T, s voting.Store) {
	t.Helper()
	ctx := context.Background()
	proposals, err := s.Proposals(ctx)
	require.NoError(t, err)
	ballots, err := s.Ballots(ctx)
	require.NoError(t, err)

	counts := make(map[uint64]int)
	for _, b := range ballots {
		counts[b.ProposalID]++
	}
	for _, p := range proposals {
		assert.Equal(t, counts[p.ID], p.VoteCount, "proposal #%d", p.ID)
		delete(counts, p.ID)
	}
	assert.Empty(t, counts, "ballots for missing proposals")
}

func testIDsIncrease(t *testing.T, f Factory) {
	s := open(t, f)
	ctx := context.Background()

	p1 := propose(t, s, "first", alice)
	p2 := propose(t, s, "second", alice)
	assert.Equal(t, uint64(1), p1.ID)
	assert.Equal(t, uint64(2), p2.ID)

	require.NoError(t, s.DeleteProposal(ctx, p2.ID))
	p3 := propose(t, s, "third", bob)
	assert.Equal(t, uint64(3), p3.ID, "deleted ids are not reused")

	list, err := s.Proposals(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, uint64(1), list[0].ID)
	assert.Equal(t, uint64(3), list[1].ID)
}

func testEmptyState(t *testing.T, f Factory) {
	s := open(t, f)
	ctx := context.Background()

	list, err := s.Proposals(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	parts, err := s.Participation(ctx)
	require.NoError(t, err)
	assert.Empty(t, parts)

	ballots, err := s.Ballots(ctx)
	require.NoError(t, err)
	assert.Empty(t, ballots)

	_, err = s.Proposal(ctx, 1)
	assert.ErrorIs(t, err, voting.ErrNotFound)
}

func testProposalFields(t *testing.T, f Factory) {
	s := open(t, f)

	p := propose(t, s, "Buy snacks", alice)
	got, err := s.Proposal(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Buy snacks", got.Text)
	assert.Equal(t, alice.ID, got.AuthorID)
	assert.Equal(t, alice.DisplayName, got.AuthorDisplayName)
	assert.Equal(t, 0, got.VoteCount)
	assert.True(t, epoch.Equal(got.CreatedAt), "created at %v", got.CreatedAt)
}

func testVoteOnce(t *testing.T, f Factory) {
	s := open(t, f)
	p := propose(t, s, "Buy snacks", alice)

	res, err := vote(s, p.ID, bob, voting.PolicyPerProposal)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Proposal.VoteCount)
	assert.Zero(t, res.Revoked)

	_, err = vote(s, p.ID, bob, voting.PolicyPerProposal)
	assert.ErrorIs(t, err, voting.ErrAlreadyVoted)

	got, err := s.Proposal(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.VoteCount)

	ballots, err := s.Ballots(context.Background())
	require.NoError(t, err)
	require.Len(t, ballots, 1)
	assert.Equal(t, bob.ID, ballots[0].VoterID)
	assert.Equal(t, p.ID, ballots[0].ProposalID)
	assert.Equal(t, bob.DisplayName, ballots[0].VoterDisplayName)
	AssertTally(t, s)
}

func testVoteUnknownProposal(t *testing.T, f Factory) {
	s := open(t, f)

	_, err := vote(s, 42, bob, voting.PolicyPerProposal)
	assert.ErrorIs(t, err, voting.ErrNotFound)

	parts, err := s.Participation(context.Background())
	require.NoError(t, err)
	assert.Empty(t, parts, "rejected votes do not count as participation")
}

func testDeleteCascades(t *testing.T, f Factory) {
	s := open(t, f)
	ctx := context.Background()

	p1 := propose(t, s, "one", alice)
	p2 := propose(t, s, "two", alice)
	for _, m := range []voting.Member{alice, bob, carol} {
		_, err := vote(s, p1.ID, m, voting.PolicyPerProposal)
		require.NoError(t, err)
	}
	_, err := vote(s, p2.ID, bob, voting.PolicyPerProposal)
	require.NoError(t, err)

	require.NoError(t, s.DeleteProposal(ctx, p1.ID))

	_, err = s.Proposal(ctx, p1.ID)
	assert.ErrorIs(t, err, voting.ErrNotFound)
	other, err := s.Proposal(ctx, p2.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, other.VoteCount)

	ballots, err := s.Ballots(ctx)
	require.NoError(t, err)
	require.Len(t, ballots, 1)
	assert.Equal(t, p2.ID, ballots[0].ProposalID)
	AssertTally(t, s)

	parts, err := s.Participation(ctx)
	require.NoError(t, err)
	byUser := participationByUser(parts)
	assert.Equal(t, 3, byUser[alice.ID].Count, "counters are never decremented")
	assert.Equal(t, 2, byUser[bob.ID].Count)
	assert.Equal(t, 1, byUser[carol.ID].Count)
}

func testDeleteUnknown(t *testing.T, f Factory) {
	s := open(t, f)
	assert.ErrorIs(t, s.DeleteProposal(context.Background(), 7), voting.ErrNotFound)
}

func testParticipation(t *testing.T, f Factory) {
	s := open(t, f)

	p := propose(t, s, "one", alice)
	propose(t, s, "two", alice)
	_, err := vote(s, p.ID, bob, voting.PolicyPerProposal)
	require.NoError(t, err)
	_, err = vote(s, p.ID, bob, voting.PolicyPerProposal)
	require.ErrorIs(t, err, voting.ErrAlreadyVoted)

	parts, err := s.Participation(context.Background())
	require.NoError(t, err)
	require.Len(t, parts, 2)
	byUser := participationByUser(parts)
	assert.Equal(t, voting.Participant{UserID: alice.ID, DisplayName: "Alice", Count: 2}, byUser[alice.ID])
	assert.Equal(t, voting.Participant{UserID: bob.ID, DisplayName: "Bob", Count: 1}, byUser[bob.ID])
}

func testReset(t *testing.T, f Factory) {
	s := open(t, f)
	ctx := context.Background()

	p := propose(t, s, "one", alice)
	_, err := vote(s, p.ID, bob, voting.PolicyPerProposal)
	require.NoError(t, err)

	require.NoError(t, s.Reset(ctx))

	list, err := s.Proposals(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	parts, err := s.Participation(ctx)
	require.NoError(t, err)
	assert.Empty(t, parts)
	ballots, err := s.Ballots(ctx)
	require.NoError(t, err)
	assert.Empty(t, ballots)

	next := propose(t, s, "after reset", carol)
	assert.Greater(t, next.ID, p.ID, "ids issued before a reset stay consumed")
}

func testSinglePolicy(t *testing.T, f Factory) {
	s := open(t, f)
	ctx := context.Background()

	p1 := propose(t, s, "one", alice)
	p2 := propose(t, s, "two", alice)

	_, err := vote(s, p1.ID, bob, voting.PolicySingle)
	require.NoError(t, err)
	res, err := vote(s, p2.ID, bob, voting.PolicySingle)
	require.NoError(t, err)
	assert.Equal(t, p1.ID, res.Revoked)
	assert.Equal(t, 1, res.Proposal.VoteCount)

	_, err = vote(s, p2.ID, bob, voting.PolicySingle)
	assert.ErrorIs(t, err, voting.ErrAlreadyVoted)

	first, err := s.Proposal(ctx, p1.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, first.VoteCount)

	ballots, err := s.Ballots(ctx)
	require.NoError(t, err)
	require.Len(t, ballots, 1)
	assert.Equal(t, p2.ID, ballots[0].ProposalID)
	AssertTally(t, s)

	parts, err := s.Participation(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, participationByUser(parts)[bob.ID].Count)
}

func testSinglePolicyAfterDelete(t *testing.T, f Factory) {
	s := open(t, f)
	ctx := context.Background()

	p1 := propose(t, s, "one", alice)
	p2 := propose(t, s, "two", alice)
	_, err := vote(s, p2.ID, bob, voting.PolicySingle)
	require.NoError(t, err)
	require.NoError(t, s.DeleteProposal(ctx, p2.ID))

	res, err := vote(s, p1.ID, bob, voting.PolicySingle)
	require.NoError(t, err)
	assert.Zero(t, res.Revoked, "the deleted proposal's ballot is already gone")
	assert.Equal(t, 1, res.Proposal.VoteCount)
	AssertTally(t, s)
}

func testConcurrentSameBallot(t *testing.T, f Factory) {
	s := open(t, f)
	p := propose(t, s, "contested", alice)

	const workers = 16
	var (
		accepted atomic.Int64
		rejected atomic.Int64
		failed   atomic.Int64
		wg       sync.WaitGroup
	)
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := vote(s, p.ID, bob, voting.PolicyPerProposal)
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, voting.ErrAlreadyVoted):
				rejected.Add(1)
			default:
				failed.Add(1)
				t.Logf("vote: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), accepted.Load())
	assert.Equal(t, int64(workers-1), rejected.Load())
	assert.Zero(t, failed.Load())

	got, err := s.Proposal(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.VoteCount)
	AssertTally(t, s)
}

func testConcurrentVoters(t *testing.T, f Factory) {
	s := open(t, f)
	p := propose(t, s, "popular", alice)

	const voters = 24
	var wg sync.WaitGroup
	errs := make(chan error, voters)
	for i := range voters {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := vote(s, p.ID, voting.Member{ID: id, DisplayName: "voter"}, voting.PolicyPerProposal)
			errs <- err
		}(int64(100 + i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	got, err := s.Proposal(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, voters, got.VoteCount)
	AssertTally(t, s)
}

func testConcurrentSingleVoter(t *testing.T, f Factory) {
	s := open(t, f)
	var ids []uint64
	for range 4 {
		ids = append(ids, propose(t, s, "option", alice).ID)
	}

	var wg sync.WaitGroup
	for round := range 3 {
		for _, id := range ids {
			wg.Add(1)
			go func(id uint64) {
				defer wg.Done()
				_, err := vote(s, id, bob, voting.PolicySingle)
				if err != nil && !errors.Is(err, voting.ErrAlreadyVoted) {
					t.Errorf("round %d vote #%d: %v", round, id, err)
				}
			}(id)
		}
	}
	wg.Wait()

	ballots, err := s.Ballots(context.Background())
	require.NoError(t, err)
	require.Len(t, ballots, 1, "single policy keeps one ballot per voter")
	AssertTally(t, s)
}

func testPersistence(t *testing.T, f Factory) {
	if f.Reopen == nil {
		t.Skip("store is not persistent")
	}
	s := f.New(t)
	ctx := context.Background()

	p1 := propose(t, s, "kept", alice)
	p2 := propose(t, s, "dropped", alice)
	_, err := vote(s, p1.ID, bob, voting.PolicyPerProposal)
	require.NoError(t, err)
	require.NoError(t, s.DeleteProposal(ctx, p2.ID))

	s = f.Reopen(t, s)
	t.Cleanup(func() { _ = s.Close() })

	got, err := s.Proposal(ctx, p1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.VoteCount)
	AssertTally(t, s)

	_, err = vote(s, p1.ID, bob, voting.PolicyPerProposal)
	assert.ErrorIs(t, err, voting.ErrAlreadyVoted)

	p3 := propose(t, s, "after restart", carol)
	assert.Equal(t, uint64(3), p3.ID, "id counter survives restarts")
}

func participationByUser(parts []voting.Participant) map[int64]voting.Participant {
	out := make(map[int64]voting.Participant, len(parts))
	for _, p := range parts {
		out[p.UserID] = p
	}
	return out
}
