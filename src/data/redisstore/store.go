// Package redisstore keeps proposals, ballots and participation in Redis. Every mutation is
// a single Lua script, which Redis runs atomically.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stake-plus/govvote/src/voting"
)

var _ voting.Store = (*Store)(nil)

// DefaultPrefix namespaces every key; the braces make it a cluster hash tag.
const DefaultPrefix = "{govvote}"

// Connect parses a redis:// URL and checks the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, voting.Unavailable("redis ping", err)
	}
	return rdb, nil
}

type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

// New returns a store using rdb. Close does not close rdb.
func New(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

// slot is the KEYS argument for every script. A cluster client routes a script by its
// keys, and every key the scripts touch shares this hash tag.
func (s *Store) slot() []string {
	return []string{s.key("next_id")}
}

func (s *Store) CreateProposal(ctx context.Context, text string, author voting.Member, at time.Time) (voting.Proposal, error) {
	id, err := createScript.Run(ctx, s.rdb, s.slot(),
		s.prefix, text, author.ID, author.DisplayName, at.UnixNano()).Uint64()
	if err != nil {
		return voting.Proposal{}, s.fail("create proposal", err)
	}
	return voting.Proposal{
		ID:                id,
		Text:              text,
		AuthorID:          author.ID,
		AuthorDisplayName: author.DisplayName,
		CreatedAt:         at,
	}, nil
}

func (s *Store) Proposal(ctx context.Context, id uint64) (voting.Proposal, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key("proposal", strconv.FormatUint(id, 10))).Result()
	if err != nil {
		return voting.Proposal{}, s.fail("get proposal", err)
	}
	if len(fields) == 0 {
		return voting.Proposal{}, voting.ErrNotFound
	}
	return parseProposal(id, fields)
}

func (s *Store) Proposals(ctx context.Context) ([]voting.Proposal, error) {
	rows, err := listScript.Run(ctx, s.rdb, s.slot(), s.prefix).Slice()
	if err != nil {
		return nil, s.fail("list proposals", err)
	}
	out := make([]voting.Proposal, 0, len(rows))
	for _, raw := range rows {
		row, ok := raw.([]any)
		if !ok || len(row) == 0 {
			return nil, s.fail("list proposals", fmt.Errorf("unexpected row %T", raw))
		}
		id, err := strconv.ParseUint(fmt.Sprint(row[0]), 10, 64)
		if err != nil {
			return nil, s.fail("list proposals", err)
		}
		p, err := parseProposal(id, pairs(row[1:]))
		if err != nil {
			return nil, s.fail("list proposals", err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) DeleteProposal(ctx context.Context, id uint64) error {
	deleted, err := deleteScript.Run(ctx, s.rdb, s.slot(), s.prefix, id).Int()
	if err != nil {
		return s.fail("delete proposal", err)
	}
	if deleted == 0 {
		return voting.ErrNotFound
	}
	return nil
}

func (s *Store) CastBallot(ctx context.Context, proposalID uint64, voter voting.Member, policy voting.VotePolicy, at time.Time) (voting.CastResult, error) {
	out, err := castScript.Run(ctx, s.rdb, s.slot(),
		s.prefix, proposalID, voter.ID, voter.DisplayName, at.UnixNano(), string(policy)).Slice()
	if err != nil {
		return voting.CastResult{}, s.fail("cast ballot", err)
	}
	if len(out) < 2 {
		return voting.CastResult{}, s.fail("cast ballot", fmt.Errorf("short script reply %v", out))
	}
	switch toInt(out[0]) {
	case statusNotFound:
		return voting.CastResult{}, voting.ErrNotFound
	case statusVoted:
		return voting.CastResult{}, voting.ErrAlreadyVoted
	case statusOK:
	default:
		return voting.CastResult{}, s.fail("cast ballot", fmt.Errorf("unexpected status %v", out[0]))
	}

	p, err := parseProposal(proposalID, pairs(out[2:]))
	if err != nil {
		return voting.CastResult{}, s.fail("cast ballot", err)
	}
	return voting.CastResult{Proposal: p, Revoked: uint64(toInt(out[1]))}, nil
}

func (s *Store) Ballots(ctx context.Context) ([]voting.Ballot, error) {
	rows, err := ballotsScript.Run(ctx, s.rdb, s.slot(), s.prefix).Slice()
	if err != nil {
		return nil, s.fail("list ballots", err)
	}
	out := make([]voting.Ballot, 0, len(rows))
	for _, raw := range rows {
		row, ok := raw.([]any)
		if !ok || len(row) != 3 {
			return nil, s.fail("list ballots", fmt.Errorf("unexpected row %v", raw))
		}
		pid, err1 := strconv.ParseUint(fmt.Sprint(row[0]), 10, 64)
		uid, err2 := strconv.ParseInt(fmt.Sprint(row[1]), 10, 64)
		at, name, err3 := splitBallot(fmt.Sprint(row[2]))
		if err := errors.Join(err1, err2, err3); err != nil {
			return nil, s.fail("list ballots", err)
		}
		out = append(out, voting.Ballot{VoterID: uid, ProposalID: pid, VoterDisplayName: name, CastAt: at})
	}
	slices.SortFunc(out, func(a, b voting.Ballot) int {
		if a.ProposalID != b.ProposalID {
			if a.ProposalID < b.ProposalID {
				return -1
			}
			return 1
		}
		switch {
		case a.VoterID < b.VoterID:
			return -1
		case a.VoterID > b.VoterID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *Store) Participation(ctx context.Context) ([]voting.Participant, error) {
	var counts, names *redis.MapStringStringCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		counts = pipe.HGetAll(ctx, s.key("participation"))
		names = pipe.HGetAll(ctx, s.key("names"))
		return nil
	})
	if err != nil {
		return nil, s.fail("participation", err)
	}
	out := make([]voting.Participant, 0, len(counts.Val()))
	for uidStr, countStr := range counts.Val() {
		uid, err1 := strconv.ParseInt(uidStr, 10, 64)
		count, err2 := strconv.Atoi(countStr)
		if err := errors.Join(err1, err2); err != nil {
			return nil, s.fail("participation", err)
		}
		out = append(out, voting.Participant{UserID: uid, DisplayName: names.Val()[uidStr], Count: count})
	}
	return out, nil
}

func (s *Store) Reset(ctx context.Context) error {
	if err := resetScript.Run(ctx, s.rdb, s.slot(), s.prefix).Err(); err != nil {
		return s.fail("reset", err)
	}
	return nil
}

func (s *Store) Close() error { return nil }

func (s *Store) fail(op string, err error) error {
	log.Printf("redisstore: %s: %v", op, err)
	return voting.Unavailable(op, err)
}

func parseProposal(id uint64, fields map[string]string) (voting.Proposal, error) {
	authorID, err1 := strconv.ParseInt(fields["author_id"], 10, 64)
	votes, err2 := strconv.Atoi(fields["votes"])
	created, err3 := strconv.ParseInt(fields["created_at"], 10, 64)
	if err := errors.Join(err1, err2, err3); err != nil {
		return voting.Proposal{}, fmt.Errorf("proposal %d: %w", id, err)
	}
	return voting.Proposal{
		ID:                id,
		Text:              fields["text"],
		AuthorID:          authorID,
		AuthorDisplayName: fields["author_name"],
		VoteCount:         votes,
		CreatedAt:         time.Unix(0, created).UTC(),
	}, nil
}

func pairs(flat []any) map[string]string {
	out := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		out[fmt.Sprint(flat[i])] = fmt.Sprint(flat[i+1])
	}
	return out
}

func splitBallot(v string) (time.Time, string, error) {
	at, name, _ := strings.Cut(v, ":")
	nanos, err := strconv.ParseInt(at, 10, 64)
	if err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, nanos).UTC(), name, nil
}

func toInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}
