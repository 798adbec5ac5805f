// Package badgerstore keeps proposals, ballots and participation in an embedded Badger
// database.
package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/stake-plus/govvote/src/voting"
)

var _ voting.Store = (*Store)(nil)

// Key layout. Integers are big endian so iteration order is numeric order.
//
//	m/next_id            next proposal id
//	p/<pid>              proposal JSON
//	b/<pid><uid>         ballot JSON
//	v/<uid><pid>         voter index, empty value
//	u/<uid>              participant JSON
var (
	prefixProposal    = []byte("p/")
	prefixBallot      = []byte("b/")
	prefixVoter       = []byte("v/")
	prefixParticipant = []byte("u/")
	keyNextID         = []byte("m/next_id")
)

const gcInterval = 5 * time.Minute

// Store is a voting.Store over Badger. Writers are serialized by a mutex, since Badger is
// opened by one process only; readers use snapshot transactions.
type Store struct {
	db     *badger.DB
	mu     sync.Mutex
	stopGC chan struct{}
	gcDone sync.WaitGroup
}

// Open opens the database in dir, creating it if needed. An empty dir keeps everything in
// memory.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(logger{}).
		WithLoggingLevel(badger.WARNING)
	if dir == "" {
		opts = opts.WithInMemory(true)
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create badger dir: %w", err)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, voting.Unavailable("open badger", err)
	}
	s := &Store{db: db}
	if dir != "" {
		s.stopGC = make(chan struct{})
		s.gcDone.Add(1)
		go s.gcLoop()
	}
	return s, nil
}

func (s *Store) gcLoop() {
	defer s.gcDone.Done()
	t := time.NewTicker(gcInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			for {
				err := s.db.RunValueLogGC(0.5)
				if err == nil {
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) {
					log.Printf("badgerstore: value log gc: %v", err)
				}
				break
			}
		case <-s.stopGC:
			return
		}
	}
}

func (s *Store) update(op string, fn func(txn *badger.Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(fn)
	if err != nil && !voting.IsDomain(err) {
		log.Printf("badgerstore: %s: %v", op, err)
	}
	return voting.Unavailable(op, err)
}

func (s *Store) view(op string, fn func(txn *badger.Txn) error) error {
	err := s.db.View(fn)
	if err != nil && !voting.IsDomain(err) {
		log.Printf("badgerstore: %s: %v", op, err)
	}
	return voting.Unavailable(op, err)
}

func (s *Store) CreateProposal(_ context.Context, text string, author voting.Member, at time.Time) (voting.Proposal, error) {
	var created voting.Proposal
	err := s.update("create proposal", func(txn *badger.Txn) error {
		next, err := nextID(txn)
		if err != nil {
			return err
		}
		created = voting.Proposal{
			ID:                next,
			Text:              text,
			AuthorID:          author.ID,
			AuthorDisplayName: author.DisplayName,
			CreatedAt:         at,
		}
		if err := txn.Set(keyNextID, u64(next+1)); err != nil {
			return err
		}
		if err := putJSON(txn, proposalKey(next), created); err != nil {
			return err
		}
		return bump(txn, author)
	})
	return created, err
}

func (s *Store) Proposal(_ context.Context, id uint64) (voting.Proposal, error) {
	var p voting.Proposal
	err := s.view("get proposal", func(txn *badger.Txn) error {
		return getJSON(txn, proposalKey(id), &p)
	})
	return p, err
}

func (s *Store) Proposals(context.Context) ([]voting.Proposal, error) {
	out := []voting.Proposal{}
	err := s.view("list proposals", func(txn *badger.Txn) error {
		return scan(txn, prefixProposal, func(item *badger.Item) error {
			var p voting.Proposal
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &p) }); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

func (s *Store) DeleteProposal(_ context.Context, id uint64) error {
	return s.update("delete proposal", func(txn *badger.Txn) error {
		if _, err := txn.Get(proposalKey(id)); err != nil {
			return notFound(err)
		}
		var voters []int64
		err := scan(txn, join(prefixBallot, u64(id)), func(item *badger.Item) error {
			voters = append(voters, int64(binary.BigEndian.Uint64(item.Key()[len(prefixBallot)+8:])))
			return nil
		})
		if err != nil {
			return err
		}
		for _, uid := range voters {
			if err := txn.Delete(ballotKey(id, uid)); err != nil {
				return err
			}
			if err := txn.Delete(voterKey(uid, id)); err != nil {
				return err
			}
		}
		return txn.Delete(proposalKey(id))
	})
}

func (s *Store) CastBallot(_ context.Context, proposalID uint64, voter voting.Member, policy voting.VotePolicy, at time.Time) (voting.CastResult, error) {
	var res voting.CastResult
	err := s.update("cast ballot", func(txn *badger.Txn) error {
		res = voting.CastResult{}
		var target voting.Proposal
		if err := getJSON(txn, proposalKey(proposalID), &target); err != nil {
			return err
		}
		if _, err := txn.Get(ballotKey(proposalID, voter.ID)); err == nil {
			return voting.ErrAlreadyVoted
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if policy == voting.PolicySingle {
			var previous []uint64
			err := scan(txn, join(prefixVoter, i64(voter.ID)), func(item *badger.Item) error {
				previous = append(previous, binary.BigEndian.Uint64(item.Key()[len(prefixVoter)+8:]))
				return nil
			})
			if err != nil {
				return err
			}
			for _, pid := range previous {
				if err := revoke(txn, pid, voter.ID); err != nil {
					return err
				}
				res.Revoked = pid
			}
		}

		ballot := voting.Ballot{
			VoterID:          voter.ID,
			ProposalID:       proposalID,
			VoterDisplayName: voter.DisplayName,
			CastAt:           at,
		}
		if err := putJSON(txn, ballotKey(proposalID, voter.ID), ballot); err != nil {
			return err
		}
		if err := txn.Set(voterKey(voter.ID, proposalID), nil); err != nil {
			return err
		}
		target.VoteCount++
		if err := putJSON(txn, proposalKey(proposalID), target); err != nil {
			return err
		}
		res.Proposal = target
		return bump(txn, voter)
	})
	if err != nil {
		return voting.CastResult{}, err
	}
	return res, nil
}

func revoke(txn *badger.Txn, pid uint64, uid int64) error {
	if err := txn.Delete(ballotKey(pid, uid)); err != nil {
		return err
	}
	if err := txn.Delete(voterKey(uid, pid)); err != nil {
		return err
	}
	var p voting.Proposal
	err := getJSON(txn, proposalKey(pid), &p)
	if errors.Is(err, voting.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	p.VoteCount--
	return putJSON(txn, proposalKey(pid), p)
}

func (s *Store) Ballots(context.Context) ([]voting.Ballot, error) {
	out := []voting.Ballot{}
	err := s.view("list ballots", func(txn *badger.Txn) error {
		return scan(txn, prefixBallot, func(item *badger.Item) error {
			var b voting.Ballot
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &b) }); err != nil {
				return err
			}
			out = append(out, b)
			return nil
		})
	})
	return out, err
}

func (s *Store) Participation(context.Context) ([]voting.Participant, error) {
	out := []voting.Participant{}
	err := s.view("participation", func(txn *badger.Txn) error {
		return scan(txn, prefixParticipant, func(item *badger.Item) error {
			var p voting.Participant
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &p) }); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

// Reset deletes everything but the id counter in one transaction.
func (s *Store) Reset(context.Context) error {
	return s.update("reset", func(txn *badger.Txn) error {
		var keys [][]byte
		for _, prefix := range [][]byte{prefixProposal, prefixBallot, prefixVoter, prefixParticipant} {
			err := scan(txn, prefix, func(item *badger.Item) error {
				keys = append(keys, item.KeyCopy(nil))
				return nil
			})
			if err != nil {
				return err
			}
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		s.gcDone.Wait()
		s.stopGC = nil
	}
	return s.db.Close()
}

func nextID(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get(keyNextID)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	var next uint64
	err = item.Value(func(v []byte) error {
		if len(v) != 8 {
			return fmt.Errorf("%w: next id has %d bytes", voting.ErrInconsistent, len(v))
		}
		next = binary.BigEndian.Uint64(v)
		return nil
	})
	return next, err
}

func bump(txn *badger.Txn, m voting.Member) error {
	var p voting.Participant
	if err := getJSON(txn, participantKey(m.ID), &p); err != nil && !errors.Is(err, voting.ErrNotFound) {
		return err
	}
	p.UserID = m.ID
	if m.DisplayName != "" {
		p.DisplayName = m.DisplayName
	}
	p.Count++
	return putJSON(txn, participantKey(m.ID), p)
}

func scan(txn *badger.Txn, prefix []byte, fn func(item *badger.Item) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		if err := fn(it.Item()); err != nil {
			return err
		}
	}
	return nil
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return notFound(err)
	}
	return item.Value(func(raw []byte) error { return json.Unmarshal(raw, v) })
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, raw)
}

func notFound(err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return voting.ErrNotFound
	}
	return err
}

func proposalKey(id uint64) []byte           { return join(prefixProposal, u64(id)) }
func ballotKey(pid uint64, uid int64) []byte { return join(prefixBallot, u64(pid), i64(uid)) }
func voterKey(uid int64, pid uint64) []byte  { return join(prefixVoter, i64(uid), u64(pid)) }
func participantKey(uid int64) []byte        { return join(prefixParticipant, i64(uid)) }

func u64(v uint64) []byte { return binary.BigEndian.AppendUint64(nil, v) }
func i64(v int64) []byte  { return u64(uint64(v)) }

func join(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
