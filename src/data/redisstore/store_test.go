package redisstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stake-plus/govvote/src/voting"
	"github.com/stake-plus/govvote/src/voting/storetest"
)

func newClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestConformance(t *testing.T) {
	servers := map[voting.Store]*miniredis.Miniredis{}
	storetest.Run(t, storetest.Factory{
		New: func(t *testing.T) voting.Store {
			mr := miniredis.RunT(t)
			s := New(newClient(t, mr), "")
			servers[s] = mr
			return s
		},
		Reopen: func(t *testing.T, s voting.Store) voting.Store {
			mr := servers[s]
			require.NoError(t, s.Close())
			return New(newClient(t, mr), "")
		},
	})
}

func TestKeysCarryHashTag(t *testing.T) {
	mr := miniredis.RunT(t)
	s := New(newClient(t, mr), "")
	ctx := context.Background()

	p, err := s.CreateProposal(ctx, "Hash tags", voting.Member{ID: 4, DisplayName: "Dee"}, time.Now())
	require.NoError(t, err)
	_, err = s.CastBallot(ctx, p.ID, voting.Member{ID: 5}, voting.PolicyPerProposal, time.Now())
	require.NoError(t, err)

	keys := mr.Keys()
	require.NotEmpty(t, keys)
	for _, k := range keys {
		assert.Contains(t, k, DefaultPrefix+":")
	}
	got, err := mr.Get(DefaultPrefix + ":next_id")
	require.NoError(t, err)
	assert.Equal(t, "1", got)
}

// scriptHook records the arguments of every EVAL and EVALSHA.
type scriptHook struct {
	mu    sync.Mutex
	calls [][]any
}

func (h *scriptHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *scriptHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if name := cmd.Name(); name == "eval" || name == "evalsha" {
			h.mu.Lock()
			h.calls = append(h.calls, cmd.Args())
			h.mu.Unlock()
		}
		return next(ctx, cmd)
	}
}

func (h *scriptHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

var _ redis.Hook = (*scriptHook)(nil)

func TestScriptsRouteBySlotKey(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := newClient(t, mr)
	hook := &scriptHook{}
	rdb.AddHook(hook)
	s := New(rdb, "")
	ctx := context.Background()

	p, err := s.CreateProposal(ctx, "routed", voting.Member{ID: 1, DisplayName: "Ana"}, time.Now())
	require.NoError(t, err)
	_, err = s.CastBallot(ctx, p.ID, voting.Member{ID: 2}, voting.PolicySingle, time.Now())
	require.NoError(t, err)
	_, err = s.Proposals(ctx)
	require.NoError(t, err)
	_, err = s.Ballots(ctx)
	require.NoError(t, err)
	require.NoError(t, s.DeleteProposal(ctx, p.ID))
	require.NoError(t, s.Reset(ctx))

	hook.mu.Lock()
	defer hook.mu.Unlock()
	require.NotEmpty(t, hook.calls)
	for _, args := range hook.calls {
		require.GreaterOrEqual(t, len(args), 4, "%v", args)
		assert.Equal(t, "1", fmt.Sprint(args[2]), "one key per script")
		assert.Equal(t, DefaultPrefix+":next_id", fmt.Sprint(args[3]))
	}
}

func TestPrefixesAreIsolated(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := newClient(t, mr)
	a, b := New(rdb, "{a}"), New(rdb, "{b}")
	ctx := context.Background()

	_, err := a.CreateProposal(ctx, "only in a", voting.Member{ID: 1}, time.Now())
	require.NoError(t, err)

	list, err := b.Proposals(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	p, err := b.CreateProposal(ctx, "first in b", voting.Member{ID: 1}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.ID)
}

func TestServerDownIsUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	s := New(newClient(t, mr), "")
	mr.Close()

	_, err := s.CreateProposal(context.Background(), "x", voting.Member{ID: 1}, time.Now())
	assert.ErrorIs(t, err, voting.ErrStoreUnavailable)
	_, err = s.Proposals(context.Background())
	assert.ErrorIs(t, err, voting.ErrStoreUnavailable)
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := Connect(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	rdb.Close()

	_, err = Connect(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestEventsPublish(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := newClient(t, mr)
	events := NewEvents(rdb, "")
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, events.Publish(ctx, voting.Event{Type: voting.EventBallotCast, ProposalID: 7, UserID: 42, At: at}))
	require.NoError(t, events.Publish(ctx, voting.Event{Type: voting.EventStateReset, At: at}))

	msgs, err := rdb.XRange(ctx, DefaultStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	first := msgs[0].Values
	assert.Equal(t, "ballot.cast", first["type"])
	assert.Equal(t, "7", first["proposal_id"])
	assert.Equal(t, "42", first["user_id"])
	assert.Equal(t, "2026-03-01T12:00:00Z", first["at"])
	_, err = uuid.Parse(first["event_id"].(string))
	assert.NoError(t, err)

	assert.Equal(t, "state.reset", msgs[1].Values["type"])
	assert.NotEqual(t, first["event_id"], msgs[1].Values["event_id"])
}
