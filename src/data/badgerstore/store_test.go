package badgerstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stake-plus/govvote/src/voting"
	"github.com/stake-plus/govvote/src/voting/storetest"
)

func TestInMemoryConformance(t *testing.T) {
	storetest.Run(t, storetest.Factory{
		New: func(t *testing.T) voting.Store {
			s, err := Open("")
			require.NoError(t, err)
			return s
		},
	})
}

func TestDiskConformance(t *testing.T) {
	dirs := map[voting.Store]string{}
	storetest.Run(t, storetest.Factory{
		New: func(t *testing.T) voting.Store {
			dir := filepath.Join(t.TempDir(), "badger")
			s, err := Open(dir)
			require.NoError(t, err)
			dirs[s] = dir
			return s
		},
		Reopen: func(t *testing.T, s voting.Store) voting.Store {
			dir := dirs[s]
			require.NoError(t, s.Close())
			reopened, err := Open(dir)
			require.NoError(t, err)
			return reopened
		},
	})
}

func TestResetKeepsCounter(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	for range 3 {
		_, err := s.CreateProposal(ctx, "idea", voting.Member{ID: 9}, at)
		require.NoError(t, err)
	}
	require.NoError(t, s.Reset(ctx))

	parts, err := s.Participation(ctx)
	require.NoError(t, err)
	assert.Empty(t, parts)

	p, err := s.CreateProposal(ctx, "after reset", voting.Member{ID: 9}, at)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), p.ID)
}

func TestKeyOrdering(t *testing.T) {
	assert.Less(t, string(proposalKey(2)), string(proposalKey(10)))
	assert.Less(t, string(ballotKey(1, 300)), string(ballotKey(2, 1)))
	assert.Equal(t, "v/", string(voterKey(7, 3)[:2]))
}
