package sqlstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/stake-plus/govvote/src/voting"
	"github.com/stake-plus/govvote/src/voting/storetest"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "govvote.sqlite"))
	require.NoError(t, err)
	return s
}

func TestConformance(t *testing.T) {
	var (
		mu    sync.Mutex
		paths = map[voting.Store]string{}
	)
	storetest.Run(t, storetest.Factory{
		New: func(t *testing.T) voting.Store {
			path := filepath.Join(t.TempDir(), "govvote.sqlite")
			s, err := OpenSQLiteStore(path)
			require.NoError(t, err)
			mu.Lock()
			paths[s] = path
			mu.Unlock()
			return s
		},
		Reopen: func(t *testing.T, s voting.Store) voting.Store {
			mu.Lock()
			path := paths[s]
			mu.Unlock()
			require.NoError(t, s.Close())
			reopened, err := OpenSQLiteStore(path)
			require.NoError(t, err)
			return reopened
		},
	})
}

func TestSettings(t *testing.T) {
	s := openTemp(t)
	defer s.Close()
	ctx := context.Background()

	settings, err := s.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Empty(t, settings)

	require.NoError(t, s.PutSetting(ctx, "admin_id", "7"))
	require.NoError(t, s.PutSetting(ctx, "admin_id", "8"))
	require.NoError(t, s.PutSetting(ctx, "vote_policy", "single"))

	settings, err = s.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"admin_id": "8", "vote_policy": "single"}, settings)
}

func TestClosedDatabaseIsUnavailable(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Close())
	ctx := context.Background()

	_, err := s.Proposals(ctx)
	assert.ErrorIs(t, err, voting.ErrStoreUnavailable)
	_, err = s.CastBallot(ctx, 1, voting.Member{ID: 1}, voting.PolicyPerProposal, time.Now())
	assert.ErrorIs(t, err, voting.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, voting.ErrNotFound)
}

func TestCounterSeededFromExistingRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.sqlite")
	db, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&proposalRow{}))
	require.NoError(t, db.Create(&proposalRow{ID: 41, Text: "legacy", AuthorID: 1, CreatedAt: time.Now()}).Error)

	s, err := New(db)
	require.NoError(t, err)
	p, err := s.CreateProposal(context.Background(), "next", voting.Member{ID: 1}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), p.ID)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
}

func TestSingleVoteLocksVoterFirst(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "order.sqlite"))
	require.NoError(t, err)
	s, err := New(db)
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		require.NoError(t, err)
		sqlDB.Close()
	})

	var (
		mu    sync.Mutex
		trail []string
	)
	record := func(kind string) func(*gorm.DB) {
		return func(tx *gorm.DB) {
			mu.Lock()
			trail = append(trail, kind+" "+tx.Statement.Table)
			mu.Unlock()
		}
	}
	require.NoError(t, db.Callback().Create().After("gorm:create").Register("test:create", record("create")))
	require.NoError(t, db.Callback().Query().After("gorm:query").Register("test:query", record("query")))

	ctx := context.Background()
	a, err := s.CreateProposal(ctx, "a", voting.Member{ID: 1}, time.Now())
	require.NoError(t, err)
	b, err := s.CreateProposal(ctx, "b", voting.Member{ID: 1}, time.Now())
	require.NoError(t, err)
	_, err = s.CastBallot(ctx, a.ID, voting.Member{ID: 9, DisplayName: "Nia"}, voting.PolicySingle, time.Now())
	require.NoError(t, err)

	mu.Lock()
	trail = nil
	mu.Unlock()

	res, err := s.CastBallot(ctx, b.ID, voting.Member{ID: 9}, voting.PolicySingle, time.Now())
	require.NoError(t, err)
	assert.Equal(t, a.ID, res.Revoked)

	mu.Lock()
	require.GreaterOrEqual(t, len(trail), 3)
	assert.Equal(t, []string{"create participants", "query participants", "query proposals"}, trail[:3])
	mu.Unlock()

	parts, err := s.Participation(ctx)
	require.NoError(t, err)
	for _, p := range parts {
		if p.UserID == 9 {
			assert.Equal(t, "Nia", p.DisplayName)
			assert.Equal(t, 2, p.Count)
		}
	}
}

func TestFailedSingleVoteLeavesNoParticipant(t *testing.T) {
	s := openTemp(t)
	defer s.Close()
	ctx := context.Background()

	_, err := s.CastBallot(ctx, 99, voting.Member{ID: 3}, voting.PolicySingle, time.Now())
	assert.ErrorIs(t, err, voting.ErrNotFound)

	parts, err := s.Participation(ctx)
	require.NoError(t, err)
	assert.Empty(t, parts)
}

func TestEnsureParam(t *testing.T) {
	assert.Equal(t, "u:p@tcp(h)/db?parseTime=true", ensureParam("u:p@tcp(h)/db", "parseTime", "true"))
	assert.Equal(t, "u:p@tcp(h)/db?a=1&loc=UTC", ensureParam("u:p@tcp(h)/db?a=1", "loc", "UTC"))
	assert.Equal(t, "u:p@tcp(h)/db?loc=Local", ensureParam("u:p@tcp(h)/db?loc=Local", "loc", "UTC"))
}
