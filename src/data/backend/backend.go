// Package backend opens the configured voting.Store and the connections around it.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/stake-plus/govvote/src/config"
	"github.com/stake-plus/govvote/src/data/badgerstore"
	"github.com/stake-plus/govvote/src/data/memory"
	"github.com/stake-plus/govvote/src/data/redisstore"
	"github.com/stake-plus/govvote/src/data/sqlstore"
	"github.com/stake-plus/govvote/src/voting"
)

// Backend bundles the store with the Redis client, when one is configured, and the SQL
// store, when the backing keeps a settings table.
type Backend struct {
	Store voting.Store
	Redis *redis.Client
	SQL   *sqlstore.Store
}

// Open connects to everything cfg names. On error nothing is left open.
func Open(ctx context.Context, cfg config.Config) (*Backend, error) {
	b := &Backend{}
	if cfg.RedisURL != "" && (cfg.Backend == config.BackendRedis || cfg.EventsStream != "") {
		rdb, err := redisstore.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		b.Redis = rdb
	}

	var err error
	switch cfg.Backend {
	case config.BackendMemory:
		b.Store = memory.New()
	case config.BackendSnapshot:
		b.Store, err = memory.Open(cfg.SnapshotPath)
	case config.BackendMySQL:
		b.SQL, err = sqlstore.OpenMySQL(cfg.MySQLDSN)
		b.Store = b.SQL
	case config.BackendSQLite:
		b.SQL, err = sqlstore.OpenSQLiteStore(cfg.SQLitePath)
		b.Store = b.SQL
	case config.BackendRedis:
		if b.Redis == nil {
			err = errors.New("redis backend needs redis_url")
			break
		}
		b.Store = redisstore.New(b.Redis, cfg.RedisPrefix)
	case config.BackendBadger:
		b.Store, err = badgerstore.Open(cfg.BadgerDir)
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		b.Store, b.SQL = nil, nil
		b.Close()
		return nil, err
	}
	log.Printf("backend: using %s store", cfg.Backend)
	return b, nil
}

// Settings returns the settings table, or nil when the backing has none.
func (b *Backend) Settings(ctx context.Context) (map[string]string, error) {
	if b.SQL == nil {
		return nil, nil
	}
	return b.SQL.LoadSettings(ctx)
}

// Publisher returns a stream publisher when stream is set, otherwise nil.
func (b *Backend) Publisher(stream string) voting.Publisher {
	if stream == "" || b.Redis == nil {
		return nil
	}
	return redisstore.NewEvents(b.Redis, stream)
}

// Close closes the store, then the Redis client.
func (b *Backend) Close() error {
	var errs []error
	if b.Store != nil {
		errs = append(errs, b.Store.Close())
	}
	if b.Redis != nil {
		errs = append(errs, b.Redis.Close())
	}
	return errors.Join(errs...)
}
