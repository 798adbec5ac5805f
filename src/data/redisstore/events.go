package redisstore

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stake-plus/govvote/src/voting"
)

const (
	DefaultStream    = "govvote.events"
	defaultStreamLen = 10000
)

var _ voting.Publisher = (*Events)(nil)

// Events appends voting events to a Redis stream, trimmed to roughly MaxLen entries.
type Events struct {
	rdb    redis.UniversalClient
	stream string
	MaxLen int64
}

func NewEvents(rdb redis.UniversalClient, stream string) *Events {
	if stream == "" {
		stream = DefaultStream
	}
	return &Events{rdb: rdb, stream: stream, MaxLen: defaultStreamLen}
}

func (e *Events) Publish(ctx context.Context, ev voting.Event) error {
	return e.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: e.stream,
		MaxLen: e.MaxLen,
		Approx: true,
		Values: map[string]any{
			"event_id":    uuid.NewString(),
			"type":        string(ev.Type),
			"proposal_id": strconv.FormatUint(ev.ProposalID, 10),
			"user_id":     strconv.FormatInt(ev.UserID, 10),
			"at":          ev.At.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
}
