package notify

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/beliaevvc/reskinlab-sub002/internal/logging"
)

type setNXer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Dedupe forwards a change only the first time its Key is seen within TTL. When Redis is
// unavailable the change is forwarded anyway.
type Dedupe struct {
	Next   Dispatcher
	RDB    setNXer
	TTL    time.Duration
	Logger *zap.Logger
}

func NewDedupe(next Dispatcher, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) Dedupe {
	return Dedupe{Next: next, RDB: rdb, TTL: ttl, Logger: logger}
}

func (d Dedupe) Dispatch(ctx context.Context, c StageChange) error {
	if d.acquire(ctx, c) {
		return d.Next.Dispatch(ctx, c)
	}
	return nil
}

func (d Dedupe) acquire(ctx context.Context, c StageChange) bool {
	key := "dedup:stage:" + c.Key()
	ok, err := d.RDB.SetNX(ctx, key, 1, d.TTL).Result()
	if err != nil {
		logging.OrNop(d.Logger).Warn("redis dedup check failed, delivering anyway",
			zap.String("project_id", c.ProjectID),
			zap.String("dedup_key", key),
			zap.Error(err),
		)
		return true
	}
	if !ok {
		logging.OrNop(d.Logger).Info("skipped duplicated stage notification",
			zap.String("project_id", c.ProjectID),
			zap.String("dedup_key", key),
		)
	}
	return ok
}
