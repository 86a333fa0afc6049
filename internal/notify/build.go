package notify

import (
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/beliaevvc/reskinlab-sub002/internal/config"
)

// FromConfig assembles the configured channels: the log channel always, webhooks and AMQP
// when configured, Redis de-duplication around them when an address is set, all behind
// an Async wrapper. The returned close function releases connections.
func FromConfig(cfg config.Notify, logger *zap.Logger) (*Async, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	channels := Multi{Log{Logger: logger}}
	if len(cfg.Webhooks) > 0 {
		channels = append(channels, Webhook{Hooks: cfg.Webhooks})
	}
	if cfg.AMQP.URL != "" {
		pub, err := DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			return nil, closeAll, err
		}
		closers = append(closers, func() { _ = pub.Close() })
		channels = append(channels, pub)
	}

	var next Dispatcher = channels
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, func() { _ = rdb.Close() })
		ttl := time.Duration(cfg.Redis.DedupeTTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = time.Minute
		}
		next = NewDedupe(channels, rdb, ttl, logger)
	}

	async := NewAsync(next, logger)
	return async, func() {
		async.Close()
		closeAll()
	}, nil
}
