// Package app opens the backends a binary is configured for.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hamed0406/uptimewatch/internal/config"
	"github.com/hamed0406/uptimewatch/internal/queue"
	"github.com/hamed0406/uptimewatch/internal/queue/memq"
	"github.com/hamed0406/uptimewatch/internal/queue/redisq"
	"github.com/hamed0406/uptimewatch/internal/repo"
	"github.com/hamed0406/uptimewatch/internal/repo/memory"
	"github.com/hamed0406/uptimewatch/internal/repo/postgres"
	"github.com/hamed0406/uptimewatch/internal/repo/sqlite"
)

func OpenStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (repo.Store, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		return postgres.New(ctx, cfg.DatabaseURL, logger)
	case config.StoreSQLite:
		return sqlite.New(ctx, cfg.DatabaseURL, logger)
	case config.StoreMemory:
		logger.Warn("store_memory", zap.String("note", "records are lost on restart"))
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// OpenBroker returns the broker and a func closing everything it opened.
func OpenBroker(ctx context.Context, cfg config.Config, logger *zap.Logger) (queue.Broker, func() error, error) {
	switch cfg.QueueDriver {
	case config.QueueRedis:
		rdb, err := redisq.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		// A heartbeat must outlive the slowest job or its message gets reclaimed mid-run.
		b := redisq.New(rdb, cfg.ConsumerName,
			redisq.WithLogger(logger),
			redisq.WithHeartbeatTTL(max(2*time.Minute, 4*cfg.ProbeTimeout())))
		return b, func() error { return multierr.Combine(b.Close(), rdb.Close()) }, nil
	case config.QueueMemory:
		logger.Warn("queue_memory", zap.String("note", "jobs are lost on restart"))
		b := memq.New()
		return b, b.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown queue driver %q", cfg.QueueDriver)
}
