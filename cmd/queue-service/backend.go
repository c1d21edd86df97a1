package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"qms/queue-engine/internal/config"
	"qms/queue-engine/internal/stats"
	"qms/queue-engine/internal/store"
	"qms/queue-engine/internal/store/memory"
	"qms/queue-engine/internal/store/postgres"
	redisstore "qms/queue-engine/internal/store/redis"
)

const statsLeaderKey = "qms:leader:stats-rebuild"

// backend bundles the storage the service runs on.
type backend struct {
	store     store.Store
	allocator store.SequenceAllocator
	leader    stats.Leader
	closers   []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*backend, error) {
	b := &backend{}

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := pgxpool.New(initCtx, cfg.DatabaseURL)
		if err == nil {
			err = pool.Ping(initCtx)
		}
		cancel()
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		b.closers = append(b.closers, pool.Close)
		b.store = postgres.NewStore(pool)
	default:
		logger.Warn("using in-memory store, queue state is lost on restart")
		b.store = memory.New()
	}
	b.allocator = b.store

	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		b.closers = append(b.closers, func() { _ = client.Close() })

		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := client.Ping(initCtx).Err(); err != nil {
			b.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		allocator := redisstore.NewAllocator(client)
		if err := redisstore.SeedAll(initCtx, allocator, b.store); err != nil {
			b.Close()
			return nil, fmt.Errorf("seed redis sequences: %w", err)
		}
		b.allocator = allocator
		b.leader = redisstore.NewLeader(client, statsLeaderKey, uuid.NewString(), cfg.LeaderTTL)
		logger.WithField("addr", cfg.RedisAddr).Info("positions allocated from redis")
	}
	return b, nil
}
