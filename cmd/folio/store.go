package main

import (
	"context"
	"fmt"

	"github.com/aretw0/folio/internal/config"
	"github.com/aretw0/folio/pkg/adapters/file"
	"github.com/aretw0/folio/pkg/adapters/memory"
	"github.com/aretw0/folio/pkg/adapters/postgres"
	redisadapter "github.com/aretw0/folio/pkg/adapters/redis"
	"github.com/aretw0/folio/pkg/persistence/middleware"
	"github.com/aretw0/folio/pkg/ports"
	"github.com/redis/go-redis/v9"
)

// backends holds the storage wiring for one serve run.
type backends struct {
	store   ports.NotebookStore
	locker  ports.DistributedLocker
	closers []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// openBackends builds the notebook store and, when enabled, the redis session lock.
func openBackends(ctx context.Context, cfg config.Config) (*backends, error) {
	b := &backends{}

	var client *redis.Client
	redisClient := func() *redis.Client {
		if client == nil {
			client = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			b.closers = append(b.closers, func() { _ = client.Close() })
		}
		return client
	}

	switch cfg.Store.Kind {
	case config.StoreMemory:
		b.store = memory.NewStore()
	case config.StoreFile:
		b.store = file.New(cfg.Store.Dir)
	case config.StoreRedis:
		b.store = redisadapter.NewFromClient(redisClient(),
			redisadapter.WithPrefix(cfg.Redis.Prefix+"notebook:"),
			redisadapter.WithTTL(cfg.Redis.TTL),
		)
	case config.StorePostgres:
		store, err := postgres.New(ctx, cfg.Postgres.URL, postgres.WithTable(cfg.Postgres.Table))
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		b.store = store
		b.closers = append(b.closers, store.Close)
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}

	active, fallback, err := cfg.Store.Keys()
	if err != nil {
		b.Close()
		return nil, err
	}
	if active != nil {
		seal, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: active, FallbackKeys: fallback})
		if err != nil {
			b.Close()
			return nil, err
		}
		b.store = middleware.Chain(b.store, seal)
	}

	if cfg.Redis.Lock {
		b.locker = redisadapter.NewLocker(redisClient(), cfg.Redis.Prefix)
	}

	if client != nil {
		if err := client.Ping(ctx).Err(); err != nil {
			b.Close()
			return nil, fmt.Errorf("connect to redis %s: %w", cfg.Redis.Addr, err)
		}
	}
	return b, nil
}
