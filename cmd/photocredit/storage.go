package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/redis/go-redis/v9"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
	firestorestorage "github.com/kyokole/photo-tool-pro-sub000/storage/firestore"
	"github.com/kyokole/photo-tool-pro-sub000/storage/memory"
	"github.com/kyokole/photo-tool-pro-sub000/storage/postgres"
	redisstorage "github.com/kyokole/photo-tool-pro-sub000/storage/redis"
	"github.com/kyokole/photo-tool-pro-sub000/storage/sqlite"
)

// openStorage connects the configured backend. The returned close function
// is never nil.
func openStorage(ctx context.Context, cfg StorageConfig) (ledger.Storage, func(), error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.New(), func() {}, nil

	case "postgres":
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.Postgres.DSN
		s, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("%w: redis ping: %v", ledger.ErrStorageUnavailable, err)
		}
		s, err := redisstorage.New(client, redisstorage.DefaultConfig())
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil

	case "firestore":
		client, err := firestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("firestore client: %w", err)
		}
		s, err := firestorestorage.New(client, firestorestorage.Config{})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return s, func() { _ = client.Close() }, nil

	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// withCircuitBreaker wraps s when the breaker is enabled. State changes are
// logged and counted.
func withCircuitBreaker(s ledger.Storage, cfg CircuitBreakerConfig, logger ledger.Logger, metrics ledger.Metrics) ledger.Storage {
	if !cfg.Enabled {
		return s
	}
	cb := ledger.NewDefaultCircuitBreaker(cfg.FailureThreshold, cfg.ResetTimeout, func(state ledger.CircuitBreakerState) {
		logger.Warn("storage circuit breaker state changed", ledger.F("state", string(state)))
		metrics.RecordCircuitBreakerStateChange(string(state))
	})
	return ledger.NewCircuitBreakerStorage(s, cb)
}
