package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ehr/mpi/internal/config"
	"github.com/ehr/mpi/internal/domain/mpi"
	"github.com/ehr/mpi/internal/platform/cache"
	"github.com/ehr/mpi/internal/platform/db"
	"github.com/ehr/mpi/internal/platform/events"
)

// backends holds the identity store and the optional cache and event stream
// selected by configuration.
type backends struct {
	store     mpi.IdentityStore
	publisher mpi.Publisher
	checks    []db.HealthCheck
	// pool is set only for the postgres driver.
	pool    *pgxpool.Pool
	closers []func()
}

func openBackends(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backends, error) {
	b := &backends{}
	if err := b.openStore(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}

	if cfg.RedisURL != "" {
		client, err := cache.NewClient(cfg.RedisURL)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = client.Close() })
		b.store = mpi.NewCachedStore(b.store, client, cfg.CacheTTL, logger)
		b.checks = append(b.checks, db.HealthCheck{Name: "cache", Pinger: cache.Pinger{Client: client}, Optional: true})
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer := events.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		b.closers = append(b.closers, func() { _ = producer.Close() })
		b.publisher = producer
		b.checks = append(b.checks, db.HealthCheck{Name: "event_stream", Pinger: producer, Optional: true})
	}
	return b, nil
}

func (b *backends) openStore(ctx context.Context, cfg *config.Config) error {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		b.pool = pool
		b.closers = append(b.closers, pool.Close)
		b.store = mpi.NewPGStore(pool)
		b.checks = append(b.checks, db.HealthCheck{Name: "identity_store", Pinger: b.store, Pool: pool})

	case config.DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return fmt.Errorf("connecting to mongo: %w", err)
		}
		b.closers = append(b.closers, func() { _ = client.Disconnect(context.Background()) })
		store := mpi.NewMongoStore(client.Database(cfg.MongoDatabase))
		if err := store.EnsureIndexes(ctx); err != nil {
			return err
		}
		b.store = store
		b.checks = append(b.checks, db.HealthCheck{Name: "identity_store", Pinger: store})

	case config.DriverMemory:
		b.store = mpi.NewMemoryStore()
		b.checks = append(b.checks, db.HealthCheck{Name: "identity_store", Pinger: b.store})

	default:
		return fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
