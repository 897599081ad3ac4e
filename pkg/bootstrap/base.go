// Package bootstrap wires configuration into a running bus: connections,
// the persistence gateway and the optional exporters.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"eventbus/internal/archive"
	"eventbus/internal/broker"
	"eventbus/internal/config"
	"eventbus/internal/constants"
	"eventbus/internal/eventbus"
	"eventbus/internal/logger"
	"eventbus/internal/store"
	"eventbus/pkg/metrics"
	"eventbus/pkg/migrations"
)

type Base struct {
	Config *config.Config
	Logger logger.Logger

	Postgres *sql.DB
	Redis    *redis.Client
	Mongo    *mongo.Client

	Gateway  store.Gateway
	Producer *broker.KafkaProducer
	Bus      *eventbus.Bus

	connector *DatabaseConnector
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config:    cfg,
		Logger:    log,
		connector: NewDatabaseConnector(cfg, log),
	}
}

// InitStore opens the gateway selected by store.type. The postgres gateway is
// wrapped in the bookkeeping circuit breaker and migrated when run_migrations is set.
func (b *Base) InitStore(ctx context.Context) error {
	if b.Config.Store.Type == "memory" {
		b.Logger.Warn("Using in-memory store; events are lost on restart")
		b.Gateway = store.NewMemoryGateway()
		return nil
	}

	db, err := b.connector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	b.Postgres = db

	if b.Config.Database.RunMigrations {
		if err := migrations.UpPostgres(db); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		b.Logger.Info("Database migrations applied")
	}

	b.Gateway = store.NewCircuitBreakerGateway(store.NewPostgresGateway(db), b.Config.CircuitBreaker)
	return nil
}

// InitBus builds and initializes the bus on top of the gateway from InitStore.
func (b *Base) InitBus(ctx context.Context) error {
	deps := eventbus.Deps{
		Gateway:          b.Gateway,
		Logger:           b.Logger.With("component", "eventbus"),
		Metrics:          metrics.NewPrometheusSink(),
		ArchiveBatchSize: b.Config.Archive.BatchSize,
	}

	if b.Config.EventBus.Quota.Backend == "redis" {
		rdb, err := b.connector.InitRedis(ctx)
		if err != nil {
			return err
		}
		b.Redis = rdb
		deps.Quota = eventbus.NewRedisQuotaStore(rdb)
	}

	if b.Config.Archive.Enabled {
		client, err := b.connector.InitMongoDB(ctx)
		if err != nil {
			return err
		}
		b.Mongo = client

		dbName := b.Config.Database.MongoDB.Database
		if dbName == "" {
			dbName = constants.DefaultMongoDBName
		}
		sink, err := archive.NewMongoSink(ctx, client.Database(dbName), b.Config.Archive.Collection)
		if err != nil {
			return err
		}
		deps.Archive = sink
	}

	if producer := broker.NewDeadLetterProducer(b.Config.Broker, b.Logger); producer != nil {
		b.Producer = producer
		deps.DeadLetters = producer
	}

	bus, err := eventbus.New(b.Config.EventBus, deps)
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	if err := bus.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	b.Bus = bus
	return nil
}

func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.Info("Shutting down application...")

	var errs []error

	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}

	if b.Bus != nil {
		if err := b.Bus.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("event bus shutdown error: %w", err))
		}
	}

	if b.Producer != nil {
		if err := b.Producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("producer close error: %w", err))
		}
	}

	errs = append(errs, b.connector.ShutdownDatabases(ctx, b.Redis, b.Postgres, b.Mongo)...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	b.Logger.Info("Application exited successfully")
	return nil
}
