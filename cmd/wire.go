package cmd

import (
	"context"
	"fmt"
	"taskrelay/internal/config"
	"taskrelay/internal/infra/gemini"
	"taskrelay/internal/infra/kafkarelay"
	"taskrelay/internal/infra/memstore"
	"taskrelay/internal/infra/postgres"
	"taskrelay/internal/infra/redisq"
	"taskrelay/internal/ports"
	"taskrelay/internal/usecase"

	"github.com/rs/zerolog/log"
)

type stores struct {
	tasks     ports.TaskStore
	artifacts ports.ArtifactStore
	close     func()
}

func openStores(ctx context.Context, cfg *config.Config) (stores, error) {
	if cfg.Store.Driver == "memory" {
		log.Warn().Msg("using in-memory store; tasks are lost on restart and not shared between processes")
		s := memstore.New()
		return stores{tasks: s, artifacts: s, close: func() {}}, nil
	}

	pool, err := postgres.Connect(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return stores{}, err
	}
	if cfg.Store.AutoMigrate {
		if err := postgres.Migrate(ctx, pool, "up"); err != nil {
			pool.Close()
			return stores{}, err
		}
	}
	return stores{
		tasks:     postgres.NewTaskStore(pool),
		artifacts: postgres.NewArtifactStore(pool),
		close:     pool.Close,
	}, nil
}

// openRelay returns nil for the "none" driver. rdb may be nil when redis is
// not otherwise needed.
func openRelay(cfg *config.Config, rdb *redisq.Client) (ports.Relay, func(), error) {
	switch cfg.Relay.Driver {
	case "redis":
		return redisq.NewRelay(rdb.Rdb, cfg.Redis.ChannelPrefix, cfg.InstanceID, log.Logger), func() {}, nil
	case "kafka":
		r, err := kafkarelay.New(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.InstanceID, log.Logger)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	}
	log.Warn().Msg("relay disabled; viewers only see tasks that run in this process")
	return nil, func() {}, nil
}

func newJobs(ctx context.Context, cfg *config.Config, artifacts ports.ArtifactStore) (*usecase.Registry, error) {
	var gen ports.CourseGenerator = usecase.StaticGenerator{}
	if cfg.Generator == "gemini" {
		g, err := gemini.New(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model, log.Logger)
		if err != nil {
			return nil, fmt.Errorf("gemini generator: %w", err)
		}
		gen = g
	}
	return usecase.NewRegistry(usecase.CourseJob(gen, artifacts)), nil
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Dispatch == "stream" || cfg.Relay.Driver == "redis"
}
