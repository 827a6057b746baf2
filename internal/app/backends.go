// Package app opens the configured store, object store and queue for the
// binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	httpadapter "github.com/yihaochen/urban-growth/internal/adapter/http"
	"github.com/yihaochen/urban-growth/internal/adapter/kafka"
	"github.com/yihaochen/urban-growth/internal/adapter/memory"
	"github.com/yihaochen/urban-growth/internal/adapter/minio"
	"github.com/yihaochen/urban-growth/internal/adapter/postgres"
	"github.com/yihaochen/urban-growth/internal/adapter/rabbitmq"
	"github.com/yihaochen/urban-growth/internal/adapter/redis"
	"github.com/yihaochen/urban-growth/internal/config"
	"github.com/yihaochen/urban-growth/internal/domain"
	"github.com/yihaochen/urban-growth/internal/pipeline"
)

// Storage is the opened store and object store.
type Storage struct {
	Store   domain.Store
	Objects domain.ObjectStore
	// URL maps an artifact key to its public address.
	URL func(key string) string

	checks  httpadapter.AllReady
	closers []io.Closer
}

// Ready checks every backend that can be pinged.
func (s *Storage) Ready() httpadapter.AllReady { return s.checks }

// Close releases backends in reverse order of opening.
func (s *Storage) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	return errors.Join(errs...)
}

// OpenStorage connects the store selected by STORE_BACKEND and the object
// store. The memory backend keeps objects in memory too.
func OpenStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Storage, error) {
	s := &Storage{}
	switch cfg.StoreBackend {
	case config.StoreMemory:
		logger.Warn("using in-memory store; state is lost on exit and not shared between processes")
		objects := memory.NewObjectStore()
		s.Store = memory.NewStore()
		s.Objects = objects
		s.URL = func(key string) string { return "memory://" + key }
		return s, nil

	case config.StoreRedis:
		store, err := redis.Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.Store = store
		s.checks = append(s.checks, httpadapter.ReadinessFunc(store.Ping))
		s.closers = append(s.closers, store)

	case config.StorePostgres:
		store, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, store)
		if err := store.EnsureSchema(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		s.Store = store
		s.checks = append(s.checks, httpadapter.ReadinessFunc(store.Ping))

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	objects, err := minio.New(minio.OptionsFromConfig(cfg))
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.Objects = objects
	s.URL = objects.URL
	logger.Info("storage ready", "store", cfg.StoreBackend, "bucket", cfg.MinioBucket)
	return s, nil
}

// OpenPublisher returns the job publisher selected by QUEUE_BACKEND.
func OpenPublisher(cfg *config.Config, logger *slog.Logger) (domain.JobPublisher, io.Closer, error) {
	switch cfg.QueueBackend {
	case config.QueueKafka:
		p := kafka.NewPublisher(cfg, logger)
		return p, p, nil
	case config.QueueRabbitMQ:
		q, err := rabbitmq.Dial(cfg.RabbitMQURL, cfg.RabbitMQQueue, logger)
		if err != nil {
			return nil, nil, err
		}
		return q, q, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}

// OpenConsumer returns one consumer-group member. Call it once per worker.
func OpenConsumer(cfg *config.Config, logger *slog.Logger) (pipeline.Consumer, io.Closer, error) {
	switch cfg.QueueBackend {
	case config.QueueKafka:
		c := kafka.NewConsumer(cfg, logger)
		return c, c, nil
	case config.QueueRabbitMQ:
		q, err := rabbitmq.Dial(cfg.RabbitMQURL, cfg.RabbitMQQueue, logger)
		if err != nil {
			return nil, nil, err
		}
		return q, q, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}
