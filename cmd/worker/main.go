package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/yihaochen/urban-growth/internal/adapter/bands"
	httpadapter "github.com/yihaochen/urban-growth/internal/adapter/http"
	"github.com/yihaochen/urban-growth/internal/app"
	"github.com/yihaochen/urban-growth/internal/config"
	"github.com/yihaochen/urban-growth/internal/observability"
	"github.com/yihaochen/urban-growth/internal/pipeline"
	"github.com/yihaochen/urban-growth/internal/processor"
	"github.com/yihaochen/urban-growth/internal/progress"
	"github.com/yihaochen/urban-growth/internal/region"
	"golang.org/x/sync/errgroup"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storage, err := app.OpenStorage(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open storage", "error", err)
		os.Exit(1)
	}

	loader := region.NewBoundaryLoader(storage.Objects, cfg.BoundaryCacheSize, metrics)
	bandSource := bands.New(cfg.BandServiceURL, cfg.BandServiceTimeout)
	proc := processor.New(bandSource, loader, storage.Objects, storage.Store, logger, metrics)

	var (
		pipelines []*pipeline.Pipeline
		consumers []io.Closer
	)
	for i := range cfg.Workers {
		consumer, closer, err := app.OpenConsumer(cfg, logger.With("worker", i))
		if err != nil {
			logger.Error("failed to open job consumer", "worker", i, "error", err)
			os.Exit(1)
		}
		consumers = append(consumers, closer)
		pipelines = append(pipelines, pipeline.New(consumer, proc, logger.With("worker", i), metrics, cfg.MaxAttempts))
	}

	// Ready once storage answers and any worker has finished a job.
	anyWorker := httpadapter.ReadinessFunc(func(ctx context.Context) error {
		var err error
		for _, p := range pipelines {
			if err = p.CheckReadiness(ctx); err == nil {
				return nil
			}
		}
		return err
	})
	ready := httpadapter.AllReady{storage.Ready(), anyWorker}
	srv := httpadapter.NewServer(cfg.HTTPAddr, ready, progress.NewTracker(storage.Store), logger)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	logger.Info("worker starting",
		"workers", cfg.Workers,
		"queue", cfg.QueueBackend,
		"store", cfg.StoreBackend,
		"max_attempts", cfg.MaxAttempts,
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pipelines {
		g.Go(func() error { return p.Run(gctx) })
	}
	if err := g.Wait(); err != nil {
		logger.Error("pipeline error", "error", err)
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	for _, c := range consumers {
		if err := c.Close(); err != nil {
			logger.Error("job consumer close error", "error", err)
		}
	}
	if err := storage.Close(); err != nil {
		logger.Error("storage close error", "error", err)
	}

	logger.Info("shutdown complete")
}
