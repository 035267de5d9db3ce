// Package main は変換ワーカーのエントリーポイントです。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/yourusername/fippo/internal/bootstrap"
	"github.com/yourusername/fippo/internal/config"
	"github.com/yourusername/fippo/internal/convert"
	"github.com/yourusername/fippo/internal/jobs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := bootstrap.InitSentry(cfg, "fippo-worker"); err != nil {
		log.Fatalf("sentry.Init: %v", err)
	}
	defer sentry.Flush(2 * time.Second)

	if err := run(cfg); err != nil {
		sentry.CaptureException(err)
		log.Printf("worker stopped with error: %v", err)
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := bootstrap.RedisClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	store, closeStore, err := bootstrap.OpenJobStore(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	defer closeStore()

	blobs, _, err := bootstrap.OpenStorage(ctx, cfg)
	if err != nil {
		return err
	}

	preset, err := convert.NormalizePreset(cfg.CompressPreset)
	if err != nil {
		return err
	}
	pipeline, err := convert.NewPipeline(convert.PipelineOptions{
		Storage:         blobs,
		WorkDir:         cfg.WorkDir,
		URLExpiry:       cfg.SignedURLExpiry,
		SofficePath:     cfg.SofficePath,
		GhostscriptPath: cfg.GhostscriptPath,
		CompressPreset:  preset,
		Logger:          log.New(os.Stdout, "[convert] ", log.LstdFlags),
	})
	if err != nil {
		return err
	}
	registry, err := convert.NewDefaultRegistry(pipeline)
	if err != nil {
		return err
	}

	worker, err := jobs.NewWorker(jobs.WorkerOptions{
		Store:      store,
		Converters: registry,
		Locker:     jobs.NewRedisLocker(rdb),
		Timeout:    cfg.ConversionTimeout,
		Logger:     log.New(os.Stdout, "[worker] ", log.LstdFlags),
	})
	if err != nil {
		return err
	}

	connOpt, err := bootstrap.QueueConnOpt(cfg)
	if err != nil {
		return err
	}
	pool := jobs.NewPool(connOpt, worker, jobs.PoolOptions{
		Concurrency:     cfg.WorkerConcurrency,
		BackoffBase:     cfg.QueueBackoffBase,
		BackoffMax:      cfg.QueueBackoffMax,
		ShutdownTimeout: cfg.ConversionTimeout,
		Logger:          log.New(os.Stdout, "[pool] ", log.LstdFlags),
	})
	if err := pool.Start(); err != nil {
		return err
	}
	log.Printf("worker started (concurrency=%d, store=%s, storage=%s)", cfg.WorkerConcurrency, cfg.JobStore, cfg.StorageBackend)

	<-ctx.Done()
	log.Println("shutting down worker, waiting for running conversions")
	pool.Shutdown()
	return nil
}
