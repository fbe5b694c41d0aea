package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/openmir/prearchive/internal/archive"
	"github.com/openmir/prearchive/internal/config"
	"github.com/openmir/prearchive/internal/database"
	"github.com/openmir/prearchive/internal/importer"
	"github.com/openmir/prearchive/internal/logging"
	"github.com/openmir/prearchive/internal/permissions"
	"github.com/openmir/prearchive/internal/queue"
	"github.com/openmir/prearchive/internal/reaper"
	"github.com/openmir/prearchive/internal/store"
	"github.com/openmir/prearchive/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}
	st := store.NewPostgresStore(pool)

	var backend archive.Backend
	switch cfg.ArchiveBackend {
	case "s3":
		s3, err := archive.NewS3(cfg)
		if err != nil {
			log.Fatalf("init s3 backend: %v", err)
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			log.Fatalf("ensure bucket: %v", err)
		}
		backend = s3
	default:
		backend = archive.Filesystem{Root: cfg.ArchiveRoot}
	}

	var anonymizer archive.Anonymizer = archive.NoopAnonymizer{}
	if cfg.AnonScript != "" {
		anonymizer = archive.ScriptAnonymizer{Command: cfg.AnonScript}
	}

	policy := queue.RetryPolicy{
		MaxRetry:     cfg.RetryMax,
		InitialDelay: cfg.RetryInitialDelay,
		Multiplier:   cfg.RetryMultiplier,
	}
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()
	enq := queue.NewClient(client, policy)

	imp := importer.New(importer.Options{
		Store:       st,
		Enqueuer:    enq,
		StagingRoot: cfg.StagingRoot,
		AutoArchive: cfg.AutoArchive,
		SyncTimeout: cfg.SyncArchiveTimeout,
		Log:         logger,
	})
	processor := worker.NewProcessor(worker.Options{
		Store:       st,
		Backend:     backend,
		Anonymizer:  anonymizer,
		Permissions: permissions.AllowAll{},
		Importer:    imp,
		Policy:      policy,
		StagingRoot: cfg.StagingRoot,
		RequireAnon: cfg.RequireAnonymization,
		Log:         logger,
	})

	sweep := reaper.New(st, cfg.Lease, logger)
	if err := sweep.Start(cfg.ReaperSchedule); err != nil {
		log.Fatalf("start reaper: %v", err)
	}
	defer sweep.Stop()

	server := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency:    cfg.WorkerConcurrency,
		RetryDelayFunc: processor.RetryDelay,
		ErrorHandler:   asynq.ErrorHandlerFunc(processor.HandleError),
	})

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	logger.Info("worker pool starting", zap.Int("concurrency", cfg.WorkerConcurrency))
	if err := server.Run(processor.Handler()); err != nil {
		logger.Error("worker stopped", zap.Error(err))
		os.Exit(1)
	}
}
