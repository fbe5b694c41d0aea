// Package main runs the prearchive API server. In the default deployment it
// talks to Postgres and enqueues operations over Redis for a separate worker
// pool; with -standalone it runs everything in-process against an in-memory
// store, which is enough for a laptop.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/openmir/prearchive/internal/api"
	"github.com/openmir/prearchive/internal/archive"
	"github.com/openmir/prearchive/internal/batch"
	"github.com/openmir/prearchive/internal/config"
	"github.com/openmir/prearchive/internal/database"
	"github.com/openmir/prearchive/internal/importer"
	"github.com/openmir/prearchive/internal/logging"
	"github.com/openmir/prearchive/internal/notify"
	"github.com/openmir/prearchive/internal/permissions"
	"github.com/openmir/prearchive/internal/queue"
	"github.com/openmir/prearchive/internal/store"
	"github.com/openmir/prearchive/internal/worker"
)

func main() {
	standalone := flag.Bool("standalone", false, "run worker and queue in-process against an in-memory store")
	flag.Parse()

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

	policy := queue.RetryPolicy{
		MaxRetry:     cfg.RetryMax,
		InitialDelay: cfg.RetryInitialDelay,
		Multiplier:   cfg.RetryMultiplier,
	}

	var (
		st  store.Store
		enq queue.Enqueuer
		bus *notify.Bus
	)
	if *standalone {
		st = store.NewMemoryStore()
		bus = notify.NewBus()
		processor := worker.NewProcessor(worker.Options{
			Store:       st,
			Backend:     archive.Filesystem{Root: cfg.ArchiveRoot},
			Permissions: permissions.AllowAll{},
			Bus:         bus,
			Policy:      policy,
			StagingRoot: cfg.StagingRoot,
			RequireAnon: cfg.RequireAnonymization,
			Log:         logger,
		})
		inline := queue.NewInline(processor.Handler(), logger)
		enq = inline
		// The inbox handler stages through the importer; wire it after both
		// exist.
		processorImporter := importer.New(importer.Options{
			Store:       st,
			Enqueuer:    inline,
			Bus:         bus,
			StagingRoot: cfg.StagingRoot,
			AutoArchive: cfg.AutoArchive,
			SyncTimeout: cfg.SyncArchiveTimeout,
			Log:         logger,
		})
		processor.SetImporter(processorImporter)
	} else {
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("connect database: %v", err)
		}
		defer pool.Close()
		if err := database.EnsureSchema(ctx, pool); err != nil {
			log.Fatalf("ensure schema: %v", err)
		}
		st = store.NewPostgresStore(pool)
		client := asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		enq = queue.NewClient(client, policy)
	}

	imp := importer.New(importer.Options{
		Store:       st,
		Enqueuer:    enq,
		Bus:         bus,
		StagingRoot: cfg.StagingRoot,
		AutoArchive: cfg.AutoArchive,
		SyncTimeout: cfg.SyncArchiveTimeout,
		Log:         logger,
	})
	controller := batch.NewController(st, enq, permissions.AllowAll{}, logger)
	srv := api.New(cfg, st, imp, controller, enq, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}
