package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"swatwps/pkg/bus"
	"swatwps/pkg/db"
	"swatwps/pkg/s3"
	"swatwps/pkg/telemetry"
	"swatwps/services/audit"
	"swatwps/services/orchestrator"
)

const serviceName = "swat-worker"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := orchestrator.LoadConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	logger := telemetry.NewLogger(serviceName, cfg.LogFormat, cfg.LogLevel)
	log.Logger = logger

	if cfg.NATSURL == "" {
		logger.Fatal().Msg("NATS_URL is required")
	}

	shutdown, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("init otel")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown otel")
		}
	}()

	pipeline, err := cfg.NewPipeline(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build pipeline")
	}

	var store orchestrator.Store = orchestrator.NewMemoryStore()
	var trail audit.Sink
	if cfg.DBDSN != "" {
		pool, err := db.Open(ctx, cfg.DBDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect database")
		}
		defer pool.Close()
		if err := db.Migrate(ctx, pool); err != nil {
			logger.Fatal().Err(err).Msg("migrate database")
		}
		orm, err := db.OpenGorm(pool)
		if err != nil {
			logger.Fatal().Err(err).Msg("open orm")
		}
		gs, err := orchestrator.NewGormStore(orm, pool)
		if err != nil {
			logger.Fatal().Err(err).Msg("init store")
		}
		store = gs
		if trail, err = audit.NewPgSink(pool); err != nil {
			logger.Fatal().Err(err).Msg("init audit sink")
		}
	} else {
		logger.Warn().Msg("DB_DSN not set, keeping runs in memory")
	}

	b, err := bus.New(cfg.NATSURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect nats")
	}
	defer b.Close()

	executor := &orchestrator.Executor{
		Pipeline: pipeline,
		Store:    store,
		RunsRoot: cfg.Model.RunsRoot(),
		Timeout:  cfg.Model.RunTimeout,
		Bucket:   cfg.ResultBucket,
		Events:   b,
		Logger:   logger,
	}

	var objects orchestrator.ObjectStore
	if cfg.S3.Enabled() {
		client, err := s3.NewClient(ctx, cfg.S3)
		if err != nil {
			logger.Fatal().Err(err).Msg("init s3")
		}
		executor.Objects = client
		objects = client
	}

	worker, err := orchestrator.NewWorker(executor, objects, b, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init worker")
	}
	if err := worker.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start worker")
	}
	defer func() {
		if err := worker.Close(); err != nil {
			logger.Error().Err(err).Msg("close subscriptions")
		}
	}()

	if trail != nil {
		recorder, err := audit.NewRecorder(trail, b, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("init audit recorder")
		}
		if err := recorder.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("start audit recorder")
		}
		defer func() {
			if err := recorder.Close(); err != nil {
				logger.Error().Err(err).Msg("close audit subscriptions")
			}
		}()
	}

	logger.Info().Str("runs_root", executor.RunsRoot).Msg("worker running")
	<-ctx.Done()
	logger.Info().Msg("shutting down")
}
