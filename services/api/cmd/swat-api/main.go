package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"swatwps/pkg/bus"
	"swatwps/pkg/db"
	"swatwps/pkg/render"
	"swatwps/pkg/s3"
	"swatwps/pkg/telemetry"
	"swatwps/services/api"
	"swatwps/services/audit"
	"swatwps/services/observations"
	"swatwps/services/orchestrator"
)

const serviceName = "swat-api"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := api.LoadConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	oc := cfg.Orchestrator

	logger := telemetry.NewLogger(serviceName, oc.LogFormat, oc.LogLevel)
	log.Logger = logger

	shutdown, err := telemetry.Init(ctx, serviceName, oc.OTLPEndpoint)
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

	pipeline, err := oc.NewPipeline(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build pipeline")
	}

	renderer, err := render.New()
	if err != nil {
		logger.Fatal().Err(err).Msg("load templates")
	}

	deps := api.Deps{
		Renderer: renderer,
		Fetcher:  observations.NewFetcher(logger),
		Logger:   logger,
	}
	var readiness []func(context.Context) error

	if oc.DBDSN != "" {
		pool, err := db.Open(ctx, oc.DBDSN)
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
		store, err := orchestrator.NewGormStore(orm, pool)
		if err != nil {
			logger.Fatal().Err(err).Msg("init store")
		}
		deps.Store = store
		deps.Observations = store
		trail, err := audit.NewPgSink(pool)
		if err != nil {
			logger.Fatal().Err(err).Msg("init audit sink")
		}
		deps.Trail = trail
		readiness = append(readiness, func(ctx context.Context) error { return db.Ping(ctx, pool) })
	} else {
		logger.Warn().Msg("DB_DSN not set, keeping runs in memory")
		store := orchestrator.NewMemoryStore()
		deps.Store = store
		deps.Observations = store
	}

	if oc.NATSURL != "" {
		b, err := bus.New(oc.NATSURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect nats")
		}
		defer b.Close()
		deps.Events = b
		readiness = append(readiness, func(context.Context) error {
			if !b.Connected() {
				return errors.New("nats disconnected")
			}
			return nil
		})
	}

	if oc.S3.Enabled() {
		client, err := s3.NewClient(ctx, oc.S3)
		if err != nil {
			logger.Fatal().Err(err).Msg("init s3")
		}
		deps.Objects = client
	}

	deps.Executor = &orchestrator.Executor{
		Pipeline: pipeline,
		Store:    deps.Store,
		RunsRoot: oc.Model.RunsRoot(),
		Timeout:  oc.Model.RunTimeout,
		Objects:  deps.Objects,
		Bucket:   oc.ResultBucket,
		Events:   deps.Events,
		Logger:   logger,
	}
	deps.Ready = func(ctx context.Context) error {
		for _, check := range readiness {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}

	a, err := api.New(deps, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("init api")
	}
	handler, err := a.Routes()
	if err != nil {
		logger.Fatal().Err(err).Msg("build routes")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("dispatch", cfg.Dispatch).Msg("starting swat-api")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown server")
	}
	a.Wait()
}
