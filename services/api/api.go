package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"

	"swatwps/pkg/render"
	"swatwps/services/audit"
	"swatwps/services/observations"
	"swatwps/services/orchestrator"
)

const (
	presignURLExpiry = 15 * time.Minute

	DispatchLocal = "local"
	DispatchBus   = "bus"
)

// Config controls runtime behaviour for the API service.
type Config struct {
	Addr           string   `env:"ADDR,default=:8080"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	RateLimit      int      `env:"RATE_LIMIT_PER_MINUTE,default=100"`
	// Dispatch selects where submitted runs execute: "local" runs the
	// pipeline in process, "bus" uploads the input and queues the run for a
	// worker.
	Dispatch       string `env:"API_DISPATCH,default=local"`
	InputBucket    string `env:"S3_BUCKET,default=swat-inputs"`
	MaxUploadBytes int64  `env:"MAX_UPLOAD_BYTES,default=536870912"`

	SOSURL       string `env:"SOS_URL"`
	SOSProcedure string `env:"SOS_PROCEDURE"`
	SOSProperty  string `env:"SOS_OBSERVED_PROPERTY"`
	SOSYears     int    `env:"SOS_YEARS,default=3"`

	Orchestrator orchestrator.Config
}

// LoadConfig returns a Config populated from environment variables.
func LoadConfig(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Deps holds the collaborators the handlers use. Executor and Store are
// required; the rest switch features on when set.
type Deps struct {
	Store        orchestrator.Store
	Executor     *orchestrator.Executor
	Renderer     *render.Engine
	Objects      orchestrator.ObjectStore
	Events       orchestrator.Publisher
	Fetcher      *observations.Fetcher
	Observations orchestrator.ObservationLog
	// Trail serves run lifecycle events. Nil disables /v1/runs/{id}/events.
	Trail audit.Sink
	// Ready reports dependency health for /readyz. Nil means always ready.
	Ready  func(ctx context.Context) error
	Logger zerolog.Logger
}

// API wires dependencies, template renderer, and configuration for HTTP handlers.
type API struct {
	deps   Deps
	config Config
	logger zerolog.Logger
	// inflight tracks runs executing in process after their request returned.
	inflight sync.WaitGroup
}

// New validates deps and applies defaults to cfg.
func New(deps Deps, cfg Config) (*API, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if deps.Renderer == nil {
		return nil, errors.New("renderer is required")
	}
	switch cfg.Dispatch {
	case "":
		cfg.Dispatch = DispatchLocal
	case DispatchLocal:
	case DispatchBus:
		if deps.Objects == nil || deps.Events == nil {
			return nil, errors.New("bus dispatch requires object storage and a bus")
		}
	default:
		return nil, errors.New("API_DISPATCH must be local or bus")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 512 << 20
	}
	if cfg.SOSYears <= 0 {
		cfg.SOSYears = observations.DefaultYears
	}

	return &API{
		deps:   deps,
		config: cfg,
		logger: deps.Logger,
	}, nil
}

// Wait blocks until in-process runs started by the handlers have finished.
func (a *API) Wait() {
	a.inflight.Wait()
}
