package model

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"swatwps/pkg/archive"
	"swatwps/pkg/metrics"
)

// State is a step of a pipeline run. Runs advance strictly in declaration
// order; StateFailed is reachable from any state before StateDone.
type State int

const (
	StateInit State = iota
	StateDirectoriesReady
	StateInputUnpacked
	StateExecutableResolved
	StateModelRunning
	StateOutputsCollected
	StatePackaged
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateInit:               "init",
	StateDirectoriesReady:   "directories_ready",
	StateInputUnpacked:      "input_unpacked",
	StateExecutableResolved: "executable_resolved",
	StateModelRunning:       "model_running",
	StateOutputsCollected:   "outputs_collected",
	StatePackaged:           "packaged",
	StateDone:               "done",
	StateFailed:             "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

const (
	DefaultModelDir   = "swatmodel"
	DefaultResultName = "swat_output.zip"
)

// Config fixes what a Pipeline runs. Zero fields take the defaults above.
type Config struct {
	Deployment    DeploymentLocation
	Executable    string
	ModelDir      string
	OutputPattern string
	ResultName    string
	// FailOnEmptyOutput turns a run that matched no output files into an
	// ErrEmptyOutput failure instead of packaging an empty archive.
	FailOnEmptyOutput bool
}

// Request is one invocation. WorkRoot must be dedicated to this run; the
// pipeline creates it if missing and never removes it.
type Request struct {
	WorkRoot string
	// Inputs are input archive paths. Exactly one is unpacked into the model
	// directory; any other count is logged and the unpack step is skipped.
	Inputs []string
}

// Outcome describes a run. It is returned on failure too, filled up to the
// failing step.
type Outcome struct {
	State         State
	WorkRoot      string
	ModelDir      string
	Executable    string
	InputSkipped  bool
	ExitCode      int
	Transcript    string
	Outputs       []string
	Entries       []string
	ResultArchive string
	Duration      time.Duration
}

// Pipeline unpacks an input model, runs the SWAT executable against it and
// packages the outputs.
type Pipeline struct {
	cfg          Config
	locator      *Locator
	runner       *Runner
	logger       zerolog.Logger
	tracer       trace.Tracer
	onTransition func(from, to State)
}

// Option customises a Pipeline.
type Option func(*Pipeline)

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

func WithLocator(locator *Locator) Option {
	return func(p *Pipeline) { p.locator = locator }
}

func WithRunner(runner *Runner) Option {
	return func(p *Pipeline) { p.runner = runner }
}

// WithTransitionHook registers fn to be called on every state change.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(p *Pipeline) { p.onTransition = fn }
}

// New validates cfg, applies defaults and returns a Pipeline.
func New(cfg Config, opts ...Option) (*Pipeline, error) {
	if !cfg.Deployment.IsDirectory() && !cfg.Deployment.IsBundle() {
		return nil, errors.New("deployment location is required")
	}
	if cfg.Executable == "" {
		cfg.Executable = DefaultExecutable
	}
	if cfg.ModelDir == "" {
		cfg.ModelDir = DefaultModelDir
	}
	if cfg.OutputPattern == "" {
		cfg.OutputPattern = DefaultOutputPattern
	}
	if _, err := filepath.Match(cfg.OutputPattern, ""); err != nil {
		return nil, fmt.Errorf("output pattern %q: %w", cfg.OutputPattern, err)
	}
	if cfg.ResultName == "" {
		cfg.ResultName = DefaultResultName
	}

	p := &Pipeline{
		cfg:    cfg,
		logger: zerolog.Nop(),
		tracer: otel.Tracer("swatwps/model"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.locator == nil {
		p.locator = NewLocator(filepath.Join(os.TempDir(), "swatwps"), p.logger)
	}
	if p.runner == nil {
		p.runner = &Runner{Logger: p.logger}
	}
	return p, nil
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Execute performs one run. On failure it returns the partial Outcome together
// with a *RunError.
func (p *Pipeline) Execute(ctx context.Context, req Request) (*Outcome, error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "model.Execute", trace.WithAttributes(
		attribute.String("swat.work_root", req.WorkRoot),
		attribute.Int("swat.inputs", len(req.Inputs)),
	))
	defer span.End()

	out := &Outcome{State: StateInit, WorkRoot: req.WorkRoot, ExitCode: -1}
	logger := p.logger.With().Str("work_root", req.WorkRoot).Logger()

	advance := func(to State) {
		from := out.State
		out.State = to
		span.AddEvent("transition", trace.WithAttributes(attribute.String("swat.state", to.String())))
		logger.Debug().Stringer("from", from).Stringer("to", to).Msg("pipeline transition")
		if p.onTransition != nil {
			p.onTransition(from, to)
		}
	}

	fail := func(def, err error) (*Outcome, error) {
		runErr := &RunError{
			State:      out.State,
			Kind:       kindOf(err, def),
			ExitCode:   out.ExitCode,
			Transcript: out.Transcript,
			Err:        err,
		}
		out.Duration = time.Since(start)
		advance(StateFailed)

		metrics.PipelineRunsTotal.WithLabelValues("failed").Inc()
		metrics.PipelineStageFailuresTotal.WithLabelValues(runErr.State.String()).Inc()
		metrics.PipelineRunDurationSeconds.WithLabelValues("failed").Observe(out.Duration.Seconds())
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Kind.Error())
		logger.Error().Err(runErr).Stringer("state", runErr.State).Msg("model run failed")
		return out, runErr
	}

	logger.Info().Str("deployment", p.cfg.Deployment.String()).Msg("trying to run SWAT model")

	// Init -> DirectoriesReady
	if req.WorkRoot == "" {
		return fail(ErrDirectoryCreation, fmt.Errorf("%w: work root is required", ErrDirectoryCreation))
	}
	out.ModelDir = filepath.Join(req.WorkRoot, p.cfg.ModelDir)
	for _, dir := range []string{req.WorkRoot, out.ModelDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fail(ErrDirectoryCreation, fmt.Errorf("%w: %s: %w", ErrDirectoryCreation, dir, err))
		}
	}
	advance(StateDirectoriesReady)

	// DirectoriesReady -> InputUnpacked
	switch len(req.Inputs) {
	case 1:
		logger.Info().Str("input", req.Inputs[0]).Str("dest", out.ModelDir).Msg("unpacking model input")
		if _, err := archive.ExtractAll(req.Inputs[0], out.ModelDir); err != nil {
			return fail(ErrArchiveUnreadable, fmt.Errorf("extract model input: %w", err))
		}
	default:
		out.InputSkipped = true
		logger.Warn().Int("inputs", len(req.Inputs)).
			Msg("expected exactly one input archive, running against existing model directory")
	}
	advance(StateInputUnpacked)

	// InputUnpacked -> ExecutableResolved
	name := p.locator.PlatformName(p.cfg.Executable)
	exe, err := p.locator.Resolve(ctx, p.cfg.Deployment, name)
	if err != nil {
		return fail(ErrExecutableNotFound, fmt.Errorf("resolve executable %s: %w", name, err))
	}
	out.Executable = exe
	span.SetAttributes(attribute.String("swat.executable", exe))
	advance(StateExecutableResolved)

	// ExecutableResolved -> ModelRunning -> OutputsCollected
	advance(StateModelRunning)
	result, err := p.runner.Run(ctx, exe, out.ModelDir)
	if result != nil {
		out.ExitCode = result.ExitCode
		out.Transcript = result.Transcript()
	}
	if err != nil {
		return fail(ErrLaunchFailure, err)
	}
	if result.ExitCode != 0 {
		return fail(ErrModelExecutionFailed, fmt.Errorf("%w: %s exited with status %d", ErrModelExecutionFailed, name, result.ExitCode))
	}

	outputs, err := Collect(out.ModelDir, p.cfg.OutputPattern)
	if err != nil {
		return fail(ErrIOFailure, err)
	}
	if len(outputs) == 0 {
		if p.cfg.FailOnEmptyOutput {
			return fail(ErrEmptyOutput, fmt.Errorf("%w: pattern %q under %s", ErrEmptyOutput, p.cfg.OutputPattern, out.ModelDir))
		}
		logger.Warn().Str("pattern", p.cfg.OutputPattern).Msg("model produced no output files")
	}
	out.Outputs = outputs
	advance(StateOutputsCollected)

	// OutputsCollected -> Packaged
	resultPath := filepath.Join(req.WorkRoot, p.cfg.ResultName)
	entries, err := archive.Compress(outputs, resultPath)
	if err != nil {
		return fail(ErrIOFailure, fmt.Errorf("package outputs: %w", err))
	}
	out.Entries = entries
	out.ResultArchive = resultPath
	advance(StatePackaged)

	// Packaged -> Done
	out.Duration = time.Since(start)
	advance(StateDone)

	metrics.PipelineRunsTotal.WithLabelValues("succeeded").Inc()
	metrics.PipelineRunDurationSeconds.WithLabelValues("succeeded").Observe(out.Duration.Seconds())
	logger.Info().Str("result", resultPath).Int("outputs", len(outputs)).Dur("duration", out.Duration).
		Msg("model run finished")
	return out, nil
}
