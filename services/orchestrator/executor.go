package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"swatwps/pkg/bus"
	"swatwps/services/model"
)

// Publisher emits run lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// ObjectStore moves archives in and out of object storage.
type ObjectStore interface {
	PutFile(ctx context.Context, bucket, key, path string) (string, error)
	Download(ctx context.Context, bucket, key, dest string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Executor runs the pipeline for stored runs. Each run gets its own work root
// under RunsRoot; nothing there is removed afterwards.
type Executor struct {
	Pipeline *model.Pipeline
	Store    Store
	RunsRoot string
	// Timeout bounds a single pipeline execution. Zero means none.
	Timeout time.Duration
	// Objects and Bucket enable result uploads; Events enables lifecycle
	// events. Both are optional.
	Objects ObjectStore
	Bucket  string
	Events  Publisher
	Logger  zerolog.Logger
}

// WorkRoot is the dedicated directory for run id.
func (e *Executor) WorkRoot(id uuid.UUID) string {
	return filepath.Join(e.RunsRoot, id.String())
}

// ResultKey is the object key a run's result archive is uploaded to.
func ResultKey(id uuid.UUID) string {
	return "runs/" + id.String() + "/" + model.DefaultResultName
}

// Execute drives run through the pipeline and records the outcome. The
// returned error is the pipeline failure, if any; bookkeeping failures are
// logged and joined to it.
func (e *Executor) Execute(ctx context.Context, run *Run, inputs []string) (*model.Outcome, error) {
	if e.Pipeline == nil || e.Store == nil {
		return nil, errors.New("executor requires a pipeline and a store")
	}
	logger := e.Logger.With().Str("run_id", run.ID.String()).Logger()

	started := time.Now().UTC()
	run.Status = StatusRunning
	run.StartedAt = &started
	if err := e.Store.Update(ctx, run); err != nil {
		return nil, fmt.Errorf("mark run %s running: %w", run.ID, err)
	}
	e.publish(ctx, logger, bus.SubjectRunStarted, bus.RunStarted{
		RunID:     run.ID.String(),
		Source:    run.Source,
		StartedAt: started,
	})

	runCtx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	out, runErr := e.Pipeline.Execute(runCtx, model.Request{WorkRoot: e.WorkRoot(run.ID), Inputs: inputs})
	applyOutcome(run, out, runErr)

	// Bookkeeping continues even when the caller's context has ended.
	persistCtx := context.WithoutCancel(ctx)

	if runErr == nil && e.Objects != nil && e.Bucket != "" {
		key := ResultKey(run.ID)
		sha, err := e.Objects.PutFile(persistCtx, e.Bucket, key, out.ResultArchive)
		if err != nil {
			logger.Error().Err(err).Str("key", key).Msg("upload result archive")
		} else {
			run.ResultKey = key
			run.ResultSHA256 = sha
		}
	}

	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	if err := e.Store.Update(persistCtx, run); err != nil {
		logger.Error().Err(err).Msg("record run outcome")
		errs = append(errs, fmt.Errorf("record run %s: %w", run.ID, err))
	}

	e.publish(persistCtx, logger, bus.SubjectRunFinished, bus.RunFinished{
		RunID:      run.ID.String(),
		Status:     run.Status,
		State:      run.State,
		ExitCode:   run.ExitCode,
		Error:      run.Error,
		Entries:    run.Entries,
		ResultKey:  run.ResultKey,
		FinishedAt: *run.FinishedAt,
	})

	return out, errors.Join(errs...)
}

func applyOutcome(run *Run, out *model.Outcome, runErr error) {
	finished := time.Now().UTC()
	run.FinishedAt = &finished
	if out != nil {
		run.State = out.State.String()
		run.ExitCode = out.ExitCode
		run.Transcript = out.Transcript
		run.Executable = out.Executable
		run.InputSkipped = out.InputSkipped
		run.Entries = out.Entries
		run.ResultPath = out.ResultArchive
		run.DurationMS = out.Duration.Milliseconds()
	}

	if runErr == nil {
		run.Status = StatusSucceeded
		run.Error = ""
		run.ErrorKind = ""
		return
	}

	run.Status = StatusFailed
	run.Error = runErr.Error()
	var re *model.RunError
	if errors.As(runErr, &re) {
		run.ErrorKind = re.Code()
		run.State = re.State.String()
	} else {
		run.ErrorKind = "unknown"
	}
}

func (e *Executor) publish(ctx context.Context, logger zerolog.Logger, subj string, v any) {
	if e.Events == nil {
		return
	}
	if err := e.Events.Publish(ctx, subj, v); err != nil {
		logger.Warn().Err(err).Str("subject", subj).Msg("publish run event")
	}
}
