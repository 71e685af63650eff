package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"swatwps/pkg/bus"
	"swatwps/services/model"
)

// Subscriber delivers messages from a durable consumer.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, ackWait time.Duration, fn func(context.Context, []byte) error) (io.Closer, error)
}

const (
	requestedDurable = "swat-worker-requested"
	defaultAckWait   = 30 * time.Second
)

// Worker executes runs requested over the bus. A run already executing in
// this process is not started twice.
type Worker struct {
	executor *Executor
	objects  ObjectStore
	sub      Subscriber
	logger   zerolog.Logger
	ackWait  time.Duration

	activeMu   sync.Mutex
	activeRuns map[uuid.UUID]struct{}

	subsMu sync.Mutex
	subs   []io.Closer
}

// NewWorker binds a worker to its dependencies. objects downloads input
// archives; it may be nil when requests carry no input.
func NewWorker(executor *Executor, objects ObjectStore, sub Subscriber, logger zerolog.Logger) (*Worker, error) {
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	return &Worker{
		executor:   executor,
		objects:    objects,
		sub:        sub,
		logger:     logger,
		ackWait:    defaultAckWait,
		activeRuns: make(map[uuid.UUID]struct{}),
	}, nil
}

// Start registers the run request subscription.
func (w *Worker) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	closer, err := w.sub.Subscribe(ctx, bus.SubjectRunRequested, requestedDurable, w.ackWait, w.handleRunRequested)
	if err != nil {
		return err
	}
	w.subsMu.Lock()
	w.subs = append(w.subs, closer)
	w.subsMu.Unlock()
	return nil
}

// Close tears down active subscriptions.
func (w *Worker) Close() error {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()

	var firstErr error
	for _, sub := range w.subs {
		if sub == nil {
			continue
		}
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.subs = nil
	return firstErr
}

// handleRunRequested returns an error only for failures a redelivery may fix.
// A run that fails inside the pipeline is recorded and acknowledged.
func (w *Worker) handleRunRequested(ctx context.Context, data []byte) error {
	var evt bus.RunRequested
	if err := json.Unmarshal(data, &evt); err != nil {
		return fmt.Errorf("%w: decode run request: %v", bus.ErrPermanent, err)
	}
	runID, err := uuid.Parse(evt.RunID)
	if err != nil {
		return fmt.Errorf("%w: run_id %q: %v", bus.ErrPermanent, evt.RunID, err)
	}

	if !w.claim(runID) {
		w.logger.Debug().Str("run_id", runID.String()).Msg("run already executing")
		return nil
	}
	defer w.release(runID)

	run, err := w.loadRun(ctx, runID, evt)
	if err != nil {
		return err
	}
	if run.Terminal() || run.Status == StatusRunning {
		w.logger.Info().Str("run_id", runID.String()).Str("status", run.Status).Msg("skip run request")
		return nil
	}

	var inputs []string
	if evt.InputKey != "" {
		input, err := w.fetchInput(ctx, run.ID, evt)
		if err != nil {
			return err
		}
		inputs = append(inputs, input)
	}

	_, err = w.executor.Execute(ctx, run, inputs)
	var runErr *model.RunError
	if err == nil || !errors.As(err, &runErr) {
		return err
	}
	w.logger.Warn().Err(err).Str("run_id", run.ID.String()).Str("error_kind", run.ErrorKind).Msg("run failed")
	return nil
}

func (w *Worker) loadRun(ctx context.Context, id uuid.UUID, evt bus.RunRequested) (*Run, error) {
	run, err := w.executor.Store.Get(ctx, id)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, ErrRunNotFound) {
		return nil, err
	}

	var inputName string
	if evt.InputKey != "" {
		inputName = path.Base(evt.InputKey)
	}
	run = NewRun(SourceWorker, inputName)
	run.ID = id
	if !evt.RequestedAt.IsZero() {
		run.CreatedAt = evt.RequestedAt.UTC()
	}
	if err := w.executor.Store.Create(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// fetchInput downloads the input archive next to the run's work root.
func (w *Worker) fetchInput(ctx context.Context, id uuid.UUID, evt bus.RunRequested) (string, error) {
	if w.objects == nil {
		return "", fmt.Errorf("%w: run %s names an input but no object store is configured", bus.ErrPermanent, id)
	}
	bucket := evt.InputBucket
	if bucket == "" {
		bucket = w.executor.Bucket
	}
	dir := filepath.Join(w.executor.RunsRoot, "inputs", id.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(dir, path.Base(evt.InputKey))
	if err := w.objects.Download(ctx, bucket, evt.InputKey, dest); err != nil {
		return "", fmt.Errorf("download input s3://%s/%s: %w", bucket, evt.InputKey, err)
	}
	return dest, nil
}

func (w *Worker) claim(id uuid.UUID) bool {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	if _, ok := w.activeRuns[id]; ok {
		return false
	}
	w.activeRuns[id] = struct{}{}
	return true
}

func (w *Worker) release(id uuid.UUID) {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	delete(w.activeRuns, id)
}
