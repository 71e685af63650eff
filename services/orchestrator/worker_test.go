package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"swatwps/pkg/bus"
)

type fakeSubscriber struct {
	subject string
	durable string
	handler func(context.Context, []byte) error
	closed  bool
}

func (f *fakeSubscriber) Subscribe(_ context.Context, subj, durable string, _ time.Duration, fn func(context.Context, []byte) error) (io.Closer, error) {
	f.subject, f.durable, f.handler = subj, durable, fn
	return f, nil
}

func (f *fakeSubscriber) Close() error {
	f.closed = true
	return nil
}

func newTestWorker(t *testing.T, script string, objects *fakeObjects) (*Worker, *MemoryStore, *fakeSubscriber) {
	t.Helper()
	store := NewMemoryStore()
	exec := &Executor{
		Pipeline: newPipeline(t, script),
		Store:    store,
		RunsRoot: t.TempDir(),
		Bucket:   "results",
		Logger:   zerolog.Nop(),
	}
	sub := &fakeSubscriber{}
	var objs ObjectStore
	if objects != nil {
		objs = objects
		exec.Objects = objects
	}
	w, err := NewWorker(exec, objs, sub, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWorker() error = %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return w, store, sub
}

func request(t *testing.T, evt bus.RunRequested) []byte {
	t.Helper()
	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestWorkerSubscribes(t *testing.T) {
	w, _, sub := newTestWorker(t, "true\n", nil)
	if sub.subject != bus.SubjectRunRequested || sub.durable != requestedDurable {
		t.Fatalf("subscribed to %q as %q", sub.subject, sub.durable)
	}
	if err := w.Close(); err != nil || !sub.closed {
		t.Fatalf("Close() error = %v closed = %v", err, sub.closed)
	}
}

func TestWorkerRunsRequestedInput(t *testing.T) {
	input := filepath.Join(t.TempDir(), "model.zip")
	objects := &fakeObjects{downloads: map[string][]byte{}}
	objects.downloads["inputs/uploads/model.zip"] = writeInputZip(t, input)

	_, store, sub := newTestWorker(t, "cat file.cio > output.std\n", objects)

	id := uuid.New()
	err := sub.handler(context.Background(), request(t, bus.RunRequested{
		RunID:       id.String(),
		InputBucket: "inputs",
		InputKey:    "uploads/model.zip",
	}))
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}

	run, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if run.Source != SourceWorker || run.InputName != "model.zip" || run.Status != StatusSucceeded || run.InputSkipped {
		t.Fatalf("run = %+v", run)
	}
	if _, ok := objects.puts["results/"+ResultKey(id)]; !ok {
		t.Fatalf("uploads = %v", objects.puts)
	}
}

func TestWorkerAcksPipelineFailure(t *testing.T) {
	_, store, sub := newTestWorker(t, "exit 1\n", nil)

	id := uuid.New()
	if err := sub.handler(context.Background(), request(t, bus.RunRequested{RunID: id.String()})); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	run, _ := store.Get(context.Background(), id)
	if run.Status != StatusFailed || run.ErrorKind != "model_execution_failed" {
		t.Fatalf("run = %+v", run)
	}
}

func TestWorkerSkipsFinishedRun(t *testing.T) {
	_, store, sub := newTestWorker(t, "exit 1\n", nil)

	run := NewRun(SourceAPI, "")
	run.Status = StatusSucceeded
	if err := store.Create(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	if err := sub.handler(context.Background(), request(t, bus.RunRequested{RunID: run.ID.String()})); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	got, _ := store.Get(context.Background(), run.ID)
	if got.Status != StatusSucceeded {
		t.Fatalf("finished run re-executed: %+v", got)
	}
}

func TestWorkerRejectsBadRequests(t *testing.T) {
	_, _, sub := newTestWorker(t, "true\n", nil)

	tests := []struct {
		name string
		data []byte
	}{
		{"not json", []byte("{")},
		{"bad run id", []byte(`{"run_id":"nope"}`)},
		{"input without object store", []byte(`{"run_id":"` + uuid.NewString() + `","input_key":"a.zip"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sub.handler(context.Background(), tt.data)
			if !errors.Is(err, bus.ErrPermanent) {
				t.Fatalf("handler error = %v, want ErrPermanent", err)
			}
		})
	}
}

func TestWorkerRetriesMissingInput(t *testing.T) {
	_, store, sub := newTestWorker(t, "true\n", &fakeObjects{})

	id := uuid.New()
	err := sub.handler(context.Background(), request(t, bus.RunRequested{RunID: id.String(), InputKey: "missing.zip"}))
	if err == nil || errors.Is(err, bus.ErrPermanent) {
		t.Fatalf("handler error = %v, want retryable error", err)
	}
	run, _ := store.Get(context.Background(), id)
	if run.Status != StatusQueued {
		t.Fatalf("run status = %q, want queued", run.Status)
	}
}

func TestWorkerClaim(t *testing.T) {
	w, _, _ := newTestWorker(t, "true\n", nil)
	id := uuid.New()
	if !w.claim(id) {
		t.Fatal("first claim refused")
	}
	if w.claim(id) {
		t.Fatal("second claim accepted")
	}
	w.release(id)
	if !w.claim(id) {
		t.Fatal("claim after release refused")
	}
}
