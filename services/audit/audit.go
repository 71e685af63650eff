// Package audit keeps a trail of run lifecycle events published on the bus.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"swatwps/pkg/bus"
)

const actor = "bus"

// Entry is one recorded event. Obj is the run id.
type Entry struct {
	ID      int64          `json:"id" db:"id"`
	Actor   string         `json:"actor" db:"actor"`
	Action  string         `json:"action" db:"action"`
	Obj     string         `json:"obj" db:"obj"`
	Details map[string]any `json:"details" db:"details"`
	At      time.Time      `json:"at" db:"at"`
}

// Sink stores entries.
type Sink interface {
	Append(ctx context.Context, e Entry) error
	// Latest returns the newest entry for obj, or ErrNoEntries.
	Latest(ctx context.Context, obj string) (Entry, error)
	List(ctx context.Context, obj string) ([]Entry, error)
}

var ErrNoEntries = errors.New("no audit entries")

// Subscriber delivers messages from a durable consumer.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, ackWait time.Duration, fn func(context.Context, []byte) error) (io.Closer, error)
}

// Recorder appends an entry for every run started and finished event,
// noting which fields changed since the run's previous entry.
type Recorder struct {
	sink   Sink
	sub    Subscriber
	logger zerolog.Logger

	subsMu sync.Mutex
	subs   []io.Closer
}

func NewRecorder(sink Sink, sub Subscriber, logger zerolog.Logger) (*Recorder, error) {
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	return &Recorder{sink: sink, sub: sub, logger: logger}, nil
}

// Start subscribes to run lifecycle subjects.
func (r *Recorder) Start(ctx context.Context) error {
	specs := []struct {
		subject string
		durable string
		action  string
	}{
		{bus.SubjectRunStarted, "audit-runs-started", "run_started"},
		{bus.SubjectRunFinished, "audit-runs-finished", "run_finished"},
	}
	for _, spec := range specs {
		action := spec.action
		closer, err := r.sub.Subscribe(ctx, spec.subject, spec.durable, 30*time.Second, func(ctx context.Context, data []byte) error {
			return r.record(ctx, action, data)
		})
		if err != nil {
			r.Close()
			return err
		}
		r.subsMu.Lock()
		r.subs = append(r.subs, closer)
		r.subsMu.Unlock()
	}
	return nil
}

// Close stops the subscriptions.
func (r *Recorder) Close() error {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	var firstErr error
	for _, sub := range r.subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.subs = nil
	return firstErr
}

func (r *Recorder) record(ctx context.Context, action string, data []byte) error {
	var event map[string]any
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("%w: decode event: %v", bus.ErrPermanent, err)
	}
	runID, _ := event["run_id"].(string)
	if runID == "" {
		return fmt.Errorf("%w: run_id missing from event", bus.ErrPermanent)
	}

	var previous map[string]any
	prev, err := r.sink.Latest(ctx, runID)
	switch {
	case err == nil:
		previous, _ = prev.Details["event"].(map[string]any)
	case !errors.Is(err, ErrNoEntries):
		return err
	}

	entry := Entry{
		Actor:  actor,
		Action: action,
		Obj:    runID,
		Details: map[string]any{
			"event":   event,
			"changes": computeDiff(previous, event),
		},
		At: time.Now().UTC(),
	}
	if err := r.sink.Append(ctx, entry); err != nil {
		return err
	}
	r.logger.Debug().Str("run_id", runID).Str("action", action).Msg("audit entry recorded")
	return nil
}

func computeDiff(previous, current map[string]any) map[string]map[string]any {
	if previous == nil {
		previous = map[string]any{}
	}
	if current == nil {
		current = map[string]any{}
	}

	diff := make(map[string]map[string]any)

	for key, prevVal := range previous {
		curVal, ok := current[key]
		if !ok {
			diff[key] = map[string]any{"old": prevVal, "new": nil}
			continue
		}
		if !reflect.DeepEqual(prevVal, curVal) {
			diff[key] = map[string]any{"old": prevVal, "new": curVal}
		}
	}

	for key, curVal := range current {
		if _, seen := previous[key]; seen {
			continue
		}
		diff[key] = map[string]any{"old": nil, "new": curVal}
	}

	return diff
}
