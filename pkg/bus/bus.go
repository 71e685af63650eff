package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// StreamName is the JetStream stream holding every run subject.
	StreamName = "SWAT_RUNS"

	SubjectRunRequested = "swat.runs.requested"
	SubjectRunStarted   = "swat.runs.started"
	SubjectRunFinished  = "swat.runs.finished"
)

// ErrPermanent marks a handler failure that redelivery cannot fix. Messages
// failing with it are terminated instead of negatively acknowledged.
var ErrPermanent = errors.New("permanent failure")

// RunRequested asks a worker to execute a model run whose input archive
// lives in object storage.
type RunRequested struct {
	RunID       string    `json:"run_id"`
	InputBucket string    `json:"input_bucket"`
	InputKey    string    `json:"input_key"`
	RequestedAt time.Time `json:"requested_at"`
}

// RunStarted is published once a run has been accepted for execution.
type RunStarted struct {
	RunID     string    `json:"run_id"`
	Source    string    `json:"source"`
	StartedAt time.Time `json:"started_at"`
}

// RunFinished reports the terminal state of a run.
type RunFinished struct {
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	State      string    `json:"state"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
	Entries    []string  `json:"entries,omitempty"`
	ResultKey  string    `json:"result_key,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Bus wraps a NATS JetStream connection for publishing and consuming events.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New creates a Bus connected to the provided NATS endpoint and makes sure
// the run stream exists.
func New(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	b := &Bus{conn: nc, js: js}
	if err := b.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bus) ensureStream() error {
	cfg := &nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{"swat.runs.>"},
		MaxAge:   7 * 24 * time.Hour,
	}
	if _, err := b.js.StreamInfo(StreamName); err == nil {
		_, err = b.js.UpdateStream(cfg)
		return err
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err := b.js.AddStream(cfg)
	return err
}

// Close shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Connected reports whether the underlying connection is usable.
func (b *Bus) Connected() bool {
	return b != nil && b.conn.IsConnected()
}

// Publish encodes v as JSON and publishes it to the given subject.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	_, err = b.js.Publish(subj, data, nats.Context(ctx))
	return err
}

type subscription struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Drain()
}

// acker is the part of *nats.Msg a handler outcome is reported through.
type acker interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
	InProgress(opts ...nats.AckOpt) error
}

// Subscribe creates a durable consumer on the given subject and invokes fn for
// each message. Handlers run one at a time per subscription.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, ackWait time.Duration, fn func(ctx context.Context, data []byte) error) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}
	if ackWait <= 0 {
		ackWait = 30 * time.Second
	}

	handler := func(msg *nats.Msg) {
		deliver(ctx, msg, msg.Data, ackWait, fn)
	}

	sub, err := b.js.Subscribe(subj, handler,
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxAckPending(1),
	)
	if err != nil {
		return nil, err
	}

	s := &subscription{sub: sub}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	return s, nil
}

// deliver runs fn and reports its outcome on msg. While fn runs, the message
// is kept in progress so long model runs are not redelivered.
func deliver(ctx context.Context, msg acker, data []byte, ackWait time.Duration, fn func(ctx context.Context, data []byte) error) {
	handlerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(ackWait / 2)
		defer ticker.Stop()
		for {
			select {
			case <-handlerCtx.Done():
				return
			case <-ticker.C:
				_ = msg.InProgress()
			}
		}
	}()

	err := fn(handlerCtx, data)
	switch {
	case err == nil:
		_ = msg.Ack()
	case errors.Is(err, ErrPermanent):
		_ = msg.Term()
	default:
		_ = msg.Nak()
	}
}
