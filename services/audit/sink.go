package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"swatwps/pkg/db"
)

// PgSink stores entries in the audit table.
type PgSink struct {
	pool *pgxpool.Pool
}

func NewPgSink(pool *pgxpool.Pool) (*PgSink, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	return &PgSink{pool: pool}, nil
}

func (s *PgSink) Append(ctx context.Context, e Entry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, s.pool, `
INSERT INTO audit (actor, action, obj, details, at)
VALUES ($1, $2, $3, $4::jsonb, $5)
`, e.Actor, e.Action, e.Obj, details, e.At)
	return err
}

func (s *PgSink) Latest(ctx context.Context, obj string) (Entry, error) {
	var e Entry
	err := db.Get(ctx, s.pool, &e, `
SELECT id, actor, action, obj, details, at
FROM audit
WHERE obj = $1
ORDER BY at DESC, id DESC
LIMIT 1
`, obj)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNoEntries
	}
	return e, err
}

func (s *PgSink) List(ctx context.Context, obj string) ([]Entry, error) {
	entries := []Entry{}
	err := db.Select(ctx, s.pool, &entries, `
SELECT id, actor, action, obj, details, at
FROM audit
WHERE obj = $1
ORDER BY at, id
LIMIT $2
`, obj, db.MaxListLimit)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// MemorySink keeps entries in process.
type MemorySink struct {
	mu      sync.Mutex
	nextID  int64
	entries []Entry
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e.ID = s.nextID
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemorySink) Latest(_ context.Context, obj string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].Obj == obj {
			return s.entries[i], nil
		}
	}
	return Entry{}, ErrNoEntries
}

func (s *MemorySink) List(_ context.Context, obj string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := []Entry{}
	for _, e := range s.entries {
		if e.Obj == obj {
			entries = append(entries, e)
		}
	}
	return entries, nil
}
