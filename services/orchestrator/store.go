package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"swatwps/pkg/db"
)

var ErrRunNotFound = errors.New("run not found")

// Store persists run records.
type Store interface {
	Create(ctx context.Context, run *Run) error
	Update(ctx context.Context, run *Run) error
	Get(ctx context.Context, id uuid.UUID) (*Run, error)
	// List returns runs newest first. An empty status matches all.
	List(ctx context.Context, status string, limit int) ([]*Run, error)
}

// ObservationStatus is the last reported state of a sensor.
type ObservationStatus struct {
	Sensor    string     `json:"sensor"`
	Status    string     `json:"status"`
	LatestAt  *time.Time `json:"latest_at,omitempty"`
	Count     int        `json:"count"`
	CheckedAt time.Time  `json:"checked_at"`
}

// ObservationLog records observation status checks.
type ObservationLog interface {
	RecordObservation(ctx context.Context, status ObservationStatus) error
}

type observationModel struct {
	ID        int64      `gorm:"primaryKey"`
	Sensor    string     `gorm:"type:text"`
	Status    string     `gorm:"type:text"`
	LatestAt  *time.Time `gorm:"type:timestamptz"`
	Count     int        `gorm:"not null"`
	CheckedAt time.Time  `gorm:"type:timestamptz"`
}

func (observationModel) TableName() string { return "observations" }

// GormStore keeps runs in Postgres. Writes go through gorm; listings use the
// pgx pool when one is given.
type GormStore struct {
	orm  *gorm.DB
	pool *pgxpool.Pool
}

func NewGormStore(orm *gorm.DB, pool *pgxpool.Pool) (*GormStore, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &GormStore{orm: orm, pool: pool}, nil
}

func (s *GormStore) Create(ctx context.Context, run *Run) error {
	m := fromRun(run)
	return s.orm.WithContext(ctx).Create(&m).Error
}

func (s *GormStore) Update(ctx context.Context, run *Run) error {
	m := fromRun(run)
	res := s.orm.WithContext(ctx).Save(&m)
	return res.Error
}

func (s *GormStore) Get(ctx context.Context, id uuid.UUID) (*Run, error) {
	var m runModel
	if err := s.orm.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, err
	}
	return m.toRun(), nil
}

func (s *GormStore) List(ctx context.Context, status string, limit int) ([]*Run, error) {
	if s.pool != nil {
		rows, err := db.ListRuns(ctx, s.pool, status, limit)
		if err != nil {
			return nil, err
		}
		runs := make([]*Run, 0, len(rows))
		for _, row := range rows {
			runs = append(runs, &Run{
				ID:         row.ID,
				Status:     row.Status,
				State:      row.State,
				Source:     row.Source,
				ExitCode:   row.ExitCode,
				ErrorKind:  row.ErrorKind,
				CreatedAt:  row.CreatedAt,
				FinishedAt: row.FinishedAt,
			})
		}
		return runs, nil
	}

	if limit <= 0 || limit > db.MaxListLimit {
		limit = db.MaxListLimit
	}
	q := s.orm.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var models []runModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	runs := make([]*Run, 0, len(models))
	for _, m := range models {
		runs = append(runs, m.toRun())
	}
	return runs, nil
}

func (s *GormStore) RecordObservation(ctx context.Context, status ObservationStatus) error {
	return s.orm.WithContext(ctx).Create(&observationModel{
		Sensor:    status.Sensor,
		Status:    status.Status,
		LatestAt:  status.LatestAt,
		Count:     status.Count,
		CheckedAt: status.CheckedAt,
	}).Error
}

// MemoryStore keeps runs in process. It backs services started without a
// database and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	runs         map[uuid.UUID]*Run
	observations map[string]ObservationStatus
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:         map[uuid.UUID]*Run{},
		observations: map[string]ObservationStatus{},
	}
}

func (s *MemoryStore) Create(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return cloneRun(run), nil
}

func (s *MemoryStore) List(_ context.Context, status string, limit int) ([]*Run, error) {
	if limit <= 0 || limit > db.MaxListLimit {
		limit = db.MaxListLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status != "" && run.Status != status {
			continue
		}
		runs = append(runs, cloneRun(run))
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *MemoryStore) RecordObservation(_ context.Context, status ObservationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observations[status.Sensor] = status
	return nil
}

// LastObservation returns the most recent status recorded for sensor.
func (s *MemoryStore) LastObservation(sensor string) (ObservationStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.observations[sensor]
	return st, ok
}

func cloneRun(r *Run) *Run {
	c := *r
	c.Entries = append([]string(nil), r.Entries...)
	return &c
}
