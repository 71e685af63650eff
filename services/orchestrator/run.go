package orchestrator

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"

	SourceAPI    = "api"
	SourceWorker = "worker"
)

// Run is one model execution as stored and served by the API.
type Run struct {
	ID           uuid.UUID  `json:"id"`
	Status       string     `json:"status"`
	State        string     `json:"state"`
	Source       string     `json:"source"`
	InputName    string     `json:"input_name,omitempty"`
	ExitCode     int        `json:"exit_code"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	Error        string     `json:"error,omitempty"`
	Transcript   string     `json:"transcript,omitempty"`
	Executable   string     `json:"executable,omitempty"`
	InputSkipped bool       `json:"input_skipped"`
	Entries      []string   `json:"entries,omitempty"`
	ResultPath   string     `json:"-"`
	ResultKey    string     `json:"result_key,omitempty"`
	ResultSHA256 string     `json:"result_sha256,omitempty"`
	DurationMS   int64      `json:"duration_ms"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// NewRun returns a queued run with a fresh id.
func NewRun(source, inputName string) *Run {
	return &Run{
		ID:        uuid.New(),
		Status:    StatusQueued,
		State:     "init",
		Source:    source,
		InputName: inputName,
		ExitCode:  -1,
		CreatedAt: time.Now().UTC(),
	}
}

// Terminal reports whether the run has finished either way.
func (r *Run) Terminal() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}

type runModel struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Status     string            `gorm:"type:text"`
	State      string            `gorm:"type:text"`
	Source     string            `gorm:"type:text"`
	InputName  string            `gorm:"type:text"`
	ExitCode   int               `gorm:"not null"`
	ErrorKind  string            `gorm:"type:text"`
	Error      string            `gorm:"type:text"`
	Transcript string            `gorm:"type:text"`
	ResultPath string            `gorm:"type:text"`
	ResultKey  string            `gorm:"type:text"`
	ResultSHA  string            `gorm:"column:result_sha256;type:text"`
	Meta       datatypes.JSONMap `gorm:"type:jsonb"`
	DurationMS int64             `gorm:"column:duration_ms"`
	CreatedAt  time.Time         `gorm:"type:timestamptz"`
	StartedAt  *time.Time        `gorm:"type:timestamptz"`
	FinishedAt *time.Time        `gorm:"type:timestamptz"`
}

func (runModel) TableName() string { return "runs" }

func fromRun(r *Run) runModel {
	entries := make([]any, 0, len(r.Entries))
	for _, e := range r.Entries {
		entries = append(entries, e)
	}
	return runModel{
		ID:         r.ID,
		Status:     r.Status,
		State:      r.State,
		Source:     r.Source,
		InputName:  r.InputName,
		ExitCode:   r.ExitCode,
		ErrorKind:  r.ErrorKind,
		Error:      r.Error,
		Transcript: r.Transcript,
		ResultPath: r.ResultPath,
		ResultKey:  r.ResultKey,
		ResultSHA:  r.ResultSHA256,
		Meta: datatypes.JSONMap{
			"executable":    r.Executable,
			"input_skipped": r.InputSkipped,
			"entries":       entries,
		},
		DurationMS: r.DurationMS,
		CreatedAt:  r.CreatedAt,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

func (m runModel) toRun() *Run {
	r := &Run{
		ID:           m.ID,
		Status:       m.Status,
		State:        m.State,
		Source:       m.Source,
		InputName:    m.InputName,
		ExitCode:     m.ExitCode,
		ErrorKind:    m.ErrorKind,
		Error:        m.Error,
		Transcript:   m.Transcript,
		ResultPath:   m.ResultPath,
		ResultKey:    m.ResultKey,
		ResultSHA256: m.ResultSHA,
		DurationMS:   m.DurationMS,
		CreatedAt:    m.CreatedAt,
		StartedAt:    m.StartedAt,
		FinishedAt:   m.FinishedAt,
	}
	if exe, ok := m.Meta["executable"].(string); ok {
		r.Executable = exe
	}
	if skipped, ok := m.Meta["input_skipped"].(bool); ok {
		r.InputSkipped = skipped
	}
	if entries, ok := m.Meta["entries"].([]any); ok {
		for _, e := range entries {
			if s, ok := e.(string); ok {
				r.Entries = append(r.Entries, s)
			}
		}
	}
	return r
}
