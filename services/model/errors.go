package model

import (
	"errors"
	"fmt"

	"swatwps/pkg/archive"
)

var (
	ErrDirectoryCreation    = errors.New("directory creation failed")
	ErrExecutableNotFound   = errors.New("executable not found")
	ErrLaunchFailure        = errors.New("process launch failed")
	ErrProcessInterrupted   = errors.New("process interrupted")
	ErrModelExecutionFailed = errors.New("model execution failed")
	ErrEmptyOutput          = errors.New("no output files matched")

	ErrArchiveUnreadable = archive.ErrArchiveUnreadable
	ErrEntryNotFound     = archive.ErrEntryNotFound
	ErrIOFailure         = archive.ErrIOFailure
)

// RunError is the single failure surfaced by Pipeline.Execute. It records the
// last state the run reached before failing and whatever transcript had been
// captured by then.
type RunError struct {
	State      State
	Kind       error
	ExitCode   int
	Transcript string
	Err        error
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("pipeline failed after %s", e.State)
	switch {
	case e.Err != nil:
		msg += ": " + e.Err.Error()
	case e.Kind != nil:
		msg += ": " + e.Kind.Error()
	}
	return msg
}

func (e *RunError) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil && e.Err != e.Kind {
		errs = append(errs, e.Err)
	}
	return errs
}

// kindOf picks the error kind for err, falling back to def when err carries none.
func kindOf(err, def error) error {
	for _, kind := range []error{
		ErrDirectoryCreation,
		ErrExecutableNotFound,
		ErrLaunchFailure,
		ErrProcessInterrupted,
		ErrModelExecutionFailed,
		ErrEmptyOutput,
		ErrArchiveUnreadable,
		ErrEntryNotFound,
		ErrIOFailure,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return def
}

var kindCodes = map[error]string{
	ErrDirectoryCreation:    "directory_creation",
	ErrExecutableNotFound:   "executable_not_found",
	ErrLaunchFailure:        "launch_failure",
	ErrProcessInterrupted:   "process_interrupted",
	ErrModelExecutionFailed: "model_execution_failed",
	ErrEmptyOutput:          "empty_output",
	ErrArchiveUnreadable:    "archive_unreadable",
	ErrEntryNotFound:        "entry_not_found",
	ErrIOFailure:            "io_failure",
}

// Code is a stable snake_case name for the failure kind.
func (e *RunError) Code() string {
	if code, ok := kindCodes[e.Kind]; ok {
		return code
	}
	return "unknown"
}
