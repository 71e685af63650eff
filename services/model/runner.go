package model

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Result is the record of one finished child process.
type Result struct {
	ExitCode int
	Lines    []string
	// Completed is true when the process exited on its own rather than being
	// terminated by a signal.
	Completed bool
	Started   time.Time
	Duration  time.Duration
}

// Transcript joins the captured lines with newlines.
func (r *Result) Transcript() string {
	if r == nil {
		return ""
	}
	return strings.Join(r.Lines, "\n")
}

// Runner launches executables and captures their combined stdout/stderr.
// It reports exit codes without judging them.
type Runner struct {
	Logger zerolog.Logger
	// Output, when set, receives every transcript line as it is read.
	Output io.Writer
	// Env is appended to the parent environment.
	Env []string
}

// Run starts executable with workDir as its current directory and blocks until
// its output reaches end of stream and the process has exited. Cancelling ctx
// kills the process group; the run then fails with ErrProcessInterrupted.
func (r *Runner) Run(ctx context.Context, executable, workDir string, args ...string) (*Result, error) {
	cmd := exec.Command(executable, args...)
	cmd.Dir = workDir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	startInOwnGroup(cmd)

	// One pipe for both streams keeps the interleaving the child produced.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: create output pipe: %w", ErrLaunchFailure, err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	result := &Result{ExitCode: -1, Started: time.Now()}
	if err := ctx.Err(); err != nil {
		pr.Close()
		pw.Close()
		return result, fmt.Errorf("%w: %s: %w", ErrProcessInterrupted, executable, err)
	}

	r.Logger.Info().Str("executable", executable).Str("dir", workDir).Strs("args", args).
		Msg("starting model process")

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return result, fmt.Errorf("%w: start %s: %w", ErrLaunchFailure, executable, err)
	}
	pw.Close()

	done := make(chan struct{})
	var interrupted atomic.Bool
	go func() {
		select {
		case <-ctx.Done():
			interrupted.Store(true)
			if err := killProcessTree(cmd); err != nil {
				r.Logger.Warn().Err(err).Int("pid", cmd.Process.Pid).Msg("kill model process")
			}
		case <-done:
		}
	}()

	readErr := r.drain(pr, filepath.Base(executable), result)
	if readErr != nil {
		// Nobody is reading any more; stop the child before it blocks on a full pipe.
		_ = killProcessTree(cmd)
	}
	pr.Close()

	waitErr := cmd.Wait()
	close(done)
	result.Duration = time.Since(result.Started)

	if state := cmd.ProcessState; state != nil {
		result.ExitCode = state.ExitCode()
		result.Completed = state.Exited()
	}

	r.Logger.Info().Str("executable", executable).Int("exit_code", result.ExitCode).
		Int("lines", len(result.Lines)).Dur("duration", result.Duration).Msg("model process finished")

	switch {
	case interrupted.Load() && waitErr != nil:
		return result, fmt.Errorf("%w: %s: %w", ErrProcessInterrupted, executable, context.Cause(ctx))
	case readErr != nil:
		return result, fmt.Errorf("%w: read output of %s: %w", ErrIOFailure, executable, readErr)
	case waitErr != nil:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return result, nil
		}
		return result, fmt.Errorf("%w: wait for %s: %w", ErrProcessInterrupted, executable, waitErr)
	}
	return result, nil
}

func (r *Runner) drain(src io.Reader, name string, result *Result) error {
	reader := bufio.NewReaderSize(src, 64*1024)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimRight(line, "\r\n")
			result.Lines = append(result.Lines, line)
			r.Logger.Info().Str("executable", name).Msg(line)
			if r.Output != nil {
				fmt.Fprintln(r.Output, line)
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
