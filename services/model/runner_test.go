package model

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunnerCapturesTranscriptInOrder(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	exe := writeScript(t, filepath.Join(dir, "bin", "model"), `
i=1
while [ $i -le 50 ]; do
  echo "line $i"
  i=$((i+1))
done
exit 0
`)

	var mirror bytes.Buffer
	runner := &Runner{Logger: zerolog.Nop(), Output: &mirror}
	result, err := runner.Run(context.Background(), exe, dir)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.ExitCode != 0 || !result.Completed {
		t.Fatalf("Run() exit = %d completed = %v, want 0 true", result.ExitCode, result.Completed)
	}

	want := make([]string, 0, 50)
	for i := 1; i <= 50; i++ {
		want = append(want, "line "+strconv.Itoa(i))
	}
	if !reflect.DeepEqual(result.Lines, want) {
		t.Fatalf("Run() lines = %v, want %v", result.Lines, want)
	}
	if result.Transcript() != strings.Join(want, "\n") {
		t.Fatalf("Transcript() = %q", result.Transcript())
	}
	if mirror.String() != result.Transcript()+"\n" {
		t.Fatalf("mirrored output = %q, want transcript", mirror.String())
	}
}

func TestRunnerMergesStderrAndUsesWorkDir(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	work := filepath.Join(dir, "work")
	writeFile(t, filepath.Join(work, "file.cio"), "cio")
	exe := writeScript(t, filepath.Join(dir, "model"), `
echo out
echo err 1>&2
cat file.cio
echo
printf tail
`)

	result, err := (&Runner{Logger: zerolog.Nop()}).Run(context.Background(), exe, work)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []string{"out", "err", "cio", "tail"}
	if !reflect.DeepEqual(result.Lines, want) {
		t.Fatalf("Run() lines = %q, want %q", result.Lines, want)
	}
}

func TestRunnerReportsNonZeroExit(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	exe := writeScript(t, filepath.Join(dir, "model"), "echo failing\nexit 3\n")

	result, err := (&Runner{Logger: zerolog.Nop()}).Run(context.Background(), exe, dir)
	if err != nil {
		t.Fatalf("Run() error = %v, want nil for non-zero exit", err)
	}
	if result.ExitCode != 3 {
		t.Fatalf("Run() exit = %d, want 3", result.ExitCode)
	}
	if result.Transcript() != "failing" {
		t.Fatalf("Transcript() = %q", result.Transcript())
	}
}

func TestRunnerLaunchFailure(t *testing.T) {
	dir := t.TempDir()
	_, err := (&Runner{Logger: zerolog.Nop()}).Run(context.Background(), filepath.Join(dir, "missing"), dir)
	if !errors.Is(err, ErrLaunchFailure) {
		t.Fatalf("Run() error = %v, want ErrLaunchFailure", err)
	}

	requireShell(t)
	notExec := writeFile(t, filepath.Join(dir, "plain"), "echo hi\n")
	_, err = (&Runner{Logger: zerolog.Nop()}).Run(context.Background(), notExec, dir)
	if !errors.Is(err, ErrLaunchFailure) {
		t.Fatalf("Run(non-executable) error = %v, want ErrLaunchFailure", err)
	}
}

func TestRunnerCancellationInterrupts(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	exe := writeScript(t, filepath.Join(dir, "model"), "echo started\nsleep 30\necho never\n")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	result, err := (&Runner{Logger: zerolog.Nop()}).Run(ctx, exe, dir)
	if !errors.Is(err, ErrProcessInterrupted) {
		t.Fatalf("Run() error = %v, want ErrProcessInterrupted", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("Run() took %s after cancellation", elapsed)
	}
	if result == nil || result.Completed {
		t.Fatalf("Run() result = %+v, want an incomplete result", result)
	}
	if !reflect.DeepEqual(result.Lines, []string{"started"}) {
		t.Fatalf("Run() lines = %q, want partial transcript", result.Lines)
	}
}
