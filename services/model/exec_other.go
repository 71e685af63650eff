//go:build !unix

package model

import (
	"fmt"
	"os"
	"os/exec"
)

// markExecutable only checks the file exists; there is no execute bit to set here.
func markExecutable(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: stat %s: %w", ErrExecutableNotFound, path, err)
	}
	return nil
}

func startInOwnGroup(*exec.Cmd) {}

func killProcessTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
