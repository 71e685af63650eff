package model

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/rs/zerolog"
)

type rejectingVerifier struct {
	calls int
}

func (v *rejectingVerifier) VerifyEntry(bundlePath, entryName, extractedPath string) error {
	v.calls++
	return errors.New("sha256 mismatch")
}

func TestLocatorDirectoryAndBundleAgree(t *testing.T) {
	deployDir := t.TempDir()
	name := "swat/swat_rel64_linux"
	content := "#!/bin/sh\necho swat\n"
	writeFile(t, filepath.Join(deployDir, filepath.FromSlash(name)), content)
	writeFile(t, filepath.Join(deployDir, "swat", "README"), "docs")
	bundle := zipDir(t, deployDir, filepath.Join(t.TempDir(), "deploy.zip"))

	locator := NewLocator(t.TempDir(), zerolog.Nop())
	ctx := context.Background()

	fromDir, err := locator.Resolve(ctx, Directory(deployDir), name)
	if err != nil {
		t.Fatalf("Resolve(directory) error = %v", err)
	}
	fromBundle, err := locator.Resolve(ctx, Bundle(bundle), name)
	if err != nil {
		t.Fatalf("Resolve(bundle) error = %v", err)
	}

	if fromBundle != filepath.Join(locator.ScratchRoot, "swat", "swat_rel64_linux") {
		t.Fatalf("bundle resolved to %s, want entry under scratch root", fromBundle)
	}

	a, _ := os.ReadFile(fromDir)
	b, _ := os.ReadFile(fromBundle)
	if !bytes.Equal(a, b) {
		t.Fatalf("directory and bundle executables differ: %q vs %q", a, b)
	}

	if runtime.GOOS != "windows" {
		for _, p := range []string{fromDir, fromBundle} {
			info, err := os.Stat(p)
			if err != nil {
				t.Fatalf("stat %s: %v", p, err)
			}
			if info.Mode().Perm()&0o111 == 0 {
				t.Fatalf("%s not marked executable: %v", p, info.Mode())
			}
		}
	}

	again, err := locator.Resolve(ctx, Bundle(bundle), name)
	if err != nil || again != fromBundle {
		t.Fatalf("second Resolve(bundle) = %s, %v; want %s", again, err, fromBundle)
	}
}

func TestLocatorFailures(t *testing.T) {
	deployDir := t.TempDir()
	writeFile(t, filepath.Join(deployDir, "swat", "swat_rel64_linux"), "bin")
	bundle := zipDir(t, deployDir, filepath.Join(t.TempDir(), "deploy.zip"))
	junk := writeFile(t, filepath.Join(t.TempDir(), "deploy.jar"), "not a zip")

	tests := []struct {
		name    string
		loc     DeploymentLocation
		entry   string
		wantErr error
	}{
		{"missing in directory", Directory(deployDir), "swat/swat_rel64_osx", ErrExecutableNotFound},
		{"directory instead of file", Directory(deployDir), "swat", ErrExecutableNotFound},
		{"missing in bundle", Bundle(bundle), "swat/swat_rel64_osx", ErrEntryNotFound},
		{"unreadable bundle", Bundle(junk), "swat/swat_rel64_linux", ErrArchiveUnreadable},
		{"unset location", DeploymentLocation{}, "swat/swat_rel64_linux", ErrExecutableNotFound},
	}

	locator := NewLocator(t.TempDir(), zerolog.Nop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := locator.Resolve(context.Background(), tt.loc, tt.entry)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Resolve() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLocatorRunsVerifierForBundles(t *testing.T) {
	deployDir := t.TempDir()
	writeFile(t, filepath.Join(deployDir, "swat", "swat_rel64_linux"), "bin")
	bundle := zipDir(t, deployDir, filepath.Join(t.TempDir(), "deploy.zip"))

	verifier := &rejectingVerifier{}
	locator := NewLocator(t.TempDir(), zerolog.Nop())
	locator.Verifier = verifier

	if _, err := locator.Resolve(context.Background(), Directory(deployDir), "swat/swat_rel64_linux"); err != nil {
		t.Fatalf("Resolve(directory) error = %v", err)
	}
	if verifier.calls != 0 {
		t.Fatalf("verifier called %d times for a directory deployment", verifier.calls)
	}

	_, err := locator.Resolve(context.Background(), Bundle(bundle), "swat/swat_rel64_linux")
	if !errors.Is(err, ErrArchiveUnreadable) {
		t.Fatalf("Resolve(bundle) error = %v, want ErrArchiveUnreadable", err)
	}
	if verifier.calls != 1 {
		t.Fatalf("verifier called %d times, want 1", verifier.calls)
	}
}

func TestResolveDeployment(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, filepath.Join(dir, "deploy.zip"), "x")

	loc, err := ResolveDeployment(dir)
	if err != nil || !loc.IsDirectory() {
		t.Fatalf("ResolveDeployment(dir) = %v, %v; want directory", loc, err)
	}
	loc, err = ResolveDeployment(file)
	if err != nil || !loc.IsBundle() {
		t.Fatalf("ResolveDeployment(file) = %v, %v; want bundle", loc, err)
	}
	if _, err := ResolveDeployment(filepath.Join(dir, "absent")); !errors.Is(err, ErrExecutableNotFound) {
		t.Fatalf("ResolveDeployment(absent) error = %v, want ErrExecutableNotFound", err)
	}
}
