package model

import (
	"fmt"
	"os"
	"path/filepath"
)

type locationKind int

const (
	kindDirectory locationKind = iota + 1
	kindBundle
)

// DeploymentLocation is where the model executables live: either an exploded
// directory or a compressed bundle (zip or tar.zst).
type DeploymentLocation struct {
	kind locationKind
	path string
}

// Directory returns a location for an exploded deployment directory.
func Directory(path string) DeploymentLocation {
	return DeploymentLocation{kind: kindDirectory, path: path}
}

// Bundle returns a location for a compressed deployment bundle.
func Bundle(path string) DeploymentLocation {
	return DeploymentLocation{kind: kindBundle, path: path}
}

// ResolveDeployment inspects path once and returns the matching location.
func ResolveDeployment(path string) (DeploymentLocation, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return DeploymentLocation{}, fmt.Errorf("%w: resolve deployment %q: %w", ErrExecutableNotFound, path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return DeploymentLocation{}, fmt.Errorf("%w: stat deployment %q: %w", ErrExecutableNotFound, abs, err)
	}
	if info.IsDir() {
		return Directory(abs), nil
	}
	return Bundle(abs), nil
}

func (l DeploymentLocation) Path() string { return l.path }

func (l DeploymentLocation) IsDirectory() bool { return l.kind == kindDirectory }

func (l DeploymentLocation) IsBundle() bool { return l.kind == kindBundle }

func (l DeploymentLocation) String() string {
	switch l.kind {
	case kindDirectory:
		return "directory:" + l.path
	case kindBundle:
		return "bundle:" + l.path
	default:
		return "unset"
	}
}
