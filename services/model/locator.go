package model

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"swatwps/pkg/archive"
)

// EntryVerifier checks an executable extracted from a deployment bundle before
// it is run. services/bundler provides the implementation for signed bundles.
type EntryVerifier interface {
	VerifyEntry(bundlePath, entryName, extractedPath string) error
}

// Locator resolves a logical executable name against a deployment location.
type Locator struct {
	// ScratchRoot receives executables extracted from bundles, at
	// ScratchRoot/<entry name>. Repeated resolutions overwrite the same path.
	ScratchRoot string
	Family      Family
	Verifier    EntryVerifier
	Logger      zerolog.Logger
}

// NewLocator returns a Locator extracting into scratchRoot for the host family.
func NewLocator(scratchRoot string, logger zerolog.Logger) *Locator {
	return &Locator{
		ScratchRoot: scratchRoot,
		Family:      CurrentFamily(),
		Logger:      logger,
	}
}

// PlatformName maps logical onto the file name shipped for the locator's
// family, warning when the family is unknown.
func (l *Locator) PlatformName(logical string) string {
	family := l.Family
	if family == "" {
		family = CurrentFamily()
	}
	name, ok := ExecutableName(logical, family)
	if !ok {
		l.Logger.Warn().Str("family", string(family)).Str("executable", name).
			Msg("could not determine OS family, trying generic executable name")
	}
	return name
}

// Resolve returns a path to an executable file for relName. Directory
// deployments resolve in place; bundle deployments extract the entry to the
// scratch root first.
func (l *Locator) Resolve(ctx context.Context, loc DeploymentLocation, relName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var resolved string
	switch {
	case loc.IsDirectory():
		resolved = filepath.Join(loc.Path(), filepath.FromSlash(relName))
		info, err := os.Stat(resolved)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrExecutableNotFound, resolved, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%w: %s is a directory", ErrExecutableNotFound, resolved)
		}
	case loc.IsBundle():
		if l.ScratchRoot == "" {
			return "", errors.New("locator scratch root is required for bundle deployments")
		}
		resolved = filepath.Join(l.ScratchRoot, filepath.FromSlash(relName))
		l.Logger.Debug().Str("bundle", loc.Path()).Str("entry", relName).Str("dest", resolved).
			Msg("extracting executable from bundle")
		if err := archive.ExtractEntry(loc.Path(), relName, resolved); err != nil {
			return "", err
		}
		if l.Verifier != nil {
			if err := l.Verifier.VerifyEntry(loc.Path(), relName, resolved); err != nil {
				return "", fmt.Errorf("%w: verify %s: %w", ErrArchiveUnreadable, relName, err)
			}
		}
	default:
		return "", fmt.Errorf("%w: deployment location unset", ErrExecutableNotFound)
	}

	if err := markExecutable(resolved); err != nil {
		return "", err
	}
	return resolved, nil
}
