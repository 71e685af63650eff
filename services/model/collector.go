package model

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultOutputPattern selects the files SWAT writes its results to.
const DefaultOutputPattern = "output.*"

// Collect walks rootDir and returns every regular file whose base name matches
// the shell glob pattern, in lexical walk order. No match is not an error.
func Collect(rootDir, pattern string) ([]string, error) {
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("output pattern %q: %w", pattern, err)
	}
	fold := caseInsensitiveFS()

	var matches []string
	err := filepath.WalkDir(rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		ok, err := matchName(pattern, d.Name(), fold)
		if err != nil {
			return err
		}
		if ok {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: collect outputs under %s: %w", ErrIOFailure, rootDir, err)
	}
	return matches, nil
}

func matchName(pattern, name string, fold bool) (bool, error) {
	if fold {
		pattern = strings.ToLower(pattern)
		name = strings.ToLower(name)
	}
	return filepath.Match(pattern, name)
}

// caseInsensitiveFS reports whether the host's default file system folds case.
func caseInsensitiveFS() bool {
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}
