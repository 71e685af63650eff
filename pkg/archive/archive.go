// Package archive reads and writes the compressed archives exchanged with the
// model pipeline: ZIP input and result archives, and tar.zst deployment bundles.
package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

var (
	// ErrArchiveUnreadable reports an archive that cannot be opened or parsed.
	ErrArchiveUnreadable = errors.New("archive unreadable")
	// ErrEntryNotFound reports a missing entry name.
	ErrEntryNotFound = errors.New("archive entry not found")
	// ErrIOFailure reports a read or write failure outside the archive container itself.
	ErrIOFailure = errors.New("archive io failure")
)

// Format identifies an archive container.
type Format int

const (
	FormatUnknown Format = iota
	FormatZip
	FormatTarZstd
)

func (f Format) String() string {
	switch f {
	case FormatZip:
		return "zip"
	case FormatTarZstd:
		return "tar.zst"
	default:
		return "unknown"
	}
}

var (
	zipMagic      = []byte("PK\x03\x04")
	zipEmptyMagic = []byte("PK\x05\x06")
	zstdMagic     = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// DetectFormat sniffs the container format from the leading bytes of the file.
func DetectFormat(archivePath string) (Format, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return FormatUnknown, fmt.Errorf("%w: open %s: %w", ErrArchiveUnreadable, archivePath, err)
	}
	defer file.Close()

	header := make([]byte, 4)
	if _, err := io.ReadFull(file, header); err != nil {
		return FormatUnknown, fmt.Errorf("%w: read header of %s: %w", ErrArchiveUnreadable, archivePath, err)
	}

	switch {
	case bytes.Equal(header, zipMagic), bytes.Equal(header, zipEmptyMagic):
		return FormatZip, nil
	case bytes.Equal(header, zstdMagic):
		return FormatTarZstd, nil
	default:
		return FormatUnknown, fmt.Errorf("%w: %s is neither zip nor tar.zst", ErrArchiveUnreadable, archivePath)
	}
}

// entry is one member of an archive as seen while walking it. open is only
// valid for the duration of the walk callback.
type entry struct {
	name string
	mode fs.FileMode
	dir  bool
	open func() (io.ReadCloser, error)
}

var errStopWalk = errors.New("stop walk")

// walk visits every entry of the archive in stored order.
func walk(archivePath string, fn func(entry) error) error {
	format, err := DetectFormat(archivePath)
	if err != nil {
		return err
	}

	switch format {
	case FormatZip:
		return walkZip(archivePath, fn)
	case FormatTarZstd:
		return walkTarZstd(archivePath, fn)
	default:
		return fmt.Errorf("%w: unsupported format %s", ErrArchiveUnreadable, format)
	}
}

func walkZip(archivePath string, fn func(entry) error) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("%w: open zip %s: %w", ErrArchiveUnreadable, archivePath, err)
	}
	defer reader.Close()

	for _, f := range reader.File {
		f := f
		err := fn(entry{
			name: f.Name,
			mode: f.Mode(),
			dir:  f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/"),
			open: func() (io.ReadCloser, error) {
				rc, err := f.Open()
				if err != nil {
					return nil, fmt.Errorf("%w: open entry %q: %w", ErrArchiveUnreadable, f.Name, err)
				}
				return rc, nil
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func walkTarZstd(archivePath string, fn func(entry) error) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrArchiveUnreadable, archivePath, err)
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return fmt.Errorf("%w: zstd reader: %w", ErrArchiveUnreadable, err)
	}
	defer decoder.Close()

	tr := tar.NewReader(decoder)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: read tar entry: %w", ErrArchiveUnreadable, err)
		}

		switch header.Typeflag {
		case tar.TypeDir, tar.TypeReg:
		default:
			continue
		}

		err = fn(entry{
			name: header.Name,
			mode: header.FileInfo().Mode(),
			dir:  header.Typeflag == tar.TypeDir,
			open: func() (io.ReadCloser, error) {
				return io.NopCloser(tr), nil
			},
		})
		if err != nil {
			return err
		}
	}
}

// Entries lists the names of every file entry in the archive.
func Entries(archivePath string) ([]string, error) {
	var names []string
	err := walk(archivePath, func(e entry) error {
		if !e.dir {
			names = append(names, e.name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// ReadEntry returns the contents of a single entry, reading at most limit bytes.
func ReadEntry(archivePath, entryName string, limit int64) ([]byte, error) {
	var data []byte
	found := false
	err := walk(archivePath, func(e entry) error {
		if e.dir || e.name != entryName {
			return nil
		}
		rc, err := e.open()
		if err != nil {
			return err
		}
		defer rc.Close()

		data, err = io.ReadAll(io.LimitReader(rc, limit))
		if err != nil {
			return fmt.Errorf("%w: read entry %q: %w", ErrArchiveUnreadable, entryName, err)
		}
		found = true
		return errStopWalk
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %q in %s", ErrEntryNotFound, entryName, archivePath)
	}
	return data, nil
}

// ExtractEntry writes the entry whose name matches entryName exactly to destPath,
// creating parent directories as needed. The file is written under a temporary
// name in the destination directory and renamed into place once complete.
func ExtractEntry(archivePath, entryName, destPath string) error {
	found := false
	err := walk(archivePath, func(e entry) error {
		if e.dir || e.name != entryName {
			return nil
		}
		if err := writeEntry(e, destPath); err != nil {
			return err
		}
		found = true
		return errStopWalk
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %q in %s", ErrEntryNotFound, entryName, archivePath)
	}
	return nil
}

// ExtractAll extracts every entry under destDir preserving relative paths and
// returns the paths of the files written. On failure destDir may hold a partial
// extraction and must not be trusted.
func ExtractAll(archivePath, destDir string) ([]string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrIOFailure, destDir, err)
	}

	var written []string
	err := walk(archivePath, func(e entry) error {
		if e.dir && path.Clean("/"+filepath.ToSlash(e.name)) == "/" {
			return nil
		}
		target, err := safeJoin(destDir, e.name)
		if err != nil {
			return err
		}
		if e.dir {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("%w: mkdir %s: %w", ErrIOFailure, target, err)
			}
			return nil
		}
		if err := writeEntry(e, target); err != nil {
			return err
		}
		written = append(written, target)
		return nil
	})
	if err != nil {
		return written, err
	}
	return written, nil
}

func writeEntry(e entry, destPath string) error {
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %w", ErrIOFailure, dir, err)
	}

	rc, err := e.open()
	if err != nil {
		return err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(destPath)+".*.part")
	if err != nil {
		return fmt.Errorf("%w: create temp file in %s: %w", ErrIOFailure, dir, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		if errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrFormat) {
			return fmt.Errorf("%w: read entry %q: %w", ErrArchiveUnreadable, e.name, err)
		}
		return fmt.Errorf("%w: write %s: %w", ErrIOFailure, destPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close %s: %w", ErrIOFailure, destPath, err)
	}

	perm := e.mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: chmod %s: %w", ErrIOFailure, destPath, err)
	}
	if err := os.Rename(tmpName, destPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename into %s: %w", ErrIOFailure, destPath, err)
	}
	return nil
}

// safeJoin resolves an entry name under root, rejecting names that escape it.
func safeJoin(root, name string) (string, error) {
	cleaned := path.Clean("/" + filepath.ToSlash(name))
	if cleaned == "/" {
		return "", fmt.Errorf("%w: invalid entry name %q", ErrArchiveUnreadable, name)
	}
	target := filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(cleaned, "/")))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: entry %q escapes destination", ErrArchiveUnreadable, name)
	}
	return target, nil
}
