package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Compress writes a ZIP archive at destArchivePath holding each file as a
// top-level entry named by its base name. A repeated base name is disambiguated
// by inserting "-<n>" before the extension. It returns the entry names in the
// order of filePaths. A failed write removes the partial archive.
func Compress(filePaths []string, destArchivePath string) (names []string, err error) {
	if dir := filepath.Dir(destArchivePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create output dir: %w", ErrIOFailure, err)
		}
	}

	file, err := os.Create(destArchivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrIOFailure, destArchivePath, err)
	}
	defer func() {
		if err != nil {
			file.Close()
			os.Remove(destArchivePath)
		}
	}()

	zw := zip.NewWriter(file)
	used := make(map[string]struct{}, len(filePaths))
	names = make([]string, 0, len(filePaths))

	for _, p := range filePaths {
		name := uniqueName(filepath.Base(p), used)
		if err := addFile(zw, p, name); err != nil {
			zw.Close()
			return nil, err
		}
		names = append(names, name)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: finish zip: %w", ErrIOFailure, err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("%w: close %s: %w", ErrIOFailure, destArchivePath, err)
	}
	return names, nil
}

func addFile(zw *zip.Writer, filePath, name string) error {
	src, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrIOFailure, filePath, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %s: %w", ErrIOFailure, filePath, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrIOFailure, filePath)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("%w: header for %s: %w", ErrIOFailure, filePath, err)
	}
	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("%w: write header for %s: %w", ErrIOFailure, name, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("%w: copy %s: %w", ErrIOFailure, filePath, err)
	}
	return nil
}

func uniqueName(base string, used map[string]struct{}) string {
	if _, taken := used[base]; !taken {
		used[base] = struct{}{}
		return base
	}

	stem, ext := splitExt(base)
	for i := 1; ; i++ {
		candidate := stem + "-" + strconv.Itoa(i) + ext
		if _, taken := used[candidate]; !taken {
			used[candidate] = struct{}{}
			return candidate
		}
	}
}

// splitExt splits on the first dot so "output.rch.txt" keeps its compound extension.
func splitExt(name string) (string, string) {
	idx := strings.Index(name, ".")
	if idx <= 0 {
		return name, ""
	}
	return name[:idx], name[idx:]
}

