package archive

import (
	"archive/tar"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	zw := zip.NewWriter(file)
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create entry %s: %v", name, err)
		}
		if _, err := w.Write([]byte(entries[name])); err != nil {
			t.Fatalf("write entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
}

func writeTarZstd(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create bundle: %v", err)
	}
	enc, err := zstd.NewWriter(file)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	tw := tar.NewWriter(enc)
	for name, content := range entries {
		hdr := &tar.Header{Name: name, Mode: 0o755, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("tar body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close zstd: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("close bundle: %v", err)
	}
}

func TestCompressExtractAllRoundTrip(t *testing.T) {
	src := t.TempDir()
	files := []string{
		writeFile(t, filepath.Join(src, "a", "output.rch"), "reach data"),
		writeFile(t, filepath.Join(src, "b", "c", "output.std"), "standard report"),
		writeFile(t, filepath.Join(src, "output.hru"), ""),
	}

	archivePath := filepath.Join(t.TempDir(), "result.zip")
	names, err := Compress(files, archivePath)
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	wantNames := []string{"output.rch", "output.std", "output.hru"}
	if !reflect.DeepEqual(names, wantNames) {
		t.Fatalf("Compress() names = %v, want %v", names, wantNames)
	}

	dest := t.TempDir()
	written, err := ExtractAll(archivePath, dest)
	if err != nil {
		t.Fatalf("ExtractAll() error = %v", err)
	}
	if len(written) != len(files) {
		t.Fatalf("ExtractAll() wrote %d files, want %d", len(written), len(files))
	}

	for _, original := range files {
		want, _ := os.ReadFile(original)
		got, err := os.ReadFile(filepath.Join(dest, filepath.Base(original)))
		if err != nil {
			t.Fatalf("read extracted %s: %v", filepath.Base(original), err)
		}
		if string(got) != string(want) {
			t.Fatalf("content of %s = %q, want %q", filepath.Base(original), got, want)
		}
	}
}

func TestCompressDisambiguatesCollisions(t *testing.T) {
	src := t.TempDir()
	files := []string{
		writeFile(t, filepath.Join(src, "one", "output.txt"), "first"),
		writeFile(t, filepath.Join(src, "two", "output.txt"), "second"),
		writeFile(t, filepath.Join(src, "three", "output.txt"), "third"),
	}

	archivePath := filepath.Join(t.TempDir(), "result.zip")
	names, err := Compress(files, archivePath)
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	want := []string{"output.txt", "output-1.txt", "output-2.txt"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("Compress() names = %v, want %v", names, want)
	}

	listed, err := Entries(archivePath)
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if !reflect.DeepEqual(listed, want) {
		t.Fatalf("Entries() = %v, want %v", listed, want)
	}

	data, err := ReadEntry(archivePath, "output-1.txt", 1024)
	if err != nil {
		t.Fatalf("ReadEntry() error = %v", err)
	}
	if string(data) != "second" {
		t.Fatalf("ReadEntry() = %q, want %q", data, "second")
	}
}

func TestCompressEmptyFileSet(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "empty.zip")
	names, err := Compress(nil, archivePath)
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("Compress() names = %v, want none", names)
	}
	listed, err := Entries(archivePath)
	if err != nil {
		t.Fatalf("Entries() on empty archive error = %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("Entries() = %v, want none", listed)
	}
}

func TestCompressMissingInputRemovesPartialArchive(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "result.zip")
	_, err := Compress([]string{filepath.Join(t.TempDir(), "missing.txt")}, archivePath)
	if !errors.Is(err, ErrIOFailure) {
		t.Fatalf("Compress() error = %v, want ErrIOFailure", err)
	}
	if _, statErr := os.Stat(archivePath); !os.IsNotExist(statErr) {
		t.Fatalf("partial archive left behind: %v", statErr)
	}
}

func TestExtractEntry(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "deploy.zip")
	writeZip(t, zipPath, map[string]string{
		"swat/swat_rel64_linux": "#!/bin/sh\necho linux\n",
		"swat/readme.txt":       "docs",
	})
	bundlePath := filepath.Join(dir, "deploy.tar.zst")
	writeTarZstd(t, bundlePath, map[string]string{
		"swat/swat_rel64_linux": "#!/bin/sh\necho linux\n",
	})

	tests := []struct {
		name    string
		archive string
		entry   string
		wantErr error
	}{
		{name: "zip entry", archive: zipPath, entry: "swat/swat_rel64_linux"},
		{name: "tar.zst entry", archive: bundlePath, entry: "swat/swat_rel64_linux"},
		{name: "missing entry", archive: zipPath, entry: "swat/swat_rel64_osx", wantErr: ErrEntryNotFound},
		{name: "name must match exactly", archive: zipPath, entry: "swat_rel64_linux", wantErr: ErrEntryNotFound},
		{name: "unreadable archive", archive: writeFile(t, filepath.Join(dir, "junk.zip"), "not an archive"), entry: "x", wantErr: ErrArchiveUnreadable},
		{name: "missing archive", archive: filepath.Join(dir, "absent.zip"), entry: "x", wantErr: ErrArchiveUnreadable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest := filepath.Join(t.TempDir(), "nested", "bin", "model")
			err := ExtractEntry(tt.archive, tt.entry, dest)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ExtractEntry() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ExtractEntry() error = %v", err)
			}
			data, err := os.ReadFile(dest)
			if err != nil {
				t.Fatalf("read extracted: %v", err)
			}
			if string(data) != "#!/bin/sh\necho linux\n" {
				t.Fatalf("extracted content = %q", data)
			}
		})
	}
}

func TestExtractAllConfinesEntries(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "input.zip")
	writeZip(t, zipPath, map[string]string{
		"../../evil.txt": "x",
	})

	dest := filepath.Join(dir, "out")
	if _, err := ExtractAll(zipPath, dest); err != nil && !errors.Is(err, ErrArchiveUnreadable) {
		t.Fatalf("ExtractAll() error = %v, want nil or ErrArchiveUnreadable", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "evil.txt")); !os.IsNotExist(err) {
		t.Fatalf("entry escaped destination: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), "evil.txt")); !os.IsNotExist(err) {
		t.Fatalf("entry escaped destination: %v", err)
	}
}

func TestExtractAllPreservesRelativePaths(t *testing.T) {
	tests := []struct {
		name    string
		entries map[string]string
		want    []string
	}{
		{
			name: "nested",
			entries: map[string]string{
				"file.cio":               "config",
				"TxtInOut/000010001.sub": "subbasin",
			},
			want: []string{filepath.Join("TxtInOut", "000010001.sub"), "file.cio"},
		},
		{
			name: "root directory entry",
			entries: map[string]string{
				"./":         "",
				"./file.cio": "config",
			},
			want: []string{"file.cio"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			zipPath := filepath.Join(dir, "input.zip")
			writeZip(t, zipPath, tt.entries)

			dest := filepath.Join(dir, "swatmodel")
			written, err := ExtractAll(zipPath, dest)
			if err != nil {
				t.Fatalf("ExtractAll() error = %v", err)
			}
			sort.Strings(written)
			want := make([]string, 0, len(tt.want))
			for _, rel := range tt.want {
				want = append(want, filepath.Join(dest, rel))
			}
			if !reflect.DeepEqual(written, want) {
				t.Fatalf("ExtractAll() = %v, want %v", written, want)
			}
		})
	}
}

func TestExtractAllRejectsRootFile(t *testing.T) {
	dir := t.TempDir()
	bundle := filepath.Join(dir, "root.tar.zst")
	writeTarZstd(t, bundle, map[string]string{".": "not a directory"})

	if _, err := ExtractAll(bundle, filepath.Join(dir, "out")); !errors.Is(err, ErrArchiveUnreadable) {
		t.Fatalf("ExtractAll() error = %v, want ErrArchiveUnreadable", err)
	}
}

func TestDetectFormat(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "a.zip")
	writeZip(t, zipPath, map[string]string{"x": "y"})
	bundlePath := filepath.Join(dir, "a.tar.zst")
	writeTarZstd(t, bundlePath, map[string]string{"x": "y"})

	tests := []struct {
		path string
		want Format
	}{
		{zipPath, FormatZip},
		{bundlePath, FormatTarZstd},
	}
	for _, tt := range tests {
		got, err := DetectFormat(tt.path)
		if err != nil {
			t.Fatalf("DetectFormat(%s) error = %v", tt.path, err)
		}
		if got != tt.want {
			t.Fatalf("DetectFormat(%s) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
