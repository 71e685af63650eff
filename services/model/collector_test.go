package model

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

func TestCollectMatchesNestedOutputs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "output.txt"), "a")
	writeFile(t, filepath.Join(root, "reach", "sub", "output.csv"), "b")
	writeFile(t, filepath.Join(root, "reach", "sub", "notes.txt"), "c")
	writeFile(t, filepath.Join(root, "reach", "output.d"), "")
	writeFile(t, filepath.Join(root, "outputs.txt"), "d")

	tests := []struct {
		pattern string
		want    []string
	}{
		{"output.*", []string{
			filepath.Join(root, "output.txt"),
			filepath.Join(root, "reach", "output.d"),
			filepath.Join(root, "reach", "sub", "output.csv"),
		}},
		{"*.txt", []string{
			filepath.Join(root, "output.txt"),
			filepath.Join(root, "outputs.txt"),
			filepath.Join(root, "reach", "sub", "notes.txt"),
		}},
		{"*.hru", nil},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			got, err := Collect(root, tt.pattern)
			if err != nil {
				t.Fatalf("Collect() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Collect() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCollectErrors(t *testing.T) {
	if _, err := Collect(t.TempDir(), "output.["); err == nil {
		t.Fatal("Collect() accepted a malformed pattern")
	}
	_, err := Collect(filepath.Join(t.TempDir(), "absent"), DefaultOutputPattern)
	if !errors.Is(err, ErrIOFailure) {
		t.Fatalf("Collect(absent) error = %v, want ErrIOFailure", err)
	}
}
