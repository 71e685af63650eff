package bundler

import (
	"context"
	"io"
	"time"
)

// BuildConfig configures bundle creation.
type BuildConfig struct {
	// SourceDir is a deployment directory; paths inside it become entry names.
	SourceDir string
	// Executable is the logical executable name recorded in the manifest and
	// used to tag per-platform binaries. Empty means the SWAT default.
	Executable string
	Output     string
	Signer     *Signer
	Now        func() time.Time
	Stdout     io.Writer
}

// Uploader stores a local file in object storage and returns its sha256.
type Uploader interface {
	PutFile(ctx context.Context, bucket, key, path string) (string, error)
}

// PublishConfig configures uploading a verified bundle.
type PublishConfig struct {
	BundlePath string
	Bucket     string
	Key        string
	Uploader   Uploader
	Signer     *Signer
	Stdout     io.Writer
}
