package bundler

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"swatwps/pkg/archive"
	"swatwps/services/model"
)

const maxManifestBytes = 4 << 20

// Build packages a deployment directory into a signed tar.zst bundle. Entries
// keep their paths relative to SourceDir so a locator resolves the same
// executable name against the directory or the bundle.
func Build(ctx context.Context, cfg BuildConfig) (*Manifest, error) {
	if cfg.SourceDir == "" {
		return nil, errors.New("source directory is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Executable == "" {
		cfg.Executable = model.DefaultExecutable
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(cfg.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("stat source dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source dir %q is not a directory", cfg.SourceDir)
	}

	entries, err := collectArtifacts(ctx, cfg.SourceDir, cfg.Executable)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.New("no files found to bundle")
	}
	if !hasExecutable(entries) {
		return nil, fmt.Errorf("no platform build of %s found under %s", cfg.Executable, cfg.SourceDir)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})

	manifest := &Manifest{
		Version:          manifestVersion,
		CreatedAt:        cfg.Now().UTC().Truncate(time.Second),
		Executable:       cfg.Executable,
		Signer:           cfg.Signer.Recipient(),
		SigningPublicKey: cfg.Signer.PublicKeyBase64(),
		Artifacts:        entries,
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	sig, err := cfg.Signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	manifest.Signature = sig

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeBundle(cfg.Output, manifestBytes, cfg.SourceDir, entries, manifest.CreatedAt); err != nil {
		os.Remove(cfg.Output)
		return nil, err
	}

	fmt.Fprintf(cfg.Stdout, "wrote bundle %s (%d files)\n", cfg.Output, len(entries))
	return manifest, nil
}

func collectArtifacts(ctx context.Context, root, executable string) ([]ManifestArtifact, error) {
	platforms := map[string]model.Family{}
	for _, f := range []model.Family{model.FamilyWindows, model.FamilyMacOS, model.FamilyLinux} {
		if name, ok := model.ExecutableName(executable, f); ok {
			platforms[name] = f
		}
	}

	var artifacts []ManifestArtifact
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", path, err)
		}
		rel = filepath.ToSlash(rel)
		if rel == manifestFileName {
			return fmt.Errorf("%s is reserved for the bundle manifest", manifestFileName)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		sha, size, err := hashFile(path)
		if err != nil {
			return err
		}

		art := ManifestArtifact{
			Path:   rel,
			Kind:   "file",
			Mode:   uint32(info.Mode().Perm()),
			Size:   size,
			SHA256: sha,
		}
		if family, ok := platforms[rel]; ok {
			art.Kind = "executable"
			art.Platform = string(family)
			art.Mode |= 0o111
		}
		artifacts = append(artifacts, art)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return artifacts, nil
}

func hasExecutable(entries []ManifestArtifact) bool {
	for _, e := range entries {
		if e.Kind == "executable" {
			return true
		}
	}
	return false
}

func hashFile(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return "", 0, fmt.Errorf("hash %q: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

func writeBundle(output string, manifest []byte, sourceDir string, entries []ManifestArtifact, modTime time.Time) (err error) {
	dir := filepath.Dir(output)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close bundle: %w", cerr)
		}
	}()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	if err := writeTarFile(tw, &tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}, strings.NewReader(string(manifest))); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	for _, entry := range entries {
		f, err := os.Open(filepath.Join(sourceDir, filepath.FromSlash(entry.Path)))
		if err != nil {
			return fmt.Errorf("open %q: %w", entry.Path, err)
		}
		err = writeTarFile(tw, &tar.Header{
			Name:     entry.Path,
			Mode:     int64(entry.Mode),
			Size:     entry.Size,
			ModTime:  modTime,
			Typeflag: tar.TypeReg,
		}, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("write %q: %w", entry.Path, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return nil
}

func writeTarFile(tw *tar.Writer, header *tar.Header, r io.Reader) error {
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	n, err := io.Copy(tw, r)
	if err != nil {
		return err
	}
	if n != header.Size {
		return fmt.Errorf("size changed while bundling: expected %d got %d", header.Size, n)
	}
	return nil
}

// ReadManifest loads manifest.yaml from a bundle without verifying it.
func ReadManifest(bundlePath string) (*Manifest, error) {
	data, err := archive.ReadEntry(bundlePath, manifestFileName, maxManifestBytes)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	if manifest.Signature == "" {
		return nil, errors.New("manifest missing signature")
	}
	return &manifest, nil
}

// VerifyManifest loads the bundle manifest and checks its signature.
func VerifyManifest(bundlePath string, signer *Signer) (*Manifest, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	manifest, err := ReadManifest(bundlePath)
	if err != nil {
		return nil, err
	}
	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
		return nil, fmt.Errorf("verify manifest signature: %w", err)
	}
	return manifest, nil
}

// Verify checks the manifest signature and every file in the bundle against
// the manifest. Files present in the bundle but not listed are rejected.
func Verify(ctx context.Context, bundlePath string, signer *Signer) (*Manifest, error) {
	manifest, err := VerifyManifest(bundlePath, signer)
	if err != nil {
		return nil, err
	}

	tempDir, err := os.MkdirTemp("", "swat-bundle-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	extracted, err := archive.ExtractAll(bundlePath, tempDir)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(extracted))
	for _, path := range extracted {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel, err := filepath.Rel(tempDir, path)
		if err != nil {
			return nil, err
		}
		rel = filepath.ToSlash(rel)
		if rel == manifestFileName {
			continue
		}
		art, ok := manifest.Artifact(rel)
		if !ok {
			return nil, fmt.Errorf("bundle entry %q is not listed in the manifest", rel)
		}
		if err := validateArtifact(path, art); err != nil {
			return nil, err
		}
		seen[rel] = true
	}
	for _, art := range manifest.Artifacts {
		if !seen[art.Path] {
			return nil, fmt.Errorf("artifact %q missing from archive", art.Path)
		}
	}
	return manifest, nil
}

// Publish verifies a bundle and uploads it to object storage.
func Publish(ctx context.Context, cfg PublishConfig) (*Manifest, error) {
	if cfg.BundlePath == "" {
		return nil, errors.New("bundle file is required")
	}
	if cfg.Bucket == "" || cfg.Key == "" {
		return nil, errors.New("bucket and key are required")
	}
	if cfg.Uploader == nil {
		return nil, errors.New("uploader is required")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	manifest, err := Verify(ctx, cfg.BundlePath, cfg.Signer)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(cfg.Stdout, "verified manifest signed at %s\n", manifest.CreatedAt.Format(time.RFC3339))

	sha, err := cfg.Uploader.PutFile(ctx, cfg.Bucket, cfg.Key, cfg.BundlePath)
	if err != nil {
		return nil, fmt.Errorf("upload bundle: %w", err)
	}
	fmt.Fprintf(cfg.Stdout, "uploaded s3://%s/%s (sha256 %s)\n", cfg.Bucket, cfg.Key, sha)
	return manifest, nil
}

func validateArtifact(path string, art ManifestArtifact) error {
	sha, size, err := hashFile(path)
	if err != nil {
		return err
	}
	if size != art.Size {
		return fmt.Errorf("size mismatch for %q: expected %d got %d", art.Path, art.Size, size)
	}
	if !strings.EqualFold(sha, art.SHA256) {
		return fmt.Errorf("sha256 mismatch for %q", art.Path)
	}
	return nil
}
