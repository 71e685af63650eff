package bundler

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// Verifier checks executables extracted from deployment bundles against the
// bundle's signed manifest. Manifests are verified once per bundle file
// version and cached.
type Verifier struct {
	signer *Signer

	mu    sync.Mutex
	cache map[string]cachedManifest
}

type cachedManifest struct {
	modTime  time.Time
	size     int64
	manifest *Manifest
}

func NewVerifier(signer *Signer) (*Verifier, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	return &Verifier{signer: signer, cache: map[string]cachedManifest{}}, nil
}

// VerifyEntry checks that extractedPath holds exactly the bytes the signed
// manifest lists for entryName.
func (v *Verifier) VerifyEntry(bundlePath, entryName, extractedPath string) error {
	manifest, err := v.manifest(bundlePath)
	if err != nil {
		return err
	}
	art, ok := manifest.Artifact(entryName)
	if !ok {
		return fmt.Errorf("%s is not listed in the bundle manifest", entryName)
	}
	return validateArtifact(extractedPath, art)
}

func (v *Verifier) manifest(bundlePath string) (*Manifest, error) {
	info, err := os.Stat(bundlePath)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if c, ok := v.cache[bundlePath]; ok && c.modTime.Equal(info.ModTime()) && c.size == info.Size() {
		return c.manifest, nil
	}
	manifest, err := VerifyManifest(bundlePath, v.signer)
	if err != nil {
		return nil, err
	}
	v.cache[bundlePath] = cachedManifest{modTime: info.ModTime(), size: info.Size(), manifest: manifest}
	return manifest, nil
}
