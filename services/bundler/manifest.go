package bundler

import (
	"time"

	"gopkg.in/yaml.v3"
)

const (
	manifestFileName = "manifest.yaml"
	manifestVersion  = "1"
)

// Manifest is the signed index stored at the root of a deployment bundle.
type Manifest struct {
	Version          string             `yaml:"version"`
	CreatedAt        time.Time          `yaml:"created_at"`
	Executable       string             `yaml:"executable"`
	Signer           string             `yaml:"signer,omitempty"`
	SigningPublicKey string             `yaml:"signing_public_key,omitempty"`
	Signature        string             `yaml:"signature,omitempty"`
	Artifacts        []ManifestArtifact `yaml:"artifacts"`
}

// SigningBytes marshals the manifest without its signature for signing/verification.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// Artifact looks up the entry stored under path.
func (m Manifest) Artifact(path string) (ManifestArtifact, bool) {
	for _, a := range m.Artifacts {
		if a.Path == path {
			return a, true
		}
	}
	return ManifestArtifact{}, false
}

// ManifestArtifact describes a single file within the bundle.
type ManifestArtifact struct {
	Path     string `yaml:"path"`
	Kind     string `yaml:"kind"`
	Platform string `yaml:"platform,omitempty"`
	Mode     uint32 `yaml:"mode"`
	Size     int64  `yaml:"size"`
	SHA256   string `yaml:"sha256"`
}
