package bundler

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const (
	EnvSigningKey       = "SWAT_SIGNING_KEY"
	EnvSigningPublicKey = "SWAT_BUNDLE_PUBLIC_KEY"
)

// Signer holds the Ed25519 key pair that signs deployment manifests. The
// private half is derived from an age secret key and is absent on workers
// that only verify bundles.
type Signer struct {
	priv      ed25519.PrivateKey
	pub       ed25519.PublicKey
	recipient string
}

// NewSignerFromEnv builds a Signer from SWAT_SIGNING_KEY and
// SWAT_BUNDLE_PUBLIC_KEY.
func NewSignerFromEnv() (*Signer, error) {
	return NewSigner(os.Getenv(EnvSigningKey), os.Getenv(EnvSigningPublicKey))
}

// NewSigner accepts an AGE-SECRET-KEY-1... secret, a base64 public key, or
// both. When both are given they must describe the same key pair.
func NewSigner(secret, publicKey string) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	publicKey = strings.TrimSpace(publicKey)
	if secret == "" && publicKey == "" {
		return nil, fmt.Errorf("%s or %s must be set", EnvSigningKey, EnvSigningPublicKey)
	}

	s := &Signer{}
	if secret != "" {
		priv, recipient, err := parseSigningKey(secret)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvSigningKey, err)
		}
		s.priv = priv
		s.pub = priv.Public().(ed25519.PublicKey)
		s.recipient = recipient
	}
	if publicKey != "" {
		pub, err := decodePublicKey(publicKey)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvSigningPublicKey, err)
		}
		if s.pub != nil && !bytes.Equal(s.pub, pub) {
			return nil, fmt.Errorf("%s does not match %s", EnvSigningPublicKey, EnvSigningKey)
		}
		s.pub = pub
	}
	return s, nil
}

// Sign returns the base64 signature of a manifest's signing bytes.
func (s *Signer) Sign(payload []byte) (string, error) {
	if s == nil || len(s.priv) == 0 {
		return "", fmt.Errorf("signing requires %s", EnvSigningKey)
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, payload)), nil
}

// Verify checks signature over payload against the signer's public key. A
// manifest that names its own signing key must name this one.
func (s *Signer) Verify(payload []byte, signature, manifestKey string) error {
	if s == nil || s.pub == nil {
		return errors.New("no public key to verify against")
	}
	if manifestKey != "" {
		embedded, err := decodePublicKey(manifestKey)
		if err != nil {
			return fmt.Errorf("manifest signing key: %w", err)
		}
		if !bytes.Equal(embedded, s.pub) {
			return errors.New("manifest signed by unexpected key")
		}
	}

	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(s.pub, payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// PublicKeyBase64 is the value workers expect in SWAT_BUNDLE_PUBLIC_KEY.
func (s *Signer) PublicKeyBase64() string {
	if s == nil || s.pub == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.pub)
}

// Recipient is the age recipient matching the secret key. Bundles record it
// as their signer so operators can tell build keys apart.
func (s *Signer) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}

// parseSigningKey uses the 32 byte payload of an age X25519 secret as an
// Ed25519 seed.
func parseSigningKey(secret string) (ed25519.PrivateKey, string, error) {
	identity, err := age.ParseX25519Identity(secret)
	if err != nil {
		return nil, "", err
	}
	hrp, data, err := bech32.Decode(secret)
	if err != nil {
		return nil, "", err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, "", fmt.Errorf("unexpected hrp %q", hrp)
	}
	seed, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, "", err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, "", fmt.Errorf("seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), identity.Recipient().String(), nil
}

func decodePublicKey(raw string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(decoded), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(decoded), nil
}
