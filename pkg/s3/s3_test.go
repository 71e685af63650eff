package s3

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		endpoint   string
		disableTLS bool
		want       string
	}{
		{"minio:9000", false, "https://minio:9000"},
		{"minio:9000", true, "http://minio:9000"},
		{"http://minio:9000", false, "http://minio:9000"},
		{"https://s3.example.com", true, "https://s3.example.com"},
	}
	for _, tt := range tests {
		if got := endpointURL(tt.endpoint, tt.disableTLS); got != tt.want {
			t.Fatalf("endpointURL(%q, %v) = %q, want %q", tt.endpoint, tt.disableTLS, got, tt.want)
		}
	}
}

func TestNewClientValidation(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		caBundle bool
		wantErr  bool
	}{
		{name: "missing endpoint", cfg: Config{AccessKey: "a", SecretKey: "b"}, wantErr: true},
		{name: "missing credentials", cfg: Config{Endpoint: "minio:9000"}, wantErr: true},
		{name: "complete", cfg: Config{Endpoint: "minio:9000", AccessKey: "a", SecretKey: "b", DisableTLS: true}},
		{name: "custom CA bundle", cfg: Config{Endpoint: "minio:9000", AccessKey: "a", SecretKey: "b"}, caBundle: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.caBundle {
				t.Setenv("AWS_CA_BUNDLE", writeCABundle(t))
			}
			_, err := NewClient(context.Background(), tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewClient() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func writeCABundle(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "swatwps test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644); err != nil {
		t.Fatalf("write CA bundle: %v", err)
	}
	return path
}

func TestFileDigest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result.zip")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	digest, size, err := FileDigest(path)
	if err != nil {
		t.Fatalf("FileDigest() error = %v", err)
	}
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if digest != want || size != 3 {
		t.Fatalf("FileDigest() = %s, %d; want %s, 3", digest, size, want)
	}

	encoded, err := encodeSHA256(digest)
	if err != nil || encoded != "ungWv48Bz+pBQUDeXa4iI7ADYaOWF3qctBD/YfIAFa0=" {
		t.Fatalf("encodeSHA256() = %q, %v", encoded, err)
	}
	if _, err := encodeSHA256("zz"); err == nil {
		t.Fatal("encodeSHA256() accepted a non-hex digest")
	}
}
