package orchestrator

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"

	"swatwps/pkg/s3"
	"swatwps/services/bundler"
	"swatwps/services/model"
)

// Config holds runtime configuration shared by the services that execute
// runs.
type Config struct {
	DBDSN        string `env:"DB_DSN"`
	NATSURL      string `env:"NATS_URL"`
	ResultBucket string `env:"SWAT_RESULT_BUCKET,default=swat-results"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogFormat    string `env:"LOG_FORMAT,default=json"`
	LogLevel     string `env:"LOG_LEVEL,default=info"`

	Model model.Env
	S3    s3.Config
}

// LoadConfig returns a Config populated from environment variables.
func LoadConfig(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewPipeline builds the model pipeline, verifying bundle executables when a
// bundle public key is configured.
func (c Config) NewPipeline(logger zerolog.Logger) (*model.Pipeline, error) {
	var verifier model.EntryVerifier
	if c.Model.BundlePublicKey != "" {
		signer, err := bundler.NewSigner("", c.Model.BundlePublicKey)
		if err != nil {
			return nil, err
		}
		v, err := bundler.NewVerifier(signer)
		if err != nil {
			return nil, err
		}
		verifier = v
	}
	return c.Model.NewPipeline(logger, verifier)
}
