package model

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Env is the pipeline configuration services read from the environment.
type Env struct {
	Deployment        string        `env:"SWAT_DEPLOYMENT,required"`
	Executable        string        `env:"SWAT_EXECUTABLE,default=swat/swat_rel64"`
	OutputPattern     string        `env:"SWAT_OUTPUT_PATTERN,default=output.*"`
	WorkRoot          string        `env:"SWAT_WORK_ROOT"`
	ScratchRoot       string        `env:"SWAT_SCRATCH_ROOT"`
	FailOnEmptyOutput bool          `env:"SWAT_FAIL_ON_EMPTY_OUTPUT,default=false"`
	RunTimeout        time.Duration `env:"SWAT_RUN_TIMEOUT,default=0s"`
	BundlePublicKey   string        `env:"SWAT_BUNDLE_PUBLIC_KEY"`
}

// RunsRoot is the directory holding one work root per run.
func (e Env) RunsRoot() string {
	if e.WorkRoot != "" {
		return e.WorkRoot
	}
	return filepath.Join(os.TempDir(), "swatwps", "runs")
}

func (e Env) scratchRoot() string {
	if e.ScratchRoot != "" {
		return e.ScratchRoot
	}
	return filepath.Join(os.TempDir(), "swatwps", "bin")
}

// NewPipeline resolves the deployment and builds a Pipeline. verifier may be
// nil; when set, executables taken from bundles must pass it.
func (e Env) NewPipeline(logger zerolog.Logger, verifier EntryVerifier) (*Pipeline, error) {
	loc, err := ResolveDeployment(e.Deployment)
	if err != nil {
		return nil, err
	}

	locator := NewLocator(e.scratchRoot(), logger)
	locator.Verifier = verifier

	return New(Config{
		Deployment:        loc,
		Executable:        e.Executable,
		OutputPattern:     e.OutputPattern,
		FailOnEmptyOutput: e.FailOnEmptyOutput,
	}, WithLogger(logger), WithLocator(locator))
}
