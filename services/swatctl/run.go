package swatctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"swatwps/pkg/render"
	"swatwps/services/bundler"
	"swatwps/services/model"
)

type runOptions struct {
	deployment  string
	executable  string
	pattern     string
	workRoot    string
	scratchRoot string
	publicKey   string
	failOnEmpty bool
	timeout     time.Duration
	stream      bool
	tail        int
}

func newRunCommand(global *globalOptions) *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run [input.zip ...]",
		Short: "Run the SWAT model against a zipped model input",
		Long: "Unpacks the input archive into a fresh work directory, runs the SWAT " +
			"executable from the deployment and packages output.* files into swat_output.zip. " +
			"Any number of inputs other than one skips the unpack step.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModel(cmd, global, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.deployment, "deployment", os.Getenv("SWAT_DEPLOYMENT"), "Deployment directory or bundle (.zip, .tar.zst)")
	cmd.Flags().StringVar(&opts.executable, "executable", model.DefaultExecutable, "Logical executable name inside the deployment")
	cmd.Flags().StringVar(&opts.pattern, "pattern", model.DefaultOutputPattern, "Glob selecting output files")
	cmd.Flags().StringVar(&opts.workRoot, "work-root", "", "Work directory for this run (default: a new directory under the system temp dir)")
	cmd.Flags().StringVar(&opts.scratchRoot, "scratch-root", "", "Directory receiving executables extracted from bundles")
	cmd.Flags().StringVar(&opts.publicKey, "public-key", os.Getenv(bundler.EnvSigningPublicKey), "Require bundle executables signed by this base64 Ed25519 key")
	cmd.Flags().BoolVar(&opts.failOnEmpty, "fail-on-empty", false, "Fail when no output files match")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Abort the model after this long (0 waits indefinitely)")
	cmd.Flags().BoolVar(&opts.stream, "stream", false, "Mirror the model transcript to stdout as it runs")
	cmd.Flags().IntVar(&opts.tail, "tail", 20, "Transcript lines shown in the summary (0 shows all)")
	return cmd
}

func runModel(cmd *cobra.Command, global *globalOptions, opts runOptions, inputs []string) error {
	if opts.deployment == "" {
		return errors.New("--deployment or SWAT_DEPLOYMENT is required")
	}
	logger := global.logger(cmd)

	loc, err := model.ResolveDeployment(opts.deployment)
	if err != nil {
		return err
	}

	workRoot := opts.workRoot
	if workRoot == "" {
		workRoot = filepath.Join(os.TempDir(), "swatwps", "runs", uuid.NewString())
	}
	scratch := opts.scratchRoot
	if scratch == "" {
		scratch = filepath.Join(workRoot, "bin")
	}

	locator := model.NewLocator(scratch, logger)
	if opts.publicKey != "" {
		signer, err := bundler.NewSigner("", opts.publicKey)
		if err != nil {
			return err
		}
		verifier, err := bundler.NewVerifier(signer)
		if err != nil {
			return err
		}
		locator.Verifier = verifier
	}

	runner := &model.Runner{Logger: logger}
	if opts.stream {
		runner.Output = cmd.OutOrStdout()
	}

	pipeline, err := model.New(model.Config{
		Deployment:        loc,
		Executable:        opts.executable,
		OutputPattern:     opts.pattern,
		FailOnEmptyOutput: opts.failOnEmpty,
	}, model.WithLogger(logger), model.WithLocator(locator), model.WithRunner(runner))
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	out, runErr := pipeline.Execute(ctx, model.Request{WorkRoot: workRoot, Inputs: inputs})

	summary := render.RunSummary{
		Status:         "succeeded",
		State:          out.State.String(),
		Executable:     out.Executable,
		ExitCode:       out.ExitCode,
		InputSkipped:   out.InputSkipped,
		Duration:       out.Duration,
		Entries:        out.Entries,
		ResultArchive:  out.ResultArchive,
		Transcript:     out.Transcript,
		TranscriptTail: opts.tail,
	}
	if opts.stream {
		summary.Transcript = ""
	}
	if runErr != nil {
		summary.Status = "failed"
		summary.Error = runErr.Error()
		var re *model.RunError
		if errors.As(runErr, &re) {
			summary.State = re.State.String()
		}
	}

	engine, err := render.New()
	if err != nil {
		return err
	}
	text, err := engine.Render("run_summary.tmpl", summary)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), text)
	return runErr
}
