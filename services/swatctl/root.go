// Package swatctl implements the swatctl command line: local model runs,
// observation checks and deployment bundle management.
package swatctl

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"swatwps/pkg/telemetry"
)

type globalOptions struct {
	logLevel  string
	logFormat string
}

func (o *globalOptions) logger(cmd *cobra.Command) zerolog.Logger {
	if o.logFormat == "json" {
		return telemetry.NewLogger("swatctl", "json", o.logLevel)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).
		Level(parseLevel(o.logLevel)).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// NewRootCommand builds the swatctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "swatctl",
		Short:         "Run SWAT models and manage their deployments",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "console", "Log format (console or json)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newObservationsCommand(opts))
	cmd.AddCommand(newBundlesCommand())
	return cmd
}
