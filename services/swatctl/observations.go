package swatctl

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"swatwps/services/observations"
)

func newObservationsCommand(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "observations",
		Short: "Query sensor observation services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newObservationsLatestCommand(global))
	return cmd
}

func newObservationsLatestCommand(global *globalOptions) *cobra.Command {
	var (
		q         observations.Query
		reference string
	)

	cmd := &cobra.Command{
		Use:   "latest",
		Short: "Report the most recent observation of a sensor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if reference != "" {
				ref, err := parseReference(reference)
				if err != nil {
					return err
				}
				q.Reference = ref
			}
			fetcher := observations.NewFetcher(global.logger(cmd))
			status, err := fetcher.Latest(commandContext(cmd), q)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status.String())
			return nil
		},
	}

	cmd.Flags().StringVar(&q.BaseURL, "url", os.Getenv("SOS_URL"), "SOS service endpoint")
	cmd.Flags().StringVar(&q.Procedure, "procedure", observations.DefaultProcedure, "Procedure (sensor) identifier")
	cmd.Flags().StringVar(&q.ObservedProperty, "property", "", "Observed property filter")
	cmd.Flags().IntVar(&q.Years, "years", observations.DefaultYears, "Window length in years, counted back from the reference")
	cmd.Flags().StringVar(&reference, "reference", "", `End of the window: RFC3339 time or "now" (default 2016-01-01T00:00:00Z)`)
	return cmd
}

func parseReference(v string) (time.Time, error) {
	if strings.EqualFold(v, "now") {
		return time.Now().UTC(), nil
	}
	ref, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--reference must be RFC3339 or \"now\": %w", err)
	}
	return ref, nil
}
