package swatctl

import (
	"fmt"

	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"

	"swatwps/pkg/s3"
	"swatwps/services/bundler"
)

func newBundlesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundles",
		Short: "Build, verify and publish signed deployment bundles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newBundlesBuildCommand())
	cmd.AddCommand(newBundlesVerifyCommand())
	cmd.AddCommand(newBundlesPublishCommand())
	return cmd
}

func newBundlesBuildCommand() *cobra.Command {
	var (
		sourceDir  string
		executable string
		output     string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Create a signed bundle from a deployment directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			_, err = bundler.Build(commandContext(cmd), bundler.BuildConfig{
				SourceDir:  sourceDir,
				Executable: executable,
				Output:     output,
				Signer:     signer,
				Stdout:     cmd.OutOrStdout(),
			})
			return err
		},
	}

	cmd.Flags().StringVar(&sourceDir, "source", "", "Deployment directory holding the model executables")
	cmd.Flags().StringVar(&executable, "executable", "", "Logical executable name (default swat/swat_rel64)")
	cmd.Flags().StringVar(&output, "output", "", "Destination bundle file (tar.zst)")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newBundlesVerifyCommand() *cobra.Command {
	var bundleFile string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a bundle's signature and contents",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			manifest, err := bundler.Verify(commandContext(cmd), bundleFile, signer)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bundle ok: %d artifacts, executable %s, signed by %s\n",
				len(manifest.Artifacts), manifest.Executable, manifest.Signer)
			return nil
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newBundlesPublishCommand() *cobra.Command {
	var (
		bundleFile string
		bucket     string
		key        string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Verify a bundle and upload it to object storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			var cfg s3.Config
			if err := envconfig.Process(ctx, &cfg); err != nil {
				return fmt.Errorf("s3 config: %w", err)
			}
			client, err := s3.NewClient(ctx, cfg)
			if err != nil {
				return fmt.Errorf("s3 client: %w", err)
			}
			_, err = bundler.Publish(ctx, bundler.PublishConfig{
				BundlePath: bundleFile,
				Bucket:     bucket,
				Key:        key,
				Uploader:   client,
				Signer:     signer,
				Stdout:     cmd.OutOrStdout(),
			})
			return err
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	cmd.Flags().StringVar(&bucket, "bucket", "", "Destination bucket")
	cmd.Flags().StringVar(&key, "key", "", "Destination object key")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("bucket")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}
