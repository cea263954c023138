package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/piwi3910/podshield/cmd/podshield-cli/commands"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "podshield-cli",
		Short: "PodShield CLI - watermarking, scanning and forensic tooling",
		Long: `PodShield CLI talks to a PodShield server and runs the content
scanner and watermark detector locally.

Configure your endpoint and token:
  podshield-cli config set endpoint http://localhost:8080
  podshield-cli config set token <operator token>
  podshield-cli config set watermark-secret <master secret>

Or use environment variables:
  PODSHIELD_ENDPOINT
  PODSHIELD_TOKEN
  PODSHIELD_WATERMARK_SECRET`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(commands.NewConfigCmd())
	rootCmd.AddCommand(commands.NewWatermarkCmd())
	rootCmd.AddCommand(commands.NewScanCmd())
	rootCmd.AddCommand(commands.NewForensicsCmd())
	rootCmd.AddCommand(commands.NewPatternsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
