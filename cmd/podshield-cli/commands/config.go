package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// NewConfigCmd creates the config command
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI configuration",
		Long:  `Configure the PodShield CLI with endpoint, token and watermark secret.`,
	}

	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigGetCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long: `Set a configuration value. Available keys:
  endpoint          - The PodShield server URL
  token             - An operator bearer token
  watermark-secret  - The watermark master secret, for local detection
  timeout           - Request timeout (e.g. 30s)
  skip-verify       - Skip TLS certificate verification`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := strings.ToLower(args[0])
			value := args[1]

			cfg, err := LoadConfig()
			if err != nil {
				cfg = DefaultConfig()
			}

			if err := setValue(cfg, key, value); err != nil {
				return err
			}

			if err := SaveConfig(cfg); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, maskSecret(key, value))

			return nil
		},
	}
}

func setValue(cfg *ClientConfig, key, value string) error {
	switch key {
	case "endpoint":
		cfg.Endpoint = value
	case "token":
		cfg.Token = value
	case "watermark-secret", "watermarksecret":
		cfg.WatermarkSecret = value
	case "timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}

		cfg.Timeout = d
	case "skip-verify", "skipverify":
		cfg.SkipVerify = value == "true" || value == "1" || value == "yes"
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	return nil
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := strings.ToLower(args[0])

			cfg, err := LoadConfig()
			if err != nil {
				return err
			}

			var value string

			switch key {
			case "endpoint":
				value = cfg.Endpoint
			case "token":
				value = maskSecret(key, cfg.Token)
			case "watermark-secret", "watermarksecret":
				value = maskSecret(key, cfg.WatermarkSecret)
			case "timeout":
				value = cfg.Timeout.String()
			case "skip-verify", "skipverify":
				value = fmt.Sprintf("%t", cfg.SkipVerify)
			default:
				return fmt.Errorf("unknown configuration key: %s", key)
			}

			fmt.Fprintln(cmd.OutOrStdout(), value)

			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show all configuration values",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "endpoint:         %s\n", cfg.Endpoint)
			fmt.Fprintf(out, "token:            %s\n", maskSecret("token", cfg.Token))
			fmt.Fprintf(out, "watermark-secret: %s\n", maskSecret("watermark-secret", cfg.WatermarkSecret))
			fmt.Fprintf(out, "timeout:          %s\n", cfg.Timeout)
			fmt.Fprintf(out, "skip-verify:      %t\n", cfg.SkipVerify)

			return nil
		},
	}
}

// maskSecret masks a secret value, showing only first and last 4 chars
func maskSecret(key, value string) string {
	if !strings.Contains(key, "secret") && !strings.Contains(key, "token") {
		return value
	}

	if len(value) <= 8 {
		return "****"
	}

	return value[:4] + "****" + value[len(value)-4:]
}
