package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/piwi3910/podshield/internal/watermark"
)

// NewWatermarkCmd creates the watermark command
func NewWatermarkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watermark",
		Short: "Embed and detect invisible watermarks",
	}

	cmd.AddCommand(newWatermarkEmbedCmd())
	cmd.AddCommand(newWatermarkDetectCmd())

	return cmd
}

func localEngine() (*watermark.Engine, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	if cfg.WatermarkSecret == "" {
		return nil, errors.New("watermark secret not configured. Use 'podshield-cli config set watermark-secret <secret>' or set PODSHIELD_WATERMARK_SECRET")
	}

	codec, err := watermark.NewCodec([]byte(cfg.WatermarkSecret))
	if err != nil {
		return nil, err
	}

	return watermark.NewEngine(codec), nil
}

func newWatermarkEmbedCmd() *cobra.Command {
	var (
		sessionID string
		tenantID  string
		output    string
		method    string
		strength  float64
		local     bool
	)

	cmd := &cobra.Command{
		Use:   "embed <image>",
		Short: "Embed a session payload into an image",
		Long: `Embed the payload of a session into an image and write a PNG.

By default the server embeds the payload of the session's active
watermark instance. With --local the payload is built and embedded on
this machine using the configured watermark secret.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				return errors.New("--session is required")
			}

			data, err := readInput(args[0])
			if err != nil {
				return err
			}

			var out []byte

			if local {
				if tenantID == "" {
					return errors.New("--tenant is required with --local")
				}

				out, err = embedLocal(data, tenantID, sessionID, watermark.Method(strings.ToUpper(method)), strength)
			} else {
				var client *apiClient

				if client, err = newAPIClient(); err != nil {
					return err
				}

				out, err = client.postBinary(cmd.Context(), "/watermarks/sessions/"+sessionID+"/embed",
					"application/octet-stream", data)
			}

			if err != nil {
				return err
			}

			if output == "" {
				output = strings.TrimSuffix(args[0], ".png") + ".watermarked.png"
			}

			if err := os.WriteFile(output, out, filePermissions); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}

			success.Fprintf(cmd.OutOrStdout(), "✓ Watermarked image written to %s\n", output)

			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (with --local)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output PNG path")
	cmd.Flags().StringVar(&method, "method", string(watermark.MethodDCT), "Embedding method: BIT_PLANE, DCT or DWT (with --local)")
	cmd.Flags().Float64Var(&strength, "strength", 0.5, "Embedding strength in (0, 1] (with --local)")
	cmd.Flags().BoolVar(&local, "local", false, "Embed locally instead of on the server")

	return cmd
}

func embedLocal(data []byte, tenantID, sessionID string, method watermark.Method, strength float64) ([]byte, error) {
	engine, err := localEngine()
	if err != nil {
		return nil, err
	}

	img, _, err := watermark.DecodeImage(data)
	if err != nil {
		return nil, err
	}

	cfg := &watermark.Configuration{
		TenantID:  tenantID,
		Invisible: watermark.InvisibleConfig{Method: method, Strength: strength, Enabled: true},
	}
	cfg.ApplyDefaults()

	if err := cfg.Invisible.Validate(); err != nil {
		return nil, err
	}

	marked, err := engine.Embed(img, watermark.NewPayload(tenantID, sessionID, time.Now()), cfg.Invisible)
	if err != nil {
		return nil, err
	}

	return watermark.EncodePNG(marked)
}

func newWatermarkDetectCmd() *cobra.Command {
	var (
		remote  bool
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "detect <image>",
		Short: "Recover a watermark payload from an image",
		Long: `Recover the invisible payload from an image.

Detection runs locally with the configured watermark secret and prints
the recovered tags. With --remote the image is submitted to the server's
forensic detector, which resolves the tags to a session and records a
detection.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args[0])
			if err != nil {
				return err
			}

			if remote {
				return detectRemote(cmd.Context(), cmd, data, jsonOut)
			}

			engine, err := localEngine()
			if err != nil {
				return err
			}

			img, format, err := watermark.DecodeImage(data)
			if err != nil {
				return err
			}

			res := engine.Detect(img)

			if jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}

			w := cmd.OutOrStdout()
			verdict(w, res.Detected, "Watermark detected", "No watermark detected")
			field(w, "format", format)
			field(w, "confidence", fmt.Sprintf("%.1f%%", res.Confidence*100))
			field(w, "copies", res.Copies)

			if res.Detected && res.Payload != nil {
				field(w, "method", res.Method)
				field(w, "session tag", res.Payload.SessionRef())
				field(w, "tenant tag", res.Payload.TenantRef())
				field(w, "embedded at", res.Payload.Timestamp.Format(time.RFC3339))
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&remote, "remote", false, "Submit to the server's forensic detector")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")

	return cmd
}

func detectRemote(ctx context.Context, cmd *cobra.Command, data []byte, jsonOut bool) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	body, err := client.postBinary(ctx, "/forensics/detect", "application/octet-stream", data)
	if err != nil {
		return err
	}

	if jsonOut {
		_, err := cmd.OutOrStdout().Write(body)
		return err
	}

	return printResults(cmd.OutOrStdout(), body)
}
