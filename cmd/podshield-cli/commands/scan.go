package commands

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/piwi3910/podshield/internal/patterns"
	"github.com/piwi3910/podshield/internal/scanner"
)

// NewScanCmd creates the scan command
func NewScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run the content scanner locally",
		Long: `Run the content scanner on local files with the built-in pattern
library, optionally extended with a YAML catalog (--catalog).`,
	}

	cmd.PersistentFlags().String("catalog", "", "YAML pattern catalog merged into the built-in library")

	cmd.AddCommand(newScanContentCmd())
	cmd.AddCommand(newScanMalwareCmd())

	return cmd
}

// library returns the built-in library, extended with catalogFile when set.
func library(catalogFile string) (*patterns.Library, error) {
	lib := patterns.Default()
	if catalogFile == "" {
		return lib, nil
	}

	cat, err := patterns.LoadCatalog(catalogFile)
	if err != nil {
		return nil, err
	}

	return lib.Extend(cat)
}

func newScanner(cmd *cobra.Command) (*scanner.Scanner, error) {
	catalog, _ := cmd.Flags().GetString("catalog")

	lib, err := library(catalog)
	if err != nil {
		return nil, err
	}

	return scanner.New(lib, scanner.DefaultConfig()), nil
}

func newScanContentCmd() *cobra.Command {
	var (
		mimeType string
		jsonOut  bool
	)

	cmd := &cobra.Command{
		Use:   "content <file|->",
		Short: "Scan a file for sensitive data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := newScanner(cmd)
			if err != nil {
				return err
			}

			data, err := readInput(args[0])
			if err != nil {
				return err
			}

			res, err := sc.ScanForSensitiveData(cmd.Context(), data, mimeType)
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}

			printSensitive(cmd.OutOrStdout(), res)

			return nil
		},
	}

	cmd.Flags().StringVar(&mimeType, "mime", "", "MIME type of the content (e.g. application/pdf)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")

	return cmd
}

func printSensitive(w io.Writer, res *scanner.SensitiveResult) {
	if res.Skipped {
		warning.Fprintln(w, "! Content exceeds the scan size limit and was not scanned")
		return
	}

	verdict(w, !res.Found, "No sensitive data found", "Sensitive data found")

	for _, m := range res.Matches {
		fmt.Fprintf(w, "  %s %-22s %-12s x%d\n",
			severityColor(m.Severity).Sprintf("%-8s", m.Severity), m.Name, m.Category, m.Count)
	}
}

func newScanMalwareCmd() *cobra.Command {
	var (
		mimeType string
		jsonOut  bool
	)

	cmd := &cobra.Command{
		Use:   "malware <file>",
		Short: "Scan a file for malware signatures and disguised executables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := newScanner(cmd)
			if err != nil {
				return err
			}

			data, err := readInput(args[0])
			if err != nil {
				return err
			}

			name := filepath.Base(args[0])

			res, err := sc.ScanForMalware(cmd.Context(), data, name, mimeType)
			if err != nil {
				return err
			}

			risk := scanner.FileRisk(name, mimeType)

			if jsonOut {
				return printJSON(cmd.OutOrStdout(), struct {
					*scanner.MalwareResult
					FileRisk patterns.Severity `json:"fileRisk"`
				}{res, risk})
			}

			w := cmd.OutOrStdout()

			if res.Skipped {
				warning.Fprintln(w, "! File exceeds the scan size limit and was not scanned")
			} else {
				verdict(w, res.Clean, "No threat found", "Threat found: "+res.ThreatName)
			}

			if !res.Clean {
				field(w, "type", res.ThreatType)
				field(w, "severity", severityColor(res.Severity).Sprint(res.Severity))
			}

			field(w, "file risk", severityColor(risk).Sprint(risk))

			return nil
		},
	}

	cmd.Flags().StringVar(&mimeType, "mime", "", "Declared MIME type")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")

	return cmd
}
