package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewPatternsCmd creates the patterns command
func NewPatternsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Inspect the pattern library",
	}

	cmd.AddCommand(newPatternsListCmd())

	return cmd
}

func newPatternsListCmd() *cobra.Command {
	var (
		catalog string
		malware bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sensitive-data patterns or malware signatures",
		RunE: func(cmd *cobra.Command, _ []string) error {
			lib, err := library(catalog)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			bold.Fprintf(w, "Pattern library %s\n", lib.Version())

			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

			if malware {
				fmt.Fprintln(tw, "NAME\tTHREAT\tSEVERITY")

				for _, s := range lib.Malware() {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, s.ThreatType, severityColor(s.Severity).Sprint(s.Severity))
				}
			} else {
				fmt.Fprintln(tw, "NAME\tCATEGORY\tSEVERITY\tCONTEXT")

				for _, p := range lib.Sensitive() {
					ctx := "-"
					if len(p.ContextKeywords) > 0 {
						ctx = fmt.Sprintf("%d keywords", len(p.ContextKeywords))
					}

					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Name, p.Category, severityColor(p.Severity).Sprint(p.Severity), ctx)
				}
			}

			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&catalog, "catalog", "", "YAML pattern catalog merged into the built-in library")
	cmd.Flags().BoolVar(&malware, "malware", false, "List malware signatures instead")

	return cmd
}
