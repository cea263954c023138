package commands

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/piwi3910/podshield/internal/api/admin"
	"github.com/piwi3910/podshield/internal/audit"
	"github.com/piwi3910/podshield/internal/forensics"
)

// NewForensicsCmd creates the forensics command
func NewForensicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forensics",
		Short: "Screen leaked assets and review detections",
	}

	cmd.AddCommand(newScanURLCmd())
	cmd.AddCommand(newBulkScanCmd())
	cmd.AddCommand(newDetectionsCmd())

	return cmd
}

func newScanURLCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "scan-url <url>",
		Short: "Fetch a remote asset and screen it for watermarks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			var res forensics.Result
			if err := client.do(cmd.Context(), http.MethodPost, "/forensics/scan-url",
				admin.ScanURLRequest{URL: args[0]}, &res); err != nil {
				return err
			}

			if jsonOut {
				return printJSON(cmd.OutOrStdout(), &res)
			}

			printResult(cmd.OutOrStdout(), &res)

			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")

	return cmd
}

func newBulkScanCmd() *cobra.Command {
	var (
		file    string
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "bulk-scan [url...]",
		Short: "Screen many remote assets",
		Long: `Screen many remote assets in one request. URLs come from the
arguments and, with --file, from a file holding one URL per line
("-" reads stdin). Blank lines and lines starting with # are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			urls := append([]string(nil), args...)

			if file != "" {
				data, err := readInput(file)
				if err != nil {
					return err
				}

				urls = append(urls, parseURLList(data)...)
			}

			if len(urls) == 0 {
				return fmt.Errorf("no URLs given")
			}

			client, err := newAPIClient()
			if err != nil {
				return err
			}

			var resp admin.BulkScanResponse
			if err := client.do(cmd.Context(), http.MethodPost, "/forensics/bulk-scan",
				admin.BulkScanRequest{URLs: urls}, &resp); err != nil {
				return err
			}

			if jsonOut {
				return printJSON(cmd.OutOrStdout(), &resp)
			}

			w := cmd.OutOrStdout()
			for _, res := range resp.Results {
				printResult(w, res)
			}

			bold.Fprintf(w, "\nScanned %d, detected %d, failed %d\n", resp.Scanned, resp.Detected, resp.Failed)

			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "File with one URL per line")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")

	return cmd
}

// parseURLList splits a URL list, skipping blanks and comments.
func parseURLList(data []byte) []string {
	var urls []string

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		urls = append(urls, line)
	}

	return urls
}

func newDetectionsCmd() *cobra.Command {
	var (
		status    string
		sessionID string
		source    string
		page      int
		limit     int
		jsonOut   bool
	)

	cmd := &cobra.Command{
		Use:   "detections",
		Short: "List forensic detections",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			q := url.Values{}
			if status != "" {
				q.Set("status", strings.ToUpper(status))
			}

			if sessionID != "" {
				q.Set("sessionId", sessionID)
			}

			if source != "" {
				q.Set("sourceType", strings.ToUpper(source))
			}

			if page > 0 {
				q.Set("page", strconv.Itoa(page))
			}

			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}

			path := "/forensics/detections"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var list audit.Page[*forensics.Detection]
			if err := client.do(cmd.Context(), http.MethodGet, path, nil, &list); err != nil {
				return err
			}

			if jsonOut {
				return printJSON(cmd.OutOrStdout(), &list)
			}

			printDetections(cmd.OutOrStdout(), list)

			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by investigation status")
	cmd.Flags().StringVar(&sessionID, "session", "", "Filter by session ID")
	cmd.Flags().StringVar(&source, "source", "", "Filter by source type (UPLOAD, URL, CRAWL)")
	cmd.Flags().IntVar(&page, "page", 0, "Page number")
	cmd.Flags().IntVar(&limit, "limit", 0, "Page size")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")

	return cmd
}

func printDetections(w io.Writer, list audit.Page[*forensics.Detection]) {
	if len(list.Items) == 0 {
		muted.Fprintln(w, "No detections")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSESSION\tCONFIDENCE\tSOURCE\tCREATED")

	for _, d := range list.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f%%\t%s\t%s\n",
			d.ID, d.Status, orDash(d.SessionID), d.Confidence*100, d.SourceType, d.CreatedAt.Format(time.RFC3339))
	}

	_ = tw.Flush()

	muted.Fprintf(w, "Page %d, %d of %d detections\n", list.Page, len(list.Items), list.Total)
}

// printResults renders a detect response body.
func printResults(w io.Writer, body []byte) error {
	var res forensics.Result
	if err := json.Unmarshal(body, &res); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	printResult(w, &res)

	return nil
}

func printResult(w io.Writer, res *forensics.Result) {
	label := res.URL
	if label == "" {
		label = "upload"
	}

	switch {
	case res.Error != "":
		warning.Fprintf(w, "! %s: %s\n", label, res.Error)
		return
	case res.Detected:
		danger.Fprintf(w, "✗ %s: watermark detected\n", label)
	default:
		success.Fprintf(w, "✓ %s: no watermark\n", label)
		return
	}

	field(w, "session", orDash(res.SessionID))
	field(w, "user", orDash(res.UserID))
	field(w, "confidence", fmt.Sprintf("%.1f%%", res.Confidence*100))

	if res.EmbeddedAt != nil {
		field(w, "embedded at", res.EmbeddedAt.Format(time.RFC3339))
	}

	if res.Detection != nil {
		field(w, "detection", res.Detection.ID)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}
