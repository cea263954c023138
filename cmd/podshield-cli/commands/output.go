package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/piwi3910/podshield/internal/patterns"
)

var (
	bold    = color.New(color.Bold)
	danger  = color.New(color.FgRed, color.Bold)
	warning = color.New(color.FgYellow)
	success = color.New(color.FgGreen)
	muted   = color.New(color.FgHiBlack)
)

// severityColor picks the colour of a severity label.
func severityColor(s patterns.Severity) *color.Color {
	switch s {
	case patterns.SeverityCritical:
		return danger
	case patterns.SeverityHigh:
		return color.New(color.FgRed)
	case patterns.SeverityMedium:
		return warning
	default:
		return muted
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

func verdict(w io.Writer, ok bool, good, bad string) {
	if ok {
		success.Fprintf(w, "✓ %s\n", good)
		return
	}

	danger.Fprintf(w, "✗ %s\n", bad)
}

func field(w io.Writer, name string, value any) {
	fmt.Fprintf(w, "  %s %v\n", muted.Sprintf("%-12s", name+":"), value)
}
