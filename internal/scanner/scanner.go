// Package scanner implements the content scanner: sensitive-data detection
// and malware screening over a byte payload.
//
// Both scans run under their own timeout and refuse payloads above a size
// ceiling. Oversized payloads are reported as skipped rather than failed;
// the caller's policy decides whether unscanned content may pass.
package scanner

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/podshield/internal/metrics"
	"github.com/piwi3910/podshield/internal/patterns"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

// Scan names used in metrics and errors.
const (
	ScanSensitive = "sensitive"
	ScanMalware   = "malware"
)

// Config bounds scanner work.
type Config struct {
	// MaxScanBytes is the size ceiling; larger payloads are skipped.
	MaxScanBytes     int64
	SensitiveTimeout time.Duration
	MalwareTimeout   time.Duration
	// PDFPageLimit caps how many pages are extracted from a PDF.
	PDFPageLimit int
}

// DefaultConfig returns the default scanner limits.
func DefaultConfig() Config {
	return Config{
		MaxScanBytes:     10 << 20,
		SensitiveTimeout: 2 * time.Second,
		MalwareTimeout:   5 * time.Second,
		PDFPageLimit:     20,
	}
}

// Match aggregates the hits of one pattern.
type Match struct {
	Name     string            `json:"name"`
	Category patterns.Category `json:"category"`
	Severity patterns.Severity `json:"severity"`
	Count    int               `json:"count"`
}

// SensitiveResult is the outcome of a sensitive-data scan.
type SensitiveResult struct {
	Matches []Match `json:"matches,omitempty"`
	Found   bool    `json:"found"`
	Skipped bool    `json:"skipped,omitempty"`
}

// Categories returns the distinct categories of matches at or above
// threshold, in match order.
func (r *SensitiveResult) Categories(threshold patterns.Severity) []patterns.Category {
	var out []patterns.Category

	seen := make(map[patterns.Category]bool)

	for _, m := range r.Matches {
		if m.Severity.AtLeast(threshold) && !seen[m.Category] {
			seen[m.Category] = true
			out = append(out, m.Category)
		}
	}

	return out
}

// Highest returns the most severe match severity, or "" when nothing matched.
func (r *SensitiveResult) Highest() patterns.Severity {
	var best patterns.Severity

	for _, m := range r.Matches {
		if m.Severity.Rank() > best.Rank() {
			best = m.Severity
		}
	}

	return best
}

// MalwareResult is the outcome of a malware scan.
type MalwareResult struct {
	ThreatName string              `json:"threatName,omitempty"`
	ThreatType patterns.ThreatType `json:"threatType,omitempty"`
	Severity   patterns.Severity   `json:"severity,omitempty"`
	Clean      bool                `json:"clean"`
	Skipped    bool                `json:"skipped,omitempty"`
}

// Scanner scans content against a pattern library.
type Scanner struct {
	lib *patterns.Library
	cfg Config
}

// New creates a scanner. Zero config fields take defaults.
func New(lib *patterns.Library, cfg Config) *Scanner {
	def := DefaultConfig()

	if cfg.MaxScanBytes <= 0 {
		cfg.MaxScanBytes = def.MaxScanBytes
	}

	if cfg.SensitiveTimeout <= 0 {
		cfg.SensitiveTimeout = def.SensitiveTimeout
	}

	if cfg.MalwareTimeout <= 0 {
		cfg.MalwareTimeout = def.MalwareTimeout
	}

	if cfg.PDFPageLimit <= 0 {
		cfg.PDFPageLimit = def.PDFPageLimit
	}

	return &Scanner{lib: lib, cfg: cfg}
}

// Library returns the pattern library in use.
func (s *Scanner) Library() *patterns.Library {
	return s.lib
}

// Oversized reports whether content exceeds the scan ceiling.
func (s *Scanner) Oversized(size int64) bool {
	return size > s.cfg.MaxScanBytes
}

// ScanForSensitiveData applies every sensitive pattern to content. mimeType
// selects text extraction (PDF, UTF-16). A scan that exceeds its timeout
// returns a ScanTimeout error.
func (s *Scanner) ScanForSensitiveData(ctx context.Context, content []byte, mimeType string) (*SensitiveResult, error) {
	start := time.Now()

	if s.Oversized(int64(len(content))) {
		metrics.RecordScan(ScanSensitive, "skipped", time.Since(start))
		return &SensitiveResult{Skipped: true}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SensitiveTimeout)
	defer cancel()

	result, err := s.scanSensitive(ctx, content, mimeType)
	if err != nil {
		err = timeoutError(ctx, ScanSensitive, err)
		metrics.RecordScan(ScanSensitive, outcomeForError(err), time.Since(start))

		return nil, err
	}

	outcome := "clean"
	if result.Found {
		outcome = "found"
	}

	metrics.RecordScan(ScanSensitive, outcome, time.Since(start))

	return result, nil
}

func (s *Scanner) scanSensitive(ctx context.Context, content []byte, mimeType string) (*SensitiveResult, error) {
	text, err := ExtractText(ctx, content, mimeType, s.cfg.PDFPageLimit)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)

	// Scanning line by line keeps every regexp call short and gives the
	// deadline a chance to fire between lines. Offsets stay relative to the
	// whole text so context keywords on neighbouring lines still count.
	offset := 0

	for rest := text; ; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line, next, more := strings.Cut(rest, "\n")

		for _, p := range s.lib.Sensitive() {
			for _, loc := range p.Matcher.FindAllStringIndex(line, -1) {
				if !p.Valid(line[loc[0]:loc[1]]) {
					continue
				}

				if !p.Corroborated(text, offset+loc[0], offset+loc[1]) {
					continue
				}

				counts[p.Name]++
			}
		}

		if !more {
			break
		}

		offset += len(line) + 1
		rest = next
	}

	result := &SensitiveResult{}

	for _, p := range s.lib.Sensitive() {
		if n := counts[p.Name]; n > 0 {
			result.Matches = append(result.Matches, Match{
				Name:     p.Name,
				Category: p.Category,
				Severity: p.Severity,
				Count:    n,
			})
		}
	}

	sort.SliceStable(result.Matches, func(i, j int) bool {
		return result.Matches[i].Severity.Rank() > result.Matches[j].Severity.Rank()
	})

	result.Found = len(result.Matches) > 0

	return result, nil
}

// ScanForMalware matches content against the signature catalog and sniffs
// its header for executable formats that the declared file name or MIME
// type does not admit to.
func (s *Scanner) ScanForMalware(ctx context.Context, content []byte, fileName, mimeType string) (*MalwareResult, error) {
	start := time.Now()

	if s.Oversized(int64(len(content))) {
		metrics.RecordScan(ScanMalware, "skipped", time.Since(start))
		return &MalwareResult{Clean: true, Skipped: true}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.MalwareTimeout)
	defer cancel()

	result, err := s.scanMalware(ctx, content, fileName, mimeType)
	if err != nil {
		err = timeoutError(ctx, ScanMalware, err)
		metrics.RecordScan(ScanMalware, outcomeForError(err), time.Since(start))

		return nil, err
	}

	outcome := "clean"
	if !result.Clean {
		outcome = "found"

		log.Warn().
			Str("threat", result.ThreatName).
			Str("threat_type", string(result.ThreatType)).
			Str("file_name", fileName).
			Msg("Malware detected")
	}

	metrics.RecordScan(ScanMalware, outcome, time.Since(start))

	return result, nil
}

func (s *Scanner) scanMalware(ctx context.Context, content []byte, fileName, mimeType string) (*MalwareResult, error) {
	for _, sig := range s.lib.Malware() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if sig.Matches(content) {
			return &MalwareResult{
				ThreatName: sig.Name,
				ThreatType: sig.ThreatType,
				Severity:   sig.Severity,
			}, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if format, ok := sniffExecutable(content); ok && !declaredExecutable(fileName, mimeType) {
		return &MalwareResult{
			ThreatName: "Heuristic.DisguisedExecutable." + format,
			ThreatType: patterns.ThreatDisguisedExecutable,
			Severity:   patterns.SeverityHigh,
		}, nil
	}

	return &MalwareResult{Clean: true}, nil
}

func timeoutError(ctx context.Context, scan string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apierrors.ScanTimeout(scan).Wrap(err)
	}

	return err
}

func outcomeForError(err error) string {
	if errors.Is(err, apierrors.ErrScanTimeout) {
		return "timeout"
	}

	return "error"
}
