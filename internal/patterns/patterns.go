// Package patterns provides the catalog of sensitive-data detectors and
// malware signatures used by the content scanner.
//
// A Library is built once at startup and is read-only afterwards, so it can be
// shared by every session without locking.
package patterns

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Category groups sensitive-data patterns for reporting and policy.
type Category string

const (
	CategoryFinancial   Category = "FINANCIAL"
	CategoryPII         Category = "PII"
	CategoryCredentials Category = "CREDENTIALS"
	CategoryHealth      Category = "HEALTH"
	CategoryContact     Category = "CONTACT"
	CategoryNetwork     Category = "NETWORK"
)

// Severity ranks how damaging a match is.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Rank returns a numeric level for comparisons; unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity parses a case-insensitive severity name.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if sev.Rank() == 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidSeverity, s)
	}

	return sev, nil
}

// defaultContextWindow is how many bytes either side of a match are searched
// for corroborating keywords.
const defaultContextWindow = 48

// SensitivePattern is one sensitive-data detector.
type SensitivePattern struct {
	Matcher   *regexp.Regexp
	Validator func(string) bool
	Name      string
	Category  Category
	Severity  Severity
	// ContextKeywords, when set, makes the pattern low-specificity: a match is
	// only reported when one of the keywords appears within ContextWindow
	// bytes of it.
	ContextKeywords []string
	ContextWindow   int
}

// RequiresContext reports whether matches need corroborating keywords.
func (p *SensitivePattern) RequiresContext() bool {
	return len(p.ContextKeywords) > 0
}

// Corroborated reports whether text[start:end] has a context keyword nearby.
// Patterns without keywords are always corroborated.
func (p *SensitivePattern) Corroborated(text string, start, end int) bool {
	if !p.RequiresContext() {
		return true
	}

	window := p.ContextWindow
	if window <= 0 {
		window = defaultContextWindow
	}

	lo := max(start-window, 0)
	hi := min(end+window, len(text))

	surrounding := strings.ToLower(text[lo:start] + " " + text[end:hi])
	for _, kw := range p.ContextKeywords {
		if strings.Contains(surrounding, kw) {
			return true
		}
	}

	return false
}

// Valid runs the pattern's validator, if any, against a raw match.
func (p *SensitivePattern) Valid(match string) bool {
	return p.Validator == nil || p.Validator(match)
}

// ThreatType classifies a malware signature.
type ThreatType string

const (
	ThreatTestSignature       ThreatType = "TEST_SIGNATURE"
	ThreatTrojan              ThreatType = "TROJAN"
	ThreatRansomware          ThreatType = "RANSOMWARE"
	ThreatCredentialTheft     ThreatType = "CREDENTIAL_THEFT"
	ThreatDisguisedExecutable ThreatType = "DISGUISED_EXECUTABLE"
)

// MalwareSignature is a known byte sequence. Offset -1 matches anywhere.
type MalwareSignature struct {
	Name       string
	ThreatType ThreatType
	Severity   Severity
	Sequence   []byte
	Offset     int
}

// Matches reports whether data contains the signature.
func (s *MalwareSignature) Matches(data []byte) bool {
	if s.Offset < 0 {
		return bytes.Contains(data, s.Sequence)
	}

	end := s.Offset + len(s.Sequence)
	if end > len(data) {
		return false
	}

	return bytes.Equal(data[s.Offset:end], s.Sequence)
}

// Errors returned while building a library.
var (
	ErrInvalidSeverity = errors.New("invalid severity")
	ErrInvalidPattern  = errors.New("invalid pattern")
	ErrDuplicateName   = errors.New("duplicate pattern name")
)

// Library is an immutable catalog of patterns and signatures.
type Library struct {
	version   string
	sensitive []*SensitivePattern
	malware   []*MalwareSignature
}

// New validates and builds a library.
func New(version string, sensitive []*SensitivePattern, malware []*MalwareSignature) (*Library, error) {
	seen := make(map[string]bool, len(sensitive)+len(malware))

	for _, p := range sensitive {
		if p.Matcher == nil || p.Name == "" {
			return nil, fmt.Errorf("%w: %q needs a name and a matcher", ErrInvalidPattern, p.Name)
		}

		if p.Severity.Rank() == 0 {
			return nil, fmt.Errorf("%w: pattern %q has severity %q", ErrInvalidSeverity, p.Name, p.Severity)
		}

		if seen[p.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, p.Name)
		}

		seen[p.Name] = true
	}

	for _, s := range malware {
		if len(s.Sequence) == 0 || s.Name == "" {
			return nil, fmt.Errorf("%w: signature %q needs a name and a byte sequence", ErrInvalidPattern, s.Name)
		}

		if seen[s.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, s.Name)
		}

		seen[s.Name] = true
	}

	return &Library{
		version:   version,
		sensitive: append([]*SensitivePattern(nil), sensitive...),
		malware:   append([]*MalwareSignature(nil), malware...),
	}, nil
}

// Default returns the built-in library.
func Default() *Library {
	lib, err := New(BuiltinVersion, builtinSensitivePatterns(), builtinMalwareSignatures())
	if err != nil {
		panic(fmt.Sprintf("patterns: built-in catalog is invalid: %v", err))
	}

	return lib
}

// Version identifies the catalog revision.
func (l *Library) Version() string { return l.version }

// Sensitive returns the sensitive-data patterns. Callers must not modify them.
func (l *Library) Sensitive() []*SensitivePattern { return l.sensitive }

// Malware returns the malware signatures. Callers must not modify them.
func (l *Library) Malware() []*MalwareSignature { return l.malware }

// Lookup finds a sensitive pattern by name.
func (l *Library) Lookup(name string) (*SensitivePattern, bool) {
	for _, p := range l.sensitive {
		if p.Name == name {
			return p, true
		}
	}

	return nil, false
}
