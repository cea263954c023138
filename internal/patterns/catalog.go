package patterns

import (
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog is the on-disk form of additional patterns and signatures.
//
//	version: "acme-2026.10"
//	sensitive:
//	  - name: employee_id
//	    category: PII
//	    severity: HIGH
//	    pattern: 'EMP-[0-9]{6}'
//	    context_keywords: [employee]
//	malware:
//	  - name: Acme.Dropper
//	    threat_type: TROJAN
//	    severity: HIGH
//	    hex: "4d5a9000deadbeef"
type Catalog struct {
	Version   string             `yaml:"version"`
	Sensitive []CatalogPattern   `yaml:"sensitive"`
	Malware   []CatalogSignature `yaml:"malware"`
}

// CatalogPattern describes one sensitive-data pattern.
type CatalogPattern struct {
	Name            string   `yaml:"name"`
	Category        string   `yaml:"category"`
	Severity        string   `yaml:"severity"`
	Pattern         string   `yaml:"pattern"`
	Validator       string   `yaml:"validator,omitempty"`
	ContextKeywords []string `yaml:"context_keywords,omitempty"`
	ContextWindow   int      `yaml:"context_window,omitempty"`
}

// CatalogSignature describes one malware signature. Exactly one of Hex or
// Text must be set.
type CatalogSignature struct {
	Name       string `yaml:"name"`
	ThreatType string `yaml:"threat_type"`
	Severity   string `yaml:"severity"`
	Hex        string `yaml:"hex,omitempty"`
	Text       string `yaml:"text,omitempty"`
	Offset     *int   `yaml:"offset,omitempty"`
}

var namedValidators = map[string]func(string) bool{
	"luhn":    luhnCheck,
	"ssn":     validateSSN,
	"iban":    validateIBAN,
	"routing": validateRoutingNumber,
	"random":  looksRandom,
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pattern catalog: %w", err)
	}

	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse pattern catalog: %w", err)
	}

	return &cat, nil
}

// Extend returns a new library containing l's entries plus the catalog's.
// The receiver is left untouched.
func (l *Library) Extend(cat *Catalog) (*Library, error) {
	sensitive := append([]*SensitivePattern(nil), l.sensitive...)
	malware := append([]*MalwareSignature(nil), l.malware...)

	for _, cp := range cat.Sensitive {
		p, err := cp.compile()
		if err != nil {
			return nil, err
		}

		sensitive = append(sensitive, p)
	}

	for _, cs := range cat.Malware {
		s, err := cs.compile()
		if err != nil {
			return nil, err
		}

		malware = append(malware, s)
	}

	version := l.version
	if cat.Version != "" {
		version = l.version + "+" + cat.Version
	}

	return New(version, sensitive, malware)
}

func (cp CatalogPattern) compile() (*SensitivePattern, error) {
	re, err := regexp.Compile(cp.Pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidPattern, cp.Name, err)
	}

	sev, err := ParseSeverity(cp.Severity)
	if err != nil {
		return nil, fmt.Errorf("pattern %s: %w", cp.Name, err)
	}

	p := &SensitivePattern{
		Name:          cp.Name,
		Category:      Category(strings.ToUpper(cp.Category)),
		Severity:      sev,
		Matcher:       re,
		ContextWindow: cp.ContextWindow,
	}

	for _, kw := range cp.ContextKeywords {
		p.ContextKeywords = append(p.ContextKeywords, strings.ToLower(kw))
	}

	if cp.Validator != "" {
		v, ok := namedValidators[cp.Validator]
		if !ok {
			return nil, fmt.Errorf("%w: %s: unknown validator %q", ErrInvalidPattern, cp.Name, cp.Validator)
		}

		p.Validator = v
	}

	return p, nil
}

func (cs CatalogSignature) compile() (*MalwareSignature, error) {
	sev, err := ParseSeverity(cs.Severity)
	if err != nil {
		return nil, fmt.Errorf("signature %s: %w", cs.Name, err)
	}

	var seq []byte

	switch {
	case cs.Hex != "" && cs.Text != "":
		return nil, fmt.Errorf("%w: %s: set hex or text, not both", ErrInvalidPattern, cs.Name)
	case cs.Hex != "":
		seq, err = hex.DecodeString(strings.ReplaceAll(cs.Hex, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidPattern, cs.Name, err)
		}
	default:
		seq = []byte(cs.Text)
	}

	offset := -1
	if cs.Offset != nil {
		offset = *cs.Offset
	}

	return &MalwareSignature{
		Name:       cs.Name,
		ThreatType: ThreatType(strings.ToUpper(cs.ThreatType)),
		Severity:   sev,
		Sequence:   seq,
		Offset:     offset,
	}, nil
}
