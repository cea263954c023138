// Package policy provides the security-policy model for sandboxed sessions and
// the Policy Store that resolves the policy governing a session.
//
// Policies are a closed set of enum-valued rules per channel (clipboard, file
// transfer, print, USB, screen capture) plus shape constraints and scan
// settings. Resolution is cached per session with a short TTL; administrative
// updates invalidate cached entries through the shared bus.
package policy

import (
	"path"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/piwi3910/podshield/internal/patterns"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

// ClipboardRule governs clipboard copy (outbound) and paste (inbound).
type ClipboardRule string

const (
	ClipboardBlocked          ClipboardRule = "BLOCKED"
	ClipboardReadOnly         ClipboardRule = "READ_ONLY"
	ClipboardWriteOnly        ClipboardRule = "WRITE_ONLY"
	ClipboardBidirectional    ClipboardRule = "BIDIRECTIONAL"
	ClipboardApprovalRequired ClipboardRule = "APPROVAL_REQUIRED"
)

// FileTransferRule governs file downloads and uploads.
type FileTransferRule string

const (
	FileBlocked          FileTransferRule = "BLOCKED"
	FileAllowed          FileTransferRule = "ALLOWED"
	FileApprovalRequired FileTransferRule = "APPROVAL_REQUIRED"
	FileLoggedOnly       FileTransferRule = "LOGGED_ONLY"
)

// PrintRule governs printing.
type PrintRule string

const (
	PrintBlocked          PrintRule = "BLOCKED"
	PrintLocalOnly        PrintRule = "LOCAL_ONLY"
	PrintPDFOnly          PrintRule = "PDF_ONLY"
	PrintAllowed          PrintRule = "ALLOWED"
	PrintApprovalRequired PrintRule = "APPROVAL_REQUIRED"
)

// USBRule governs USB device access.
type USBRule string

const (
	USBBlocked        USBRule = "BLOCKED"
	USBStorageBlocked USBRule = "STORAGE_BLOCKED"
	USBWhitelistOnly  USBRule = "WHITELIST_ONLY"
	USBAllowed        USBRule = "ALLOWED"
)

// FailMode decides the outcome when a scan cannot complete.
type FailMode string

const (
	FailOpen   FailMode = "FAIL_OPEN"
	FailClosed FailMode = "FAIL_CLOSED"
)

// FileConstraints are the shape rules applied to file transfers.
type FileConstraints struct {
	// MaxFileSize in bytes; zero means unlimited. A file of exactly
	// MaxFileSize bytes is allowed.
	MaxFileSize       int64    `json:"maxFileSize,omitempty"`
	AllowedExtensions []string `json:"allowedExtensions,omitempty"`
	BlockedExtensions []string `json:"blockedExtensions,omitempty"`
	AllowedMimeTypes  []string `json:"allowedMimeTypes,omitempty"`
}

// ScanSettings control content inspection for the tenant.
type ScanSettings struct {
	SensitiveDataScan bool `json:"sensitiveDataScan"`
	MalwareScan       bool `json:"malwareScan"`
	// SensitiveTimeoutMode applies when the sensitive-data scan times out.
	SensitiveTimeoutMode FailMode `json:"sensitiveTimeoutMode,omitempty"`
	// MalwareTimeoutMode applies when the malware scan times out for files
	// whose risk is below MalwareFailClosedRisk; riskier files always fail
	// closed.
	MalwareTimeoutMode    FailMode          `json:"malwareTimeoutMode,omitempty"`
	MalwareFailClosedRisk patterns.Severity `json:"malwareFailClosedRisk,omitempty"`
	// AllowUnscannedContent admits content above the scanner's size ceiling.
	AllowUnscannedContent bool `json:"allowUnscannedContent"`
}

// SecurityPolicy is the complete rule set for a tenant or session.
type SecurityPolicy struct {
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
	ID                 string           `json:"id"`
	TenantID           string           `json:"tenantId"`
	Name               string           `json:"name"`
	ClipboardPolicy    ClipboardRule    `json:"clipboardPolicy"`
	FileDownloadPolicy FileTransferRule `json:"fileDownloadPolicy"`
	FileUploadPolicy   FileTransferRule `json:"fileUploadPolicy"`
	PrintPolicy        PrintRule        `json:"printPolicy"`
	USBPolicy          USBRule          `json:"usbPolicy"`
	// USBWhitelist holds "vendorId:productId" pairs, lower-case hex.
	USBWhitelist         []string        `json:"usbWhitelist,omitempty"`
	FileRules            FileConstraints `json:"fileRules"`
	MaxClipboardBytes    int64           `json:"maxClipboardBytes,omitempty"`
	Scanning             ScanSettings    `json:"scanning"`
	Version              int             `json:"version"`
	ScreenCaptureBlocked bool            `json:"screenCaptureBlocked"`
	KeystrokeLogging     bool            `json:"keystrokeLogging"`
}

// ApplyDefaults fills unset enum fields with the most restrictive choice
// that still lets a session work.
func (p *SecurityPolicy) ApplyDefaults() {
	if p.Scanning.SensitiveTimeoutMode == "" {
		p.Scanning.SensitiveTimeoutMode = FailClosed
	}

	if p.Scanning.MalwareTimeoutMode == "" {
		p.Scanning.MalwareTimeoutMode = FailOpen
	}

	if p.Scanning.MalwareFailClosedRisk == "" {
		p.Scanning.MalwareFailClosedRisk = patterns.SeverityHigh
	}

	for i, ext := range p.FileRules.AllowedExtensions {
		p.FileRules.AllowedExtensions[i] = normalizeExt(ext)
	}

	for i, ext := range p.FileRules.BlockedExtensions {
		p.FileRules.BlockedExtensions[i] = normalizeExt(ext)
	}

	for i, id := range p.USBWhitelist {
		p.USBWhitelist[i] = strings.ToLower(strings.TrimSpace(id))
	}
}

// Validate rejects unknown enum values and negative limits.
func (p *SecurityPolicy) Validate() error {
	if p.TenantID == "" {
		return apierrors.Validation("policy tenantId is required")
	}

	switch p.ClipboardPolicy {
	case ClipboardBlocked, ClipboardReadOnly, ClipboardWriteOnly, ClipboardBidirectional, ClipboardApprovalRequired:
	default:
		return apierrors.Validation("invalid clipboardPolicy %q", p.ClipboardPolicy)
	}

	for name, rule := range map[string]FileTransferRule{
		"fileDownloadPolicy": p.FileDownloadPolicy,
		"fileUploadPolicy":   p.FileUploadPolicy,
	} {
		switch rule {
		case FileBlocked, FileAllowed, FileApprovalRequired, FileLoggedOnly:
		default:
			return apierrors.Validation("invalid %s %q", name, rule)
		}
	}

	switch p.PrintPolicy {
	case PrintBlocked, PrintLocalOnly, PrintPDFOnly, PrintAllowed, PrintApprovalRequired:
	default:
		return apierrors.Validation("invalid printPolicy %q", p.PrintPolicy)
	}

	switch p.USBPolicy {
	case USBBlocked, USBStorageBlocked, USBWhitelistOnly, USBAllowed:
	default:
		return apierrors.Validation("invalid usbPolicy %q", p.USBPolicy)
	}

	for _, mode := range []FailMode{p.Scanning.SensitiveTimeoutMode, p.Scanning.MalwareTimeoutMode} {
		if mode != "" && mode != FailOpen && mode != FailClosed {
			return apierrors.Validation("invalid timeout mode %q", mode)
		}
	}

	if r := p.Scanning.MalwareFailClosedRisk; r != "" && r.Rank() == 0 {
		return apierrors.Validation("invalid malwareFailClosedRisk %q", r)
	}

	if p.FileRules.MaxFileSize < 0 || p.MaxClipboardBytes < 0 {
		return apierrors.Validation("size limits must not be negative")
	}

	return nil
}

// Clone returns a deep copy so callers can hold a snapshot that later
// updates cannot change.
func (p *SecurityPolicy) Clone() *SecurityPolicy {
	c := *p
	c.USBWhitelist = slices.Clone(p.USBWhitelist)
	c.FileRules.AllowedExtensions = slices.Clone(p.FileRules.AllowedExtensions)
	c.FileRules.BlockedExtensions = slices.Clone(p.FileRules.BlockedExtensions)
	c.FileRules.AllowedMimeTypes = slices.Clone(p.FileRules.AllowedMimeTypes)

	return &c
}

// USBWhitelisted reports whether a vendor/product pair is whitelisted.
func (p *SecurityPolicy) USBWhitelisted(vendorID, productID string) bool {
	id := strings.ToLower(vendorID + ":" + productID)

	return slices.Contains(p.USBWhitelist, id)
}

// Diff lists the JSON names of rule fields that differ between two policies.
// Bookkeeping fields (timestamps, version) are ignored.
func Diff(old, updated *SecurityPolicy) []string {
	ignored := map[string]bool{"createdAt": true, "updatedAt": true, "version": true, "id": true}

	ov := reflect.ValueOf(*old)
	nv := reflect.ValueOf(*updated)
	t := ov.Type()

	var changes []string

	for i := range t.NumField() {
		name := strings.Split(t.Field(i).Tag.Get("json"), ",")[0]
		if ignored[name] {
			continue
		}

		if !fieldEqual(ov.Field(i), nv.Field(i)) {
			changes = append(changes, name)
		}
	}

	slices.Sort(changes)

	return changes
}

// fieldEqual treats nil and empty slices as equal so JSON round trips do
// not show up as changes.
func fieldEqual(a, b reflect.Value) bool {
	if a.Kind() == reflect.Slice && a.Len() == 0 && b.Len() == 0 {
		return true
	}

	if a.Kind() == reflect.Struct {
		for i := range a.NumField() {
			if !fieldEqual(a.Field(i), b.Field(i)) {
				return false
			}
		}

		return true
	}

	return reflect.DeepEqual(a.Interface(), b.Interface())
}

// Extension returns the normalized extension of fileName (".pdf").
func Extension(fileName string) string {
	return normalizeExt(path.Ext(strings.ReplaceAll(fileName, "\\", "/")))
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	return ext
}
