package audit

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/piwi3910/podshield/internal/store"
)

// TransferType identifies the channel of a transfer.
type TransferType string

const (
	TransferClipboard    TransferType = "CLIPBOARD"
	TransferFileDownload TransferType = "FILE_DOWNLOAD"
	TransferFileUpload   TransferType = "FILE_UPLOAD"
	TransferPrint        TransferType = "PRINT"
	TransferUSB          TransferType = "USB"
)

// Direction is relative to the sandbox: outbound data leaves the session.
type Direction string

const (
	DirectionOutbound Direction = "OUTBOUND"
	DirectionInbound  Direction = "INBOUND"
)

// Decision is the recorded outcome of an evaluation.
type Decision string

const (
	DecisionAllowed          Decision = "ALLOWED"
	DecisionBlocked          Decision = "BLOCKED"
	DecisionLogged           Decision = "LOGGED"
	DecisionQuarantined      Decision = "QUARANTINED"
	DecisionOverrideApproved Decision = "OVERRIDE_APPROVED"
)

// Denied reports whether the decision stops the transfer.
func (d Decision) Denied() bool {
	return d == DecisionBlocked || d == DecisionQuarantined
}

// TransferAttempt is the append-only record of one evaluated action. It
// never holds raw content, only its hash and classification.
type TransferAttempt struct {
	CreatedAt          time.Time    `json:"createdAt"`
	ID                 string       `json:"id"`
	TenantID           string       `json:"tenantId"`
	SessionID          string       `json:"sessionId"`
	UserID             string       `json:"userId"`
	PolicyID           string       `json:"policyId,omitempty"`
	TransferType       TransferType `json:"transferType"`
	Direction          Direction    `json:"direction"`
	FileName           string       `json:"fileName,omitempty"`
	ContentType        string       `json:"contentType,omitempty"`
	ContentHash        string       `json:"contentHash,omitempty"`
	Decision           Decision     `json:"decision"`
	Reason             string       `json:"reason"`
	SensitiveDataTypes []string     `json:"sensitiveDataTypes,omitempty"`
	ContentSize        int64        `json:"contentSize"`
	PolicyVersion      int          `json:"policyVersion,omitempty"`
	ScanSkipped        bool         `json:"scanSkipped,omitempty"`
}

// SecurityViolation accompanies every blocked or quarantined attempt.
type SecurityViolation struct {
	CreatedAt          time.Time    `json:"createdAt"`
	ID                 string       `json:"id"`
	AttemptID          string       `json:"attemptId"`
	TenantID           string       `json:"tenantId"`
	SessionID          string       `json:"sessionId"`
	UserID             string       `json:"userId"`
	TransferType       TransferType `json:"transferType"`
	Decision           Decision     `json:"decision"`
	Reason             string       `json:"reason"`
	Severity           string       `json:"severity"`
	SensitiveDataTypes []string     `json:"sensitiveDataTypes,omitempty"`
}

// Filter selects records for listing. Page is 1-based.
type Filter struct {
	From      time.Time
	To        time.Time
	TenantID  string
	SessionID string
	Page      int
	Limit     int
}

// Normalize clamps paging to sane values.
func (f *Filter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}

	f.Limit = min(f.Limit, 500)
}

func (f *Filter) match(tenantID, sessionID string, at time.Time) bool {
	if f.TenantID != "" && f.TenantID != tenantID {
		return false
	}

	if f.SessionID != "" && f.SessionID != sessionID {
		return false
	}

	if !f.From.IsZero() && at.Before(f.From) {
		return false
	}

	return f.To.IsZero() || !at.After(f.To)
}

// Page is one page of a listing.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// Paginate returns the requested page of items, which are expected newest
// first.
func Paginate[T any](items []T, page, limit int) Page[T] {
	out := Page[T]{Items: []T{}, Total: len(items), Page: page, Limit: limit}

	start := (page - 1) * limit
	if start >= len(items) {
		return out
	}

	out.Items = items[start:min(start+limit, len(items))]

	return out
}

const (
	prefixAttempt   = "attempt"
	prefixViolation = "violation"
)

func attemptKey(a *TransferAttempt) string {
	return store.Key(prefixAttempt, store.TimeKey(a.CreatedAt), a.ID)
}

func violationKey(v *SecurityViolation) string {
	return store.Key(prefixViolation, store.TimeKey(v.CreatedAt), v.ID)
}

// Repository reads recorded attempts and violations.
type Repository struct {
	st *store.Store
}

// NewRepository creates a repository over st.
func NewRepository(st *store.Store) *Repository {
	return &Repository{st: st}
}

// ListAttempts returns matching attempts, newest first.
func (r *Repository) ListAttempts(_ context.Context, f Filter) (Page[*TransferAttempt], error) {
	f.Normalize()

	var items []*TransferAttempt

	err := r.st.Scan(prefixAttempt+":", func(_ string, decode store.Decoder) error {
		var a TransferAttempt
		if err := decode(&a); err != nil {
			return err
		}

		if f.match(a.TenantID, a.SessionID, a.CreatedAt) {
			items = append(items, &a)
		}

		return nil
	})
	if err != nil {
		return Page[*TransferAttempt]{}, err
	}

	slices.Reverse(items)

	return Paginate(items, f.Page, f.Limit), nil
}

// ListViolations returns matching violations, newest first.
func (r *Repository) ListViolations(_ context.Context, f Filter) (Page[*SecurityViolation], error) {
	f.Normalize()

	var items []*SecurityViolation

	err := r.st.Scan(prefixViolation+":", func(_ string, decode store.Decoder) error {
		var v SecurityViolation
		if err := decode(&v); err != nil {
			return err
		}

		if f.match(v.TenantID, v.SessionID, v.CreatedAt) {
			items = append(items, &v)
		}

		return nil
	})
	if err != nil {
		return Page[*SecurityViolation]{}, err
	}

	slices.Reverse(items)

	return Paginate(items, f.Page, f.Limit), nil
}

// severityFor derives a violation severity from the sensitive-data
// categories found. Blocks without sensitive data are MEDIUM.
func severityFor(reason string, categories []string) string {
	switch {
	case strings.EqualFold(reason, "MALWARE_DETECTED"), strings.EqualFold(reason, "SESSION_TERMINATED"):
		return "CRITICAL"
	case slices.Contains(categories, "FINANCIAL"), slices.Contains(categories, "CREDENTIALS"),
		slices.Contains(categories, "HEALTH"), slices.Contains(categories, "PII"):
		return "CRITICAL"
	case len(categories) > 0:
		return "HIGH"
	default:
		return "MEDIUM"
	}
}
