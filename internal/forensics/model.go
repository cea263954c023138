// Package forensics screens suspect assets for invisible watermarks, records
// a WatermarkDetection per positive result and drives the human review of
// each detection through its investigation lifecycle.
package forensics

import (
	"strings"
	"time"

	"github.com/piwi3910/podshield/internal/watermark"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

// SourceType says how a suspect asset reached the detector.
type SourceType string

const (
	SourceUpload SourceType = "UPLOAD"
	SourceURL    SourceType = "URL"
	SourceCrawl  SourceType = "CRAWL"
)

// Status is the investigation status of a detection.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusInProgress    Status = "IN_PROGRESS"
	StatusConfirmedLeak Status = "CONFIRMED_LEAK"
	StatusFalsePositive Status = "FALSE_POSITIVE"
	StatusInconclusive  Status = "INCONCLUSIVE"
	StatusResolved      Status = "RESOLVED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusInProgress,
	StatusConfirmedLeak, StatusFalsePositive, StatusInconclusive,
	StatusResolved,
}

var transitions = map[Status][]Status{
	StatusPending:       {StatusInProgress, StatusConfirmedLeak, StatusFalsePositive, StatusInconclusive},
	StatusInProgress:    {StatusConfirmedLeak, StatusFalsePositive, StatusInconclusive},
	StatusConfirmedLeak: {StatusResolved},
	StatusFalsePositive: {StatusResolved},
	StatusInconclusive:  {StatusResolved},
}

// ParseStatus parses a status name case-insensitively.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Statuses {
		if st == known {
			return st, nil
		}
	}

	return "", apierrors.Validation("unknown investigation status %q", s)
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// Verdict reports whether s is a reviewer verdict.
func (s Status) Verdict() bool {
	return s == StatusConfirmedLeak || s == StatusFalsePositive || s == StatusInconclusive
}

// Note is a reviewer annotation.
type Note struct {
	At     time.Time `json:"at"`
	Author string    `json:"author,omitempty"`
	Text   string    `json:"text"`
}

// EvidenceRef points at an archived evidence blob. The blob itself is not
// part of the detection record.
type EvidenceRef struct {
	AddedAt        time.Time `json:"addedAt"`
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	ContentType    string    `json:"contentType,omitempty"`
	SHA256         string    `json:"sha256"`
	Location       string    `json:"location"`
	RemoteLocation string    `json:"remoteLocation,omitempty"`
	Size           int64     `json:"size"`
}

// Detection is a screened asset that carried a watermark.
type Detection struct {
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	EmbeddedAt time.Time  `json:"embeddedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`

	ID         string     `json:"id"`
	TenantID   string     `json:"tenantId"`
	SessionID  string     `json:"sessionId,omitempty"`
	UserID     string     `json:"userId,omitempty"`
	UserEmail  string     `json:"userEmail,omitempty"`
	SessionTag string     `json:"sessionTag"`
	SourceType SourceType `json:"sourceType"`
	SourceURL  string     `json:"sourceUrl,omitempty"`
	Reporter   string     `json:"reporter,omitempty"`
	// ContentHash is the SHA-256 of the screened asset.
	ContentHash string           `json:"contentHash"`
	Method      watermark.Method `json:"method"`
	Status      Status           `json:"status"`
	// Verdict keeps the reviewer verdict once the detection is resolved.
	Verdict     Status `json:"verdict,omitempty"`
	KillEventID string `json:"killEventId,omitempty"`

	Notes    []Note        `json:"notes,omitempty"`
	Evidence []EvidenceRef `json:"evidence,omitempty"`

	Confidence float64 `json:"confidence"`
	Copies     int     `json:"copies"`
	Detected   bool    `json:"detected"`
}

// Filter selects detections.
type Filter struct {
	From       time.Time
	To         time.Time
	TenantID   string
	SessionID  string
	Status     Status
	SourceType SourceType
	Page       int
	Limit      int
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

func (f *Filter) matches(d *Detection) bool {
	switch {
	case f.TenantID != "" && d.TenantID != f.TenantID:
		return false
	case f.SessionID != "" && d.SessionID != f.SessionID:
		return false
	case f.Status != "" && d.Status != f.Status:
		return false
	case f.SourceType != "" && d.SourceType != f.SourceType:
		return false
	case !f.From.IsZero() && d.CreatedAt.Before(f.From):
		return false
	case !f.To.IsZero() && d.CreatedAt.After(f.To):
		return false
	}

	return true
}

// Stats summarizes a tenant's detections.
type Stats struct {
	ByStatus           map[Status]int     `json:"byStatus"`
	BySourceType       map[SourceType]int `json:"bySourceType"`
	TenantID           string             `json:"tenantId"`
	Total              int                `json:"total"`
	Open               int                `json:"open"`
	ConfirmedLeaks     int                `json:"confirmedLeaks"`
	SessionsImplicated int                `json:"sessionsImplicated"`
	AverageConfidence  float64            `json:"averageConfidence"`
}
