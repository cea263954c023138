package forensics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/podshield/internal/audit"
	"github.com/piwi3910/podshield/internal/events"
	"github.com/piwi3910/podshield/internal/httputil"
	"github.com/piwi3910/podshield/internal/killswitch"
	"github.com/piwi3910/podshield/internal/metrics"
	"github.com/piwi3910/podshield/internal/watermark"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

// Detector recovers an invisible payload from an image.
type Detector interface {
	Detect(img image.Image) *watermark.DetectResult
}

// TagResolver maps a recovered payload to the session it was issued for.
type TagResolver interface {
	Resolve(ctx context.Context, p *watermark.Payload) (*watermark.TagRecord, error)
}

// KillSwitch suspends a session.
type KillSwitch interface {
	Activate(ctx context.Context, req killswitch.Request) (*killswitch.KillEvent, bool, error)
}

// Config bounds remote fetches and bulk scans.
type Config struct {
	FetchTimeout  time.Duration
	MaxFetchBytes int64
	BulkWorkers   int
	MaxBulkURLs   int
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		FetchTimeout:  15 * time.Second,
		MaxFetchBytes: 25 << 20,
		BulkWorkers:   8,
		MaxBulkURLs:   100,
	}
}

// Source describes where a screened asset came from.
type Source struct {
	Type     SourceType `json:"sourceType"`
	URL      string     `json:"url,omitempty"`
	Reporter string     `json:"reporter,omitempty"`
	// TenantID is the requesting tenant; it scopes detections whose tag
	// does not resolve to a known session.
	TenantID string `json:"tenantId,omitempty"`
}

// Result is the outcome of screening one asset.
type Result struct {
	Detection  *Detection       `json:"detection,omitempty"`
	EmbeddedAt *time.Time       `json:"embeddedAt,omitempty"`
	URL        string           `json:"url,omitempty"`
	SessionID  string           `json:"sessionId,omitempty"`
	TenantID   string           `json:"tenantId,omitempty"`
	UserID     string           `json:"userId,omitempty"`
	Method     watermark.Method `json:"method,omitempty"`
	Error      string           `json:"error,omitempty"`
	Confidence float64          `json:"confidence"`
	Detected   bool             `json:"detected"`
}

// Investigator is the forensic front end.
type Investigator struct {
	detector Detector
	tags     TagResolver
	repo     *Repository
	evidence *EvidenceArchive
	kill     KillSwitch
	bus      events.Bus
	client   *http.Client
	locks    *detectionLocks
	cfg      Config
}

// NewInvestigator wires the forensic front end. bus and evidence may be nil.
func NewInvestigator(detector Detector, tags TagResolver, repo *Repository, evidence *EvidenceArchive,
	kill KillSwitch, bus events.Bus, cfg Config,
) *Investigator {
	def := DefaultConfig()

	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}

	if cfg.MaxFetchBytes <= 0 {
		cfg.MaxFetchBytes = def.MaxFetchBytes
	}

	if cfg.BulkWorkers <= 0 {
		cfg.BulkWorkers = def.BulkWorkers
	}

	if cfg.MaxBulkURLs <= 0 {
		cfg.MaxBulkURLs = def.MaxBulkURLs
	}

	return &Investigator{
		detector: detector,
		tags:     tags,
		repo:     repo,
		evidence: evidence,
		kill:     kill,
		bus:      bus,
		client:   httputil.NewClientWithTimeout(cfg.FetchTimeout),
		locks:    newDetectionLocks(),
		cfg:      cfg,
	}
}

// Detect screens an encoded image. A positive result is recorded as a
// PENDING detection; negative results are not persisted.
func (i *Investigator) Detect(ctx context.Context, data []byte, src Source) (*Result, error) {
	if src.Type == "" {
		src.Type = SourceUpload
	}

	img, _, err := watermark.DecodeImage(data)
	if err != nil {
		metrics.RecordForensicScan(string(src.Type), "error")
		return nil, err
	}

	res := i.detector.Detect(img)

	out := &Result{URL: src.URL, Detected: res.Detected, Confidence: res.Confidence}
	if !res.Detected {
		metrics.RecordForensicScan(string(src.Type), "clean")
		return out, nil
	}

	sum := sha256.Sum256(data)
	now := time.Now().UTC()

	d := &Detection{
		CreatedAt:   now,
		UpdatedAt:   now,
		EmbeddedAt:  res.Payload.Timestamp,
		ID:          uuid.New().String(),
		TenantID:    src.TenantID,
		SessionTag:  res.Payload.SessionRef(),
		SourceType:  src.Type,
		SourceURL:   src.URL,
		Reporter:    src.Reporter,
		ContentHash: hex.EncodeToString(sum[:]),
		Method:      res.Method,
		Status:      StatusPending,
		Confidence:  res.Confidence,
		Copies:      res.Copies,
		Detected:    true,
	}

	rec, err := i.tags.Resolve(ctx, res.Payload)

	switch {
	case err == nil:
		d.TenantID = rec.TenantID
		d.SessionID = rec.SessionID
		d.UserID = rec.UserID
		d.UserEmail = rec.UserEmail
	case errors.Is(err, apierrors.ErrNotFound):
		log.Warn().
			Str("session_tag", d.SessionTag).
			Str("source_url", src.URL).
			Msg("Watermark payload does not match a known session")
	default:
		return nil, err
	}

	if err := i.repo.Put(ctx, d); err != nil {
		return nil, err
	}

	metrics.RecordForensicScan(string(src.Type), "detected")

	log.Warn().
		Str("detection_id", d.ID).
		Str("tenant_id", d.TenantID).
		Str("session_id", d.SessionID).
		Str("source_type", string(d.SourceType)).
		Float64("confidence", d.Confidence).
		Msg("Watermark detected in suspect asset")

	embedded := d.EmbeddedAt

	out.Detection = d
	out.EmbeddedAt = &embedded
	out.SessionID = d.SessionID
	out.TenantID = d.TenantID
	out.UserID = d.UserID
	out.Method = d.Method

	return out, nil
}

// ScanURL fetches a remote asset and screens it.
func (i *Investigator) ScanURL(ctx context.Context, rawURL string, src Source) (*Result, error) {
	src.URL = strings.TrimSpace(rawURL)
	if src.Type == "" {
		src.Type = SourceURL
	}

	asset, err := httputil.Fetch(ctx, i.client, src.URL, i.cfg.MaxFetchBytes)
	if err != nil {
		metrics.RecordForensicScan(string(src.Type), "error")

		var status *httputil.StatusError
		if errors.As(err, &status) || errors.Is(err, httputil.ErrUnsupportedScheme) ||
			errors.Is(err, httputil.ErrBodyTooLarge) {
			return nil, apierrors.Validation("cannot scan %s: %s", src.URL, err.Error())
		}

		return nil, apierrors.Transient("asset fetch", err)
	}

	return i.Detect(ctx, asset.Body, src)
}

// BulkScan screens many URLs on a fixed worker pool. Results keep the input
// order; a failing URL only sets the Error of its own result.
func (i *Investigator) BulkScan(ctx context.Context, urls []string, src Source) ([]*Result, error) {
	if len(urls) == 0 {
		return nil, apierrors.Validation("at least one url is required")
	}

	if len(urls) > i.cfg.MaxBulkURLs {
		return nil, apierrors.Validation("at most %d urls per bulk scan", i.cfg.MaxBulkURLs)
	}

	results := make([]*Result, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.cfg.BulkWorkers)

	for idx, u := range urls {
		g.Go(func() error {
			res, err := i.ScanURL(gctx, u, src)
			if err != nil {
				log.Debug().Err(err).Str("url", u).Msg("Bulk scan entry failed")

				res = &Result{URL: u, Error: err.Error()}
			}

			results[idx] = res

			return nil
		})
	}

	_ = g.Wait()

	detected := 0

	for _, r := range results {
		if r.Detected {
			detected++
		}
	}

	log.Info().
		Int("urls", len(urls)).
		Int("detected", detected).
		Msg("Bulk scan finished")

	return results, nil
}

// Get returns a detection.
func (i *Investigator) Get(ctx context.Context, id string) (*Detection, error) {
	return i.repo.Get(ctx, id)
}

// List returns detections matching f.
func (i *Investigator) List(ctx context.Context, f Filter) (audit.Page[*Detection], error) {
	return i.repo.List(ctx, f)
}

// Stats returns a tenant's detection statistics.
func (i *Investigator) Stats(ctx context.Context, tenantID string) (*Stats, error) {
	return i.repo.Stats(ctx, tenantID)
}

// Update is a reviewer change to a detection. Empty Status keeps the
// current status and only annotates.
type Update struct {
	Status   Status     `json:"status,omitempty"`
	Notes    string     `json:"notes,omitempty"`
	Author   string     `json:"author,omitempty"`
	Evidence []Evidence `json:"evidence,omitempty"`
}

// UpdateInvestigation applies a reviewer update. Status changes must follow
// the investigation lifecycle; a RESOLVED detection only takes notes and
// evidence. Confirming a leak kills the implicated session and notifies its
// tenant before the new status is stored. Updates of one detection are
// serialized; other detections proceed independently.
func (i *Investigator) UpdateInvestigation(ctx context.Context, id string, u Update) (*Detection, error) {
	unlock := i.locks.lock(id)
	defer unlock()

	current, err := i.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	transition := u.Status != "" && u.Status != current.Status
	if transition && !CanTransition(current.Status, u.Status) {
		return nil, apierrors.Conflict("cannot move detection %s from %s to %s", id, current.Status, u.Status)
	}

	if !transition && strings.TrimSpace(u.Notes) == "" && len(u.Evidence) == 0 {
		return current, nil
	}

	var killEventID string

	if transition && u.Status == StatusConfirmedLeak {
		killEventID, err = i.confirmLeak(ctx, current)
		if err != nil {
			return nil, err
		}
	}

	var refs []EvidenceRef

	for _, ev := range u.Evidence {
		if i.evidence == nil {
			return nil, apierrors.Validation("evidence archive is not configured")
		}

		ref, err := i.evidence.Put(ctx, id, ev)
		if err != nil {
			return nil, err
		}

		refs = append(refs, *ref)
	}

	updated, err := i.repo.Update(ctx, id, func(d *Detection) error {
		now := time.Now().UTC()

		if transition {
			if d.Status != current.Status {
				return apierrors.Conflict("detection %s changed concurrently", id)
			}

			if u.Status == StatusResolved {
				d.Verdict = d.Status
				d.ResolvedAt = &now
			}

			d.Status = u.Status
		}

		if killEventID != "" {
			d.KillEventID = killEventID
		}

		if note := strings.TrimSpace(u.Notes); note != "" {
			d.Notes = append(d.Notes, Note{At: now, Author: u.Author, Text: note})
		}

		d.Evidence = append(d.Evidence, refs...)
		d.UpdatedAt = now

		return nil
	})
	if err != nil {
		return nil, err
	}

	if transition {
		metrics.RecordInvestigationTransition(string(current.Status), string(u.Status))

		log.Info().
			Str("detection_id", id).
			Str("from", string(current.Status)).
			Str("to", string(u.Status)).
			Str("author", u.Author).
			Msg("Investigation status changed")
	}

	return updated, nil
}

func (i *Investigator) confirmLeak(ctx context.Context, d *Detection) (string, error) {
	var killEventID string

	if d.SessionID != "" {
		event, _, err := i.kill.Activate(ctx, killswitch.Request{
			SessionID:   d.SessionID,
			Reason:      fmt.Sprintf("confirmed leak (detection %s)", d.ID),
			Trigger:     killswitch.TriggerConfirmedLeak,
			DetectionID: d.ID,
		})
		if err != nil && !errors.Is(err, apierrors.ErrNotFound) {
			return "", err
		}

		if event != nil {
			killEventID = event.ID
		}
	}

	if i.bus != nil && d.TenantID != "" {
		_ = events.Publish(ctx, i.bus, events.TopicTenantNotifications, d.TenantID, d.SessionID, events.TenantNotification{
			TenantID:    d.TenantID,
			Kind:        "LEAK_CONFIRMED",
			Subject:     "Confirmed data leak",
			Message:     fmt.Sprintf("A leaked asset was traced to session %s (user %s).", d.SessionID, d.UserEmail),
			SessionID:   d.SessionID,
			DetectionID: d.ID,
		})
	}

	return killEventID, nil
}
