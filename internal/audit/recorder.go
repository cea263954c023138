package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/podshield/internal/metrics"
	"github.com/piwi3910/podshield/internal/store"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

// Writer persists an attempt and its optional violation as one unit.
type Writer interface {
	WriteRecord(ctx context.Context, attempt *TransferAttempt, violation *SecurityViolation) error
}

// StoreWriter writes records in a single store transaction. Writes are
// idempotent per record id so a replayed record is not duplicated.
type StoreWriter struct {
	st *store.Store
}

// NewStoreWriter creates a Writer over st.
func NewStoreWriter(st *store.Store) *StoreWriter {
	return &StoreWriter{st: st}
}

// WriteRecord implements Writer.
func (w *StoreWriter) WriteRecord(_ context.Context, attempt *TransferAttempt, violation *SecurityViolation) error {
	return w.st.Update(func(tx *store.Tx) error {
		if _, err := tx.PutIfAbsent(attemptKey(attempt), attempt); err != nil {
			return err
		}

		if violation != nil {
			if _, err := tx.PutIfAbsent(violationKey(violation), violation); err != nil {
				return err
			}
		}

		return nil
	})
}

// RecorderConfig configures the decision recorder.
type RecorderConfig struct {
	// SpoolPath is the JSONL file holding records that could not be written
	// after all retries.
	SpoolPath      string
	MaxRetries     int
	RetryDelay     time.Duration
	ReplayInterval time.Duration
}

// DefaultRecorderConfig returns the default recorder configuration.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		MaxRetries:     3,
		RetryDelay:     50 * time.Millisecond,
		ReplayInterval: 30 * time.Second,
	}
}

type spoolRecord struct {
	Attempt   *TransferAttempt   `json:"attempt"`
	Violation *SecurityViolation `json:"violation,omitempty"`
}

// Recorder persists transfer decisions. A blocked or quarantined attempt is
// always written together with exactly one violation. Failed writes are
// retried with exponential backoff, then spooled to disk and replayed in the
// background; a record is never dropped without an error being returned.
type Recorder struct {
	writer  Writer
	cancel  context.CancelFunc
	cfg     RecorderConfig
	wg      sync.WaitGroup
	spooled int
	mu      sync.Mutex
}

// NewRecorder creates a recorder. Records left in the spool by a previous
// run are counted and replayed once Start is called.
func NewRecorder(writer Writer, cfg RecorderConfig) (*Recorder, error) {
	def := DefaultRecorderConfig()

	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}

	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}

	if cfg.ReplayInterval <= 0 {
		cfg.ReplayInterval = def.ReplayInterval
	}

	r := &Recorder{writer: writer, cfg: cfg}

	if cfg.SpoolPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.SpoolPath), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create spool directory: %w", err)
		}

		pending, err := r.readSpool()
		if err != nil {
			return nil, err
		}

		r.spooled = len(pending)
		metrics.SetAuditSpooled(r.spooled)
	}

	return r, nil
}

// NewViolation builds the violation for a denied attempt.
func NewViolation(a *TransferAttempt) *SecurityViolation {
	return &SecurityViolation{
		ID:                 uuid.New().String(),
		AttemptID:          a.ID,
		TenantID:           a.TenantID,
		SessionID:          a.SessionID,
		UserID:             a.UserID,
		TransferType:       a.TransferType,
		Decision:           a.Decision,
		Reason:             a.Reason,
		Severity:           severityFor(a.Reason, a.SensitiveDataTypes),
		SensitiveDataTypes: a.SensitiveDataTypes,
		CreatedAt:          a.CreatedAt,
	}
}

// Record persists attempt, plus a violation when the decision is denied.
// It returns the violation, if any.
func (r *Recorder) Record(ctx context.Context, attempt *TransferAttempt) (*SecurityViolation, error) {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}

	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}

	var violation *SecurityViolation
	if attempt.Decision.Denied() {
		violation = NewViolation(attempt)
	}

	err := r.writeWithRetry(ctx, attempt, violation)
	if err == nil {
		return violation, nil
	}

	log.Error().
		Err(err).
		Str("attempt_id", attempt.ID).
		Str("session_id", attempt.SessionID).
		Msg("Audit write failed after retries, spooling record")

	if spoolErr := r.spool(&spoolRecord{Attempt: attempt, Violation: violation}); spoolErr != nil {
		return violation, apierrors.Transient("audit", errors.Join(err, spoolErr))
	}

	return violation, nil
}

func (r *Recorder) writeWithRetry(ctx context.Context, attempt *TransferAttempt, violation *SecurityViolation) error {
	var err error

	for i := 0; ; i++ {
		err = r.writer.WriteRecord(ctx, attempt, violation)
		if err == nil || i >= r.cfg.MaxRetries {
			return err
		}

		metrics.RecordAuditRetry()

		delay := r.cfg.RetryDelay * time.Duration(1<<i)

		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
	}
}

func (r *Recorder) spool(rec *spoolRecord) error {
	if r.cfg.SpoolPath == "" {
		return errors.New("no audit spool configured")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal spool record: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.cfg.SpoolPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit spool: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit spool: %w", err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit spool: %w", err)
	}

	r.spooled++
	metrics.SetAuditSpooled(r.spooled)

	return nil
}

// readSpool must be called with r.mu held or before the recorder is shared.
func (r *Recorder) readSpool() ([]*spoolRecord, error) {
	f, err := os.Open(r.cfg.SpoolPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open audit spool: %w", err)
	}
	defer f.Close()

	var out []*spoolRecord

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)

	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}

		var rec spoolRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil || rec.Attempt == nil {
			log.Warn().Err(err).Msg("Skipping corrupt audit spool line")
			continue
		}

		out = append(out, &rec)
	}

	return out, sc.Err()
}

// Pending returns the number of spooled records awaiting replay.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.spooled
}

// Replay writes spooled records to the store and keeps the ones that still
// fail. It returns the number of records written.
func (r *Recorder) Replay(ctx context.Context) (int, error) {
	if r.cfg.SpoolPath == "" {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pending, err := r.readSpool()
	if err != nil || len(pending) == 0 {
		return 0, err
	}

	var remaining []*spoolRecord

	for _, rec := range pending {
		if ctx.Err() != nil || r.writer.WriteRecord(ctx, rec.Attempt, rec.Violation) != nil {
			remaining = append(remaining, rec)
		}
	}

	if err := r.rewriteSpool(remaining); err != nil {
		return 0, err
	}

	written := len(pending) - len(remaining)
	r.spooled = len(remaining)
	metrics.SetAuditSpooled(r.spooled)

	if written > 0 {
		log.Info().Int("written", written).Int("remaining", len(remaining)).Msg("Replayed audit spool")
	}

	return written, nil
}

func (r *Recorder) rewriteSpool(records []*spoolRecord) error {
	if len(records) == 0 {
		if err := os.Remove(r.cfg.SpoolPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove audit spool: %w", err)
		}

		return nil
	}

	tmp := r.cfg.SpoolPath + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create audit spool: %w", err)
	}

	enc := json.NewEncoder(f)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to write audit spool: %w", err)
		}
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close audit spool: %w", err)
	}

	return os.Rename(tmp, r.cfg.SpoolPath)
}

// Start replays the spool periodically until Stop is called.
func (r *Recorder) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.cfg.ReplayInterval)
		defer ticker.Stop()

		for {
			if _, err := r.Replay(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to replay audit spool")
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends background replay.
func (r *Recorder) Stop() {
	if r.cancel != nil {
		r.cancel()
	}

	r.wg.Wait()
}
