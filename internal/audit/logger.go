// Package audit records what happened inside contractor sessions.
//
// Two trails are kept:
//   - the decision trail: one TransferAttempt per evaluated transfer and one
//     SecurityViolation per blocked or quarantined attempt, written atomically
//     by the Recorder
//   - the event trail: screen captures, client activity, keystroke-logging
//     batches, kill-switch activations and investigation changes, written by
//     the AuditLogger
//
// Neither trail stores raw content.
//
// Example event:
//
//	{"timestamp": "2026-10-15T10:30:00Z", "event_type": "session:ScreenCapture",
//	 "tenant_id": "t1", "session_id": "s1", "action": "PrintScreen", "result": "blocked"}
package audit

import (
	"context"
	"encoding/json"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/podshield/internal/store"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Session events reported by the client.
	EventScreenCapture EventType = "session:ScreenCapture"
	EventActivity      EventType = "session:Activity"
	EventKeystrokes    EventType = "session:Keystrokes"
	EventConnected     EventType = "session:Connected"
	EventDisconnected  EventType = "session:Disconnected"

	// Enforcement events.
	EventKillSwitch          EventType = "enforcement:KillSwitch"
	EventInvestigationUpdate EventType = "forensics:InvestigationUpdated"
	EventPolicyChanged       EventType = "admin:PolicyChanged"
)

// Result represents the outcome of an audited action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultBlocked Result = "blocked"
	ResultLogged  Result = "logged"
	ResultFailure Result = "failure"
)

// AuditEvent represents a single audit log entry.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Extra     map[string]string `json:"extra,omitempty"`
	ID        string            `json:"id"`
	EventType EventType         `json:"event_type"`
	TenantID  string            `json:"tenant_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	Action    string            `json:"action"`
	Result    Result            `json:"result"`
	SourceIP  string            `json:"source_ip,omitempty"`
}

// AuditFilter contains filter criteria for listing audit events.
type AuditFilter struct {
	StartTime  time.Time
	EndTime    time.Time
	TenantID   string
	SessionID  string
	EventTypes []EventType
	MaxResults int
}

// AuditStore is the interface for storing and retrieving audit events.
type AuditStore interface {
	StoreAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]*AuditEvent, error)
}

const prefixEvent = "auditevent"

// BadgerEventStore keeps audit events in the key-value store.
type BadgerEventStore struct {
	st *store.Store
}

// NewBadgerEventStore creates an event store over st.
func NewBadgerEventStore(st *store.Store) *BadgerEventStore {
	return &BadgerEventStore{st: st}
}

// StoreAuditEvent implements AuditStore.
func (s *BadgerEventStore) StoreAuditEvent(_ context.Context, event *AuditEvent) error {
	return s.st.Put(store.Key(prefixEvent, store.TimeKey(event.Timestamp), event.ID), event)
}

// ListAuditEvents implements AuditStore. Events are returned oldest first.
func (s *BadgerEventStore) ListAuditEvents(_ context.Context, filter AuditFilter) ([]*AuditEvent, error) {
	var out []*AuditEvent

	err := s.st.Scan(prefixEvent+":", func(_ string, decode store.Decoder) error {
		var e AuditEvent
		if err := decode(&e); err != nil {
			return err
		}

		if !filter.matches(&e) {
			return nil
		}

		out = append(out, &e)
		if filter.MaxResults > 0 && len(out) >= filter.MaxResults {
			return store.ErrStopScan
		}

		return nil
	})

	return out, err
}

func (f *AuditFilter) matches(e *AuditEvent) bool {
	switch {
	case f.TenantID != "" && e.TenantID != f.TenantID:
		return false
	case f.SessionID != "" && e.SessionID != f.SessionID:
		return false
	case len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType):
		return false
	case !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime):
		return false
	case !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime):
		return false
	}

	return true
}

// AuditLogger handles logging of audit events.
type AuditLogger struct {
	store    AuditStore
	buffer   chan *AuditEvent
	file     *os.File
	cancel   context.CancelFunc
	filePath string
	wg       sync.WaitGroup
	mu       sync.Mutex
	stateMu  sync.RWMutex
	stopped  bool
}

// Config holds configuration for the audit logger.
type Config struct {
	Store      AuditStore
	FilePath   string // Optional: path to audit log file
	BufferSize int    // Size of the event buffer channel
}

// NewAuditLogger creates a new AuditLogger instance.
func NewAuditLogger(config Config) (*AuditLogger, error) {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}

	logger := &AuditLogger{
		store:    config.Store,
		buffer:   make(chan *AuditEvent, config.BufferSize),
		filePath: config.FilePath,
	}

	if config.FilePath != "" {
		//nolint:gosec // G302: Log files may need to be readable by other processes
		f, err := os.OpenFile(config.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
		if err != nil {
			return nil, err
		}

		logger.file = f
	}

	return logger, nil
}

// Start begins processing audit events from the buffer.
func (l *AuditLogger) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.wg.Add(1)

	go l.processEvents(ctx)
}

// Stop drains the buffer and shuts the audit logger down.
func (l *AuditLogger) Stop() {
	l.stateMu.Lock()
	if l.stopped {
		l.stateMu.Unlock()
		return
	}

	l.stopped = true
	close(l.buffer)
	l.stateMu.Unlock()

	l.wg.Wait()

	if l.cancel != nil {
		l.cancel()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
}

// Log queues an audit event for processing. When the buffer is full the
// event is written synchronously instead of being dropped.
func (l *AuditLogger) Log(event *AuditEvent) {
	event.fill()

	l.stateMu.RLock()
	defer l.stateMu.RUnlock()

	if l.stopped {
		log.Warn().Str("event_id", event.ID).Msg("Audit logger stopped, writing event synchronously")

		if err := l.processEvent(context.Background(), event); err != nil {
			log.Error().Err(err).Str("event_id", event.ID).Msg("Failed to process audit event")
		}

		return
	}

	select {
	case l.buffer <- event:
	default:
		log.Warn().
			Str("event_id", event.ID).
			Str("event_type", string(event.EventType)).
			Msg("Audit buffer full, writing event synchronously")

		if err := l.processEvent(context.Background(), event); err != nil {
			log.Error().Err(err).Str("event_id", event.ID).Msg("Failed to process audit event")
		}
	}
}

// LogSync logs an event synchronously (blocking).
func (l *AuditLogger) LogSync(ctx context.Context, event *AuditEvent) error {
	event.fill()

	return l.processEvent(ctx, event)
}

func (e *AuditEvent) fill() {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

func (l *AuditLogger) processEvents(ctx context.Context) {
	defer l.wg.Done()

	for event := range l.buffer {
		if err := l.processEvent(ctx, event); err != nil {
			log.Error().Err(err).Str("event_id", event.ID).Msg("Failed to process audit event")
		}
	}
}

func (l *AuditLogger) processEvent(ctx context.Context, event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.file != nil {
		_, err = l.file.Write(append(data, '\n'))
	}
	l.mu.Unlock()

	if err != nil {
		return err
	}

	if l.store != nil {
		if err := l.store.StoreAuditEvent(ctx, event); err != nil {
			return err
		}
	}

	log.Debug().
		Str("event_id", event.ID).
		Str("event_type", string(event.EventType)).
		Str("session_id", event.SessionID).
		Str("result", string(event.Result)).
		Msg("Audit event")

	return nil
}

// NewEvent creates a new AuditEvent with common fields populated.
func NewEvent(eventType EventType, action string) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Action:    action,
		Result:    ResultSuccess,
		Extra:     make(map[string]string),
	}
}

// WithSession sets the tenant, session and user of the event.
func (e *AuditEvent) WithSession(tenantID, sessionID, userID string) *AuditEvent {
	e.TenantID = tenantID
	e.SessionID = sessionID
	e.UserID = userID

	return e
}

// WithActor records who triggered the event when it was not the session user.
func (e *AuditEvent) WithActor(actor string) *AuditEvent {
	e.Actor = actor
	return e
}

// WithSourceIP sets the client address.
func (e *AuditEvent) WithSourceIP(ip string) *AuditEvent {
	e.SourceIP = ip
	return e
}

// WithResult sets the result of the action.
func (e *AuditEvent) WithResult(result Result) *AuditEvent {
	e.Result = result
	return e
}

// WithExtra adds extra metadata to the event. Empty values are skipped.
func (e *AuditEvent) WithExtra(key, value string) *AuditEvent {
	if value == "" {
		return e
	}

	if e.Extra == nil {
		e.Extra = make(map[string]string)
	}

	e.Extra[key] = value

	return e
}
