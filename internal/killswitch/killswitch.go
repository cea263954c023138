// Package killswitch suspends a session's access after a confirmed violation.
//
// Activation is idempotent per session: the first activation records a
// KillEvent, asks the session-lifecycle service to terminate the session and
// publishes a SessionKilled message. Later activations return the original
// event. A killed session stays blocked locally even when the lifecycle
// service cannot be reached.
package killswitch

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/podshield/internal/audit"
	"github.com/piwi3910/podshield/internal/events"
	"github.com/piwi3910/podshield/internal/metrics"
	"github.com/piwi3910/podshield/internal/session"
	"github.com/piwi3910/podshield/internal/store"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

// Trigger names what caused an activation.
type Trigger string

const (
	TriggerManual        Trigger = "MANUAL"
	TriggerConfirmedLeak Trigger = "CONFIRMED_LEAK"
	TriggerViolation     Trigger = "VIOLATION"
)

// KillEvent records one activation.
type KillEvent struct {
	CreatedAt   time.Time `json:"createdAt"`
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	SessionID   string    `json:"sessionId"`
	UserID      string    `json:"userId,omitempty"`
	Reason      string    `json:"reason"`
	Trigger     Trigger   `json:"trigger"`
	TriggeredBy string    `json:"triggeredBy,omitempty"`
	DetectionID string    `json:"detectionId,omitempty"`
	// TerminationError is set when the lifecycle service could not be told.
	TerminationError string `json:"terminationError,omitempty"`
}

// Request asks for a session to be killed.
type Request struct {
	SessionID   string  `json:"sessionId"`
	Reason      string  `json:"reason"`
	Trigger     Trigger `json:"trigger"`
	TriggeredBy string  `json:"triggeredBy,omitempty"`
	DetectionID string  `json:"detectionId,omitempty"`
}

// Config tunes termination retries.
type Config struct {
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig returns the default retry settings.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, RetryDelay: 200 * time.Millisecond}
}

const (
	prefixKilled = "killed"
	prefixEvent  = "killevent"
)

// Switch is the kill switch.
type Switch struct {
	st       *store.Store
	sessions session.Directory
	ctrl     session.Controller
	bus      events.Bus
	killed   map[string]bool
	cfg      Config
	mu       sync.RWMutex
}

// New creates a kill switch. bus may be nil.
func New(st *store.Store, sessions session.Directory, ctrl session.Controller, bus events.Bus, cfg Config) *Switch {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}

	if ctrl == nil {
		ctrl = session.LogController{}
	}

	return &Switch{
		st:       st,
		sessions: sessions,
		ctrl:     ctrl,
		bus:      bus,
		killed:   make(map[string]bool),
		cfg:      cfg,
	}
}

// Activate kills a session. The returned bool is false when the session had
// already been killed, in which case the original event is returned and no
// side effect is repeated.
func (s *Switch) Activate(ctx context.Context, req Request) (*KillEvent, bool, error) {
	if req.SessionID == "" {
		return nil, false, apierrors.Validation("sessionId is required")
	}

	if req.Trigger == "" {
		req.Trigger = TriggerManual
	}

	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = string(req.Trigger)
	}

	sess, err := s.sessions.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, false, err
	}

	event := &KillEvent{
		CreatedAt:   time.Now().UTC(),
		ID:          uuid.New().String(),
		TenantID:    sess.TenantID,
		SessionID:   sess.ID,
		UserID:      sess.UserID,
		Reason:      req.Reason,
		Trigger:     req.Trigger,
		TriggeredBy: req.TriggeredBy,
		DetectionID: req.DetectionID,
	}

	var existing KillEvent

	created := false

	err = s.st.Update(func(tx *store.Tx) error {
		ok, err := tx.PutIfAbsent(store.Key(prefixKilled, sess.ID), event)
		if err != nil {
			return err
		}

		if !ok {
			return tx.Get(store.Key(prefixKilled, sess.ID), &existing)
		}

		created = true

		return tx.Put(eventKey(event), event)
	})
	if err != nil {
		return nil, false, apierrors.Transient("kill switch store", err)
	}

	s.markKilled(sess.ID)

	if !created {
		log.Debug().Str("session_id", sess.ID).Msg("Session already killed")
		return &existing, false, nil
	}

	if err := s.terminate(ctx, sess.ID, req.Reason); err != nil {
		event.TerminationError = err.Error()

		if err := s.st.Update(func(tx *store.Tx) error {
			if err := tx.Put(store.Key(prefixKilled, sess.ID), event); err != nil {
				return err
			}

			return tx.Put(eventKey(event), event)
		}); err != nil {
			log.Error().Err(err).Str("session_id", sess.ID).Msg("Failed to record termination failure")
		}
	}

	if s.bus != nil {
		_ = events.Publish(ctx, s.bus, events.TopicSessionKilled, sess.TenantID, sess.ID, events.SessionKilled{
			KillEventID: event.ID,
			TenantID:    sess.TenantID,
			SessionID:   sess.ID,
			Reason:      req.Reason,
			Trigger:     string(req.Trigger),
			TriggeredBy: req.TriggeredBy,
			DetectionID: req.DetectionID,
		})
	}

	metrics.RecordKillSwitch(string(req.Trigger))

	log.Warn().
		Str("session_id", sess.ID).
		Str("tenant_id", sess.TenantID).
		Str("user_id", sess.UserID).
		Str("trigger", string(req.Trigger)).
		Str("reason", req.Reason).
		Str("detection_id", req.DetectionID).
		Msg("Kill switch activated")

	return event, true, nil
}

// terminate calls the lifecycle service with exponential backoff.
func (s *Switch) terminate(ctx context.Context, sessionID, reason string) error {
	var err error

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.cfg.RetryDelay * time.Duration(1<<(attempt-1))

			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(delay):
			}
		}

		if err = s.ctrl.TerminateSession(ctx, sessionID, reason); err == nil {
			return nil
		}

		log.Warn().
			Err(err).
			Str("session_id", sessionID).
			Int("attempt", attempt+1).
			Msg("Session termination failed")
	}

	log.Error().
		Err(err).
		Str("session_id", sessionID).
		Msg("Session could not be terminated; access stays blocked locally")

	return err
}

func (s *Switch) markKilled(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.killed[sessionID] = true
}

// Killed reports whether a session has been killed. It is consulted before
// every transfer evaluation and channel connect. A session whose kill state
// cannot be read is reported as killed; the result is not cached, so the
// session recovers once the store answers again.
func (s *Switch) Killed(sessionID string) bool {
	s.mu.RLock()
	killed := s.killed[sessionID]
	s.mu.RUnlock()

	if killed {
		return true
	}

	ok, err := s.st.Exists(store.Key(prefixKilled, sessionID))
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("Kill state lookup failed, treating session as killed")
		return true
	}

	if ok {
		s.markKilled(sessionID)
	}

	return ok
}

// Event returns the kill event of a session.
func (s *Switch) Event(_ context.Context, sessionID string) (*KillEvent, error) {
	var e KillEvent
	if err := s.st.Get(store.Key(prefixKilled, sessionID), &e); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierrors.NotFound("kill event", sessionID)
		}

		return nil, err
	}

	return &e, nil
}

// Filter selects kill events.
type Filter struct {
	TenantID  string
	SessionID string
	Page      int
	Limit     int
}

// ListEvents returns kill events newest first.
func (s *Switch) ListEvents(_ context.Context, f Filter) (audit.Page[*KillEvent], error) {
	var out []*KillEvent

	err := s.st.Scan(prefixEvent+":", func(_ string, decode store.Decoder) error {
		var e KillEvent
		if err := decode(&e); err != nil {
			return err
		}

		if f.TenantID != "" && e.TenantID != f.TenantID {
			return nil
		}

		if f.SessionID != "" && e.SessionID != f.SessionID {
			return nil
		}

		out = append(out, &e)

		return nil
	})
	if err != nil {
		return audit.Page[*KillEvent]{}, err
	}

	slices.Reverse(out)

	if f.Page < 1 {
		f.Page = 1
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}

	f.Limit = min(f.Limit, 500)

	return audit.Paginate(out, f.Page, f.Limit), nil
}

// Subscribe marks sessions killed on other nodes as killed here too.
func (s *Switch) Subscribe(bus events.Bus) (events.Subscription, error) {
	return bus.Subscribe(events.TopicSessionKilled, func(_ context.Context, env *events.Envelope) error {
		var msg events.SessionKilled
		if err := env.Decode(&msg); err != nil {
			return nil
		}

		s.markKilled(msg.SessionID)

		return nil
	})
}

func eventKey(e *KillEvent) string {
	return store.Key(prefixEvent, store.TimeKey(e.CreatedAt), e.ID)
}
