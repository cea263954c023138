// Package session gives PodShield read access to session records owned by the
// session-lifecycle service, and a way to ask that service to terminate a
// session.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/podshield/internal/httputil"
	"github.com/piwi3910/podshield/internal/store"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

// State is the lifecycle state of a session.
type State string

const (
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
	StateEnded   State = "ENDED"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateRunning, StatePaused, StateEnded:
		return true
	default:
		return false
	}
}

// Session is the subset of the session record this engine needs.
type Session struct {
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	UserID    string    `json:"userId"`
	UserEmail string    `json:"userEmail,omitempty"`
	PolicyID  string    `json:"policyId,omitempty"`
	State     State     `json:"state"`
	ClientIP  string    `json:"clientIp,omitempty"`
}

// Live reports whether the session accepts a real-time channel.
func (s *Session) Live() bool {
	return s.State == StateRunning
}

// Validate checks required fields.
func (s *Session) Validate() error {
	switch {
	case s.ID == "":
		return apierrors.Validation("session id is required")
	case s.TenantID == "":
		return apierrors.Validation("session tenantId is required")
	case s.UserID == "":
		return apierrors.Validation("session userId is required")
	case !s.State.Valid():
		return apierrors.Validation("session state %q is invalid", s.State)
	}

	return nil
}

// Directory reads session records.
type Directory interface {
	GetSession(ctx context.Context, id string) (*Session, error)
}

// Controller asks the session-lifecycle service to stop a session.
type Controller interface {
	TerminateSession(ctx context.Context, sessionID, reason string) error
}

const prefixSession = "session"

// Repository is the local replica of session records, written by the
// lifecycle service through the admin API.
type Repository struct {
	st *store.Store
}

// NewRepository creates a store-backed session repository.
func NewRepository(st *store.Store) *Repository {
	return &Repository{st: st}
}

// GetSession implements Directory.
func (r *Repository) GetSession(_ context.Context, id string) (*Session, error) {
	var s Session
	if err := r.st.Get(store.Key(prefixSession, id), &s); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierrors.NotFound("session", id)
		}

		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}

	return &s, nil
}

// PutSession creates or replaces a session record.
func (r *Repository) PutSession(_ context.Context, s *Session) error {
	if err := s.Validate(); err != nil {
		return err
	}

	s.UpdatedAt = time.Now().UTC()
	if s.StartedAt.IsZero() {
		s.StartedAt = s.UpdatedAt
	}

	return r.st.Put(store.Key(prefixSession, s.ID), s)
}

// AttachPolicy points the session at policyID.
func (r *Repository) AttachPolicy(_ context.Context, sessionID, policyID string) (*Session, error) {
	var s Session

	err := r.st.Update(func(tx *store.Tx) error {
		if err := tx.Get(store.Key(prefixSession, sessionID), &s); err != nil {
			return err
		}

		s.PolicyID = policyID
		s.UpdatedAt = time.Now().UTC()

		return tx.Put(store.Key(prefixSession, sessionID), &s)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierrors.NotFound("session", sessionID)
	}

	if err != nil {
		return nil, err
	}

	return &s, nil
}

// HTTPController terminates sessions by calling the lifecycle service.
type HTTPController struct {
	client  *http.Client
	baseURL string
	token   string
}

// NewHTTPController creates a controller posting to
// {baseURL}/sessions/{id}/terminate.
func NewHTTPController(client *http.Client, baseURL, token string) *HTTPController {
	return &HTTPController{client: client, baseURL: strings.TrimRight(baseURL, "/"), token: token}
}

// TerminateSession implements Controller.
func (c *HTTPController) TerminateSession(ctx context.Context, sessionID, reason string) error {
	endpoint := c.baseURL + "/sessions/" + url.PathEscape(sessionID) + "/terminate"

	err := httputil.DoJSON(ctx, c.client, http.MethodPost, endpoint, c.token, map[string]string{"reason": reason}, nil)
	if err != nil {
		return apierrors.Transient("session controller", err)
	}

	return nil
}

// LogController only records termination requests. It is used when no
// lifecycle service is configured; the kill switch still blocks the session
// locally.
type LogController struct{}

// TerminateSession implements Controller.
func (LogController) TerminateSession(_ context.Context, sessionID, reason string) error {
	log.Warn().
		Str("session_id", sessionID).
		Str("reason", reason).
		Msg("No session controller configured; session blocked locally only")

	return nil
}
