// Package admin implements the PodShield REST API under /api/v1.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/podshield/internal/api/middleware"
	"github.com/piwi3910/podshield/internal/audit"
	"github.com/piwi3910/podshield/internal/auth"
	"github.com/piwi3910/podshield/internal/dlp"
	"github.com/piwi3910/podshield/internal/forensics"
	"github.com/piwi3910/podshield/internal/killswitch"
	"github.com/piwi3910/podshield/internal/policy"
	"github.com/piwi3910/podshield/internal/session"
	"github.com/piwi3910/podshield/internal/watermark"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

// PolicyAdmin manages security policies.
type PolicyAdmin interface {
	Create(ctx context.Context, p *policy.SecurityPolicy) (*policy.SecurityPolicy, error)
	Get(ctx context.Context, id string) (*policy.SecurityPolicy, error)
	List(ctx context.Context, tenantID string) ([]*policy.SecurityPolicy, error)
	Update(ctx context.Context, id string, p *policy.SecurityPolicy) (*policy.SecurityPolicy, []string, error)
	Delete(ctx context.Context, id string) error
}

// PolicyResolver resolves a session's effective policy.
type PolicyResolver interface {
	Resolve(ctx context.Context, sessionID string) (*policy.SecurityPolicy, error)
	InvalidateSession(sessionID string)
}

// SessionStore is the local session replica.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*session.Session, error)
	PutSession(ctx context.Context, s *session.Session) error
	AttachPolicy(ctx context.Context, sessionID, policyID string) (*session.Session, error)
}

// TransferEvaluator decides transfer requests.
type TransferEvaluator interface {
	EvaluateTransfer(ctx context.Context, req *dlp.TransferRequest) (*dlp.Decision, error)
}

// RecordLister lists decision records.
type RecordLister interface {
	ListAttempts(ctx context.Context, f audit.Filter) (audit.Page[*audit.TransferAttempt], error)
	ListViolations(ctx context.Context, f audit.Filter) (audit.Page[*audit.SecurityViolation], error)
}

// WatermarkAdmin manages watermark configurations and session instances.
type WatermarkAdmin interface {
	CreateConfig(ctx context.Context, c *watermark.Configuration) (*watermark.Configuration, error)
	GetConfig(ctx context.Context, id string) (*watermark.Configuration, error)
	ListConfigs(ctx context.Context, tenantID string) ([]*watermark.Configuration, error)
	UpdateConfig(ctx context.Context, id string, c *watermark.Configuration) (*watermark.Configuration, error)
	DeleteConfig(ctx context.Context, id string) error
	InitializeInstance(ctx context.Context, sessionID string, req watermark.InitRequest) (*watermark.Instance, error)
	RefreshInstance(ctx context.Context, sessionID string) (*watermark.Instance, error)
	GetInstance(ctx context.Context, sessionID string) (*watermark.Instance, error)
	DiscardInstance(ctx context.Context, sessionID string) error
	Embed(ctx context.Context, sessionID string, imageData []byte) ([]byte, error)
}

// Forensics screens suspect assets and tracks investigations.
type Forensics interface {
	Detect(ctx context.Context, data []byte, src forensics.Source) (*forensics.Result, error)
	ScanURL(ctx context.Context, rawURL string, src forensics.Source) (*forensics.Result, error)
	BulkScan(ctx context.Context, urls []string, src forensics.Source) ([]*forensics.Result, error)
	Get(ctx context.Context, id string) (*forensics.Detection, error)
	List(ctx context.Context, f forensics.Filter) (audit.Page[*forensics.Detection], error)
	Stats(ctx context.Context, tenantID string) (*forensics.Stats, error)
	UpdateInvestigation(ctx context.Context, id string, u forensics.Update) (*forensics.Detection, error)
}

// KillSwitch suspends sessions.
type KillSwitch interface {
	Activate(ctx context.Context, req killswitch.Request) (*killswitch.KillEvent, bool, error)
	ListEvents(ctx context.Context, f killswitch.Filter) (audit.Page[*killswitch.KillEvent], error)
}

// AuditSink receives administrative audit events.
type AuditSink interface {
	Log(event *audit.AuditEvent)
}

// Config bounds request bodies.
type Config struct {
	MaxBodyBytes  int64
	MaxImageBytes int64
}

// DefaultConfig returns the default body limits.
func DefaultConfig() Config {
	return Config{MaxBodyBytes: 1 << 20, MaxImageBytes: 25 << 20}
}

// Deps are the services behind the API. Sections whose service is nil are
// not mounted.
type Deps struct {
	Tokens     middleware.TokenValidator
	Audience   string
	Policies   PolicyAdmin
	Resolver   PolicyResolver
	Sessions   SessionStore
	Evaluator  TransferEvaluator
	Records    RecordLister
	Watermarks WatermarkAdmin
	Forensics  Forensics
	Kill       KillSwitch
	Audit      AuditSink
}

// Handler serves the REST API.
type Handler struct {
	deps Deps
	cfg  Config
}

// NewHandler creates the API handler.
func NewHandler(deps Deps, cfg Config) *Handler {
	def := DefaultConfig()

	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}

	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = def.MaxImageBytes
	}

	return &Handler{deps: deps, cfg: cfg}
}

// RegisterRoutes registers every API route on r, which is expected to be
// mounted at /api/v1. All routes require an operator token.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(h.deps.Tokens, h.deps.Audience))

		if h.deps.Policies != nil && h.deps.Sessions != nil {
			h.registerPolicyRoutes(r)
		}

		if h.deps.Evaluator != nil || h.deps.Records != nil {
			h.registerTransferRoutes(r)
		}

		if h.deps.Watermarks != nil {
			h.registerWatermarkRoutes(r)
		}

		if h.deps.Forensics != nil {
			h.registerForensicsRoutes(r)
		}

		if h.deps.Kill != nil && h.deps.Sessions != nil {
			h.registerKillSwitchRoutes(r)
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response body")
	}
}

func writeError(w http.ResponseWriter, err error) {
	if apierrors.KindOf(err) == apierrors.KindInternal {
		log.Error().Err(err).Msg("Unclassified API error")
	}

	apierrors.WriteJSON(w, err)
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched
// when optional is set.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	return decodeLimited(w, r, v, optional, h.cfg.MaxBodyBytes)
}

func decodeLimited(w http.ResponseWriter, r *http.Request, v any, optional bool, limit int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	err := dec.Decode(v)

	var tooLarge *http.MaxBytesError

	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && optional:
		return nil
	case errors.As(err, &tooLarge):
		return apierrors.Validation("request body exceeds %d bytes", tooLarge.Limit)
	default:
		return apierrors.Validation("invalid request body: %s", err.Error())
	}
}

// caller returns the authenticated claims. RequireAuth guarantees them.
func caller(r *http.Request) *auth.Claims {
	c, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		return &auth.Claims{}
	}

	return c
}

// scopeTenant returns the tenant a listing is restricted to. Operators of
// every tenant may narrow with ?tenantId=; everyone else sees their own.
func scopeTenant(r *http.Request) string {
	c := caller(r)
	if c.TenantID == auth.AllTenants {
		return r.URL.Query().Get("tenantId")
	}

	return c.TenantID
}

// ownTenant resolves the tenant of a new resource: the caller's own when
// the body names none.
func ownTenant(r *http.Request, requested string) (string, error) {
	c := caller(r)

	if requested == "" {
		if c.TenantID == auth.AllTenants {
			return "", apierrors.Validation("tenantId is required")
		}

		return c.TenantID, nil
	}

	if !c.CanAccessTenant(requested) {
		return "", apierrors.AccessDenied("tenant %s is not accessible", requested)
	}

	return requested, nil
}

// visible hides resources of other tenants behind a NotFound.
func visible(r *http.Request, tenantID, resource, id string) error {
	if caller(r).CanAccessTenant(tenantID) {
		return nil
	}

	return apierrors.NotFound(resource, id)
}

// sessionFor loads a session the caller may act on.
func (h *Handler) sessionFor(r *http.Request, id string) (*session.Session, error) {
	sess, err := h.deps.Sessions.GetSession(r.Context(), id)
	if err != nil {
		return nil, err
	}

	if err := visible(r, sess.TenantID, "session", id); err != nil {
		return nil, err
	}

	return sess, nil
}

func parsePaging(r *http.Request) (page, limit int, err error) {
	q := r.URL.Query()

	if page, err = intParam(q.Get("page")); err != nil {
		return 0, 0, apierrors.Validation("page must be a positive integer")
	}

	if limit, err = intParam(q.Get("limit")); err != nil {
		return 0, 0, apierrors.Validation("limit must be a positive integer")
	}

	return page, limit, nil
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, errors.New("not a positive integer")
	}

	return n, nil
}

func parseTimeRange(r *http.Request) (from, to time.Time, err error) {
	q := r.URL.Query()

	if s := q.Get("from"); s != "" {
		if from, err = time.Parse(time.RFC3339, s); err != nil {
			return from, to, apierrors.Validation("from must be an RFC 3339 timestamp")
		}
	}

	if s := q.Get("to"); s != "" {
		if to, err = time.Parse(time.RFC3339, s); err != nil {
			return from, to, apierrors.Validation("to must be an RFC 3339 timestamp")
		}
	}

	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return from, to, apierrors.Validation("to must not be before from")
	}

	return from, to, nil
}

// adminEvent builds the audit event of an administrative action.
func adminEvent(r *http.Request, eventType audit.EventType, action, tenantID, sessionID string) *audit.AuditEvent {
	c := caller(r)

	return audit.NewEvent(eventType, action).
		WithSession(tenantID, sessionID, "").
		WithActor(c.UserID()).
		WithSourceIP(remoteHost(r.RemoteAddr)).
		WithExtra("request_id", middleware.GetRequestID(r.Context()))
}

func (h *Handler) emit(e *audit.AuditEvent) {
	if h.deps.Audit != nil {
		h.deps.Audit.Log(e)
	}
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}

	return host
}
