package watermark

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/podshield/internal/session"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

// ServiceConfig configures the watermark service.
type ServiceConfig struct {
	DefaultViewport Viewport
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Service manages configurations and per-session instances.
type Service struct {
	repo     *Repository
	engine   *Engine
	sessions session.Directory
	viewport Viewport
	now      func() time.Time
}

// NewService creates a watermark service.
func NewService(repo *Repository, engine *Engine, sessions session.Directory, cfg ServiceConfig) *Service {
	if cfg.DefaultViewport.Width <= 0 || cfg.DefaultViewport.Height <= 0 {
		cfg.DefaultViewport = Viewport{Width: 1920, Height: 1080}
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Service{
		repo:     repo,
		engine:   engine,
		sessions: sessions,
		viewport: cfg.DefaultViewport,
		now:      cfg.Now,
	}
}

// Engine returns the embedding engine.
func (s *Service) Engine() *Engine {
	return s.engine
}

// CreateConfig stores a new configuration.
func (s *Service) CreateConfig(_ context.Context, c *Configuration) (*Configuration, error) {
	c = c.Clone()
	c.ApplyDefaults()

	if err := c.Validate(); err != nil {
		return nil, err
	}

	if c.ID == "" {
		c.ID = uuid.New().String()
	} else if _, err := s.repo.GetConfig(c.ID); err == nil {
		return nil, apierrors.Conflict("watermark configuration %s already exists", c.ID)
	}

	now := s.now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	if err := s.repo.PutConfig(c); err != nil {
		return nil, err
	}

	log.Info().
		Str("config_id", c.ID).
		Str("tenant_id", c.TenantID).
		Bool("default", c.IsDefault).
		Msg("Watermark configuration created")

	return c, nil
}

// GetConfig loads a configuration.
func (s *Service) GetConfig(_ context.Context, id string) (*Configuration, error) {
	return s.repo.GetConfig(id)
}

// ListConfigs lists a tenant's configurations.
func (s *Service) ListConfigs(_ context.Context, tenantID string) ([]*Configuration, error) {
	return s.repo.ListConfigs(tenantID)
}

// UpdateConfig replaces a configuration. Running instances pick the change
// up on their next refresh.
func (s *Service) UpdateConfig(_ context.Context, id string, c *Configuration) (*Configuration, error) {
	old, err := s.repo.GetConfig(id)
	if err != nil {
		return nil, err
	}

	c = c.Clone()
	c.ApplyDefaults()
	c.ID = id

	if c.TenantID == "" {
		c.TenantID = old.TenantID
	}

	if c.TenantID != old.TenantID {
		return nil, apierrors.Validation("watermark configuration tenantId cannot change")
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	c.CreatedAt = old.CreatedAt
	c.UpdatedAt = s.now().UTC()

	if err := s.repo.PutConfig(c); err != nil {
		return nil, err
	}

	return c, nil
}

// DeleteConfig removes a configuration.
func (s *Service) DeleteConfig(_ context.Context, id string) error {
	return s.repo.DeleteConfig(id)
}

func (s *Service) resolveConfig(tenantID, configID string) (*Configuration, error) {
	if configID == "" {
		return s.repo.DefaultConfig(tenantID)
	}

	c, err := s.repo.GetConfig(configID)
	if err != nil {
		return nil, err
	}

	if c.TenantID != tenantID {
		return nil, apierrors.NotFound("watermark configuration", configID)
	}

	return c, nil
}

// InitRequest selects the configuration and viewport of a new instance.
type InitRequest struct {
	Viewport *Viewport `json:"viewport,omitempty"`
	ConfigID string    `json:"configId,omitempty"`
}

// GenerateOverlay renders the overlay for a session without storing it.
func (s *Service) GenerateOverlay(ctx context.Context, sessionID, configID string) (*Overlay, error) {
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	cfg, err := s.resolveConfig(sess.TenantID, configID)
	if err != nil {
		return nil, err
	}

	now := s.now()

	return GenerateOverlay(contextFor(sess, now), cfg, s.viewport, now)
}

// InitializeInstance creates the watermark instance of a session.
func (s *Service) InitializeInstance(ctx context.Context, sessionID string, req InitRequest) (*Instance, error) {
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if sess.State == session.StateEnded {
		return nil, apierrors.Conflict("session %s has ended", sessionID)
	}

	cfg, err := s.resolveConfig(sess.TenantID, req.ConfigID)
	if err != nil {
		return nil, err
	}

	vp := s.viewport
	if req.Viewport != nil {
		vp = *req.Viewport
	}

	now := s.now()
	sc := contextFor(sess, now)

	overlay, err := GenerateOverlay(sc, cfg, vp, now)
	if err != nil {
		return nil, apierrors.Validation("%s", err.Error())
	}

	tag := SessionTag(sess.ID)

	inst := &Instance{
		CreatedAt:  now.UTC(),
		Overlay:    overlay,
		Context:    sc,
		SessionID:  sess.ID,
		TenantID:   sess.TenantID,
		ConfigID:   cfg.ID,
		SessionTag: hex.EncodeToString(tag[:]),
		Viewport:   vp,
		Invisible:  cfg.Invisible,
	}

	record := &TagRecord{
		IssuedAt:   now.UTC(),
		SessionTag: inst.SessionTag,
		SessionID:  sess.ID,
		TenantID:   sess.TenantID,
		UserID:     sess.UserID,
		UserEmail:  sess.UserEmail,
	}

	if err := s.repo.PutInstance(inst, record); err != nil {
		return nil, err
	}

	log.Info().
		Str("session_id", sess.ID).
		Str("tenant_id", sess.TenantID).
		Str("config_id", cfg.ID).
		Msg("Watermark instance initialized")

	return inst, nil
}

// RefreshInstance re-renders the overlay with the current time and the
// current version of the bound configuration.
func (s *Service) RefreshInstance(_ context.Context, sessionID string) (*Instance, error) {
	inst, err := s.repo.GetInstance(sessionID)
	if err != nil {
		return nil, err
	}

	cfg, err := s.repo.GetConfig(inst.ConfigID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	inst.Context.Timestamp = now.UTC()
	inst.Invisible = cfg.Invisible

	overlay, err := GenerateOverlay(inst.Context, cfg, inst.Viewport, now)
	if err != nil {
		return nil, err
	}

	inst.Overlay = overlay

	if err := s.repo.PutInstance(inst, nil); err != nil {
		return nil, err
	}

	return inst, nil
}

// GetInstance returns a session's instance.
func (s *Service) GetInstance(_ context.Context, sessionID string) (*Instance, error) {
	return s.repo.GetInstance(sessionID)
}

// DiscardInstance removes a session's instance at session end.
func (s *Service) DiscardInstance(_ context.Context, sessionID string) error {
	if err := s.repo.DeleteInstance(sessionID); err != nil {
		return err
	}

	log.Info().Str("session_id", sessionID).Msg("Watermark instance discarded")

	return nil
}

// Embed embeds the session payload into an encoded image and returns the
// result as PNG.
func (s *Service) Embed(_ context.Context, sessionID string, imageData []byte) ([]byte, error) {
	inst, err := s.repo.GetInstance(sessionID)
	if err != nil {
		return nil, err
	}

	if !inst.Invisible.Enabled {
		return nil, apierrors.Validation("invisible watermarking is disabled for session %s", sessionID)
	}

	img, _, err := DecodeImage(imageData)
	if err != nil {
		return nil, err
	}

	marked, err := s.engine.Embed(img, NewPayload(inst.TenantID, inst.SessionID, s.now()), inst.Invisible)
	if err != nil {
		return nil, err
	}

	return EncodePNG(marked)
}

// Resolve maps a recovered payload to the session record it was issued for.
// The tenant tag must agree with the tag record.
func (s *Service) Resolve(_ context.Context, p *Payload) (*TagRecord, error) {
	rec, err := s.repo.LookupTag(p.SessionRef())
	if err != nil {
		return nil, err
	}

	if TenantTag(rec.TenantID) != p.TenantTag {
		return nil, apierrors.NotFound("watermark tag", p.SessionRef())
	}

	return rec, nil
}

func contextFor(sess *session.Session, now time.Time) SessionContext {
	return SessionContext{
		Timestamp: now.UTC(),
		TenantID:  sess.TenantID,
		SessionID: sess.ID,
		UserID:    sess.UserID,
		UserEmail: sess.UserEmail,
		IPAddress: sess.ClientIP,
	}
}
