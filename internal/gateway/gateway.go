package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/podshield/internal/audit"
	"github.com/piwi3910/podshield/internal/auth"
	"github.com/piwi3910/podshield/internal/dlp"
	"github.com/piwi3910/podshield/internal/events"
	"github.com/piwi3910/podshield/internal/metrics"
	"github.com/piwi3910/podshield/internal/policy"
	"github.com/piwi3910/podshield/internal/session"
	"github.com/piwi3910/podshield/internal/watermark"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

// Config tunes the gateway.
type Config struct {
	NodeID         string
	AllowedOrigins []string
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	// HandlerTimeout bounds one policy_check or screen_capture. It does not
	// depend on the connection staying open.
	HandlerTimeout   time.Duration
	WatermarkRefresh time.Duration
	LivenessTTL      time.Duration
	MaxMessageSize   int64
	// HandlerConcurrency caps in-flight handlers per connection. Reads
	// pause while the cap is reached.
	HandlerConcurrency int
	SendBuffer         int
}

// DefaultConfig returns the default gateway settings.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:       10 * time.Second,
		PingInterval:       30 * time.Second,
		HandlerTimeout:     30 * time.Second,
		WatermarkRefresh:   time.Minute,
		LivenessTTL:        90 * time.Second,
		MaxMessageSize:     16 << 20,
		HandlerConcurrency: 4,
		SendBuffer:         64,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()

	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}

	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}

	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = def.HandlerTimeout
	}

	if c.WatermarkRefresh <= 0 {
		c.WatermarkRefresh = def.WatermarkRefresh
	}

	if c.LivenessTTL <= 0 {
		c.LivenessTTL = def.LivenessTTL
	}

	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}

	if c.HandlerConcurrency <= 0 {
		c.HandlerConcurrency = def.HandlerConcurrency
	}

	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
}

// TransferEvaluator decides policy_check requests.
type TransferEvaluator interface {
	EvaluateTransfer(ctx context.Context, req *dlp.TransferRequest) (*dlp.Decision, error)
}

// WatermarkProvider manages the per-session watermark instance.
type WatermarkProvider interface {
	InitializeInstance(ctx context.Context, sessionID string, req watermark.InitRequest) (*watermark.Instance, error)
	GetInstance(ctx context.Context, sessionID string) (*watermark.Instance, error)
	RefreshInstance(ctx context.Context, sessionID string) (*watermark.Instance, error)
}

// AuditSink receives session events.
type AuditSink interface {
	Log(event *audit.AuditEvent)
}

// Deps are the collaborators of the gateway. Watermarks, Audit, Bus,
// Classifier and Liveness are optional.
type Deps struct {
	Auth       *auth.Service
	Sessions   session.Directory
	Policies   dlp.PolicyResolver
	Evaluator  TransferEvaluator
	Kills      dlp.KillChecker
	Watermarks WatermarkProvider
	Classifier ScreenshotClassifier
	Liveness   LivenessStore
	Audit      AuditSink
	Bus        events.Bus
}

// Gateway serves the real-time channel.
type Gateway struct {
	deps     Deps
	cfg      Config
	registry *Registry
	upgrader websocket.Upgrader
	now      func() time.Time

	subsMu sync.Mutex
	subs   []events.Subscription

	// handlers tracks detached handler goroutines so shutdown can wait for
	// results that are still being persisted.
	handlers sync.WaitGroup
}

// New creates a gateway.
func New(deps Deps, cfg Config) (*Gateway, error) {
	switch {
	case deps.Auth == nil:
		return nil, errors.New("gateway: auth service is required")
	case deps.Sessions == nil:
		return nil, errors.New("gateway: session directory is required")
	case deps.Policies == nil:
		return nil, errors.New("gateway: policy resolver is required")
	case deps.Evaluator == nil:
		return nil, errors.New("gateway: transfer evaluator is required")
	}

	cfg.applyDefaults()

	if deps.Classifier == nil {
		deps.Classifier = PolicyClassifier{}
	}

	if deps.Liveness == nil {
		mem, err := NewMemoryLiveness(cfg.LivenessTTL)
		if err != nil {
			return nil, err
		}

		deps.Liveness = mem
	}

	g := &Gateway{
		deps:     deps,
		cfg:      cfg,
		registry: NewRegistry(),
		now:      time.Now,
	}

	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{SubprotocolCBOR, SubprotocolJSON},
		CheckOrigin:     g.checkOrigin,
	}

	return g, nil
}

// Registry exposes the connection registry.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// Mount registers the upgrade route.
func (g *Gateway) Mount(r chi.Router) {
	r.Get("/ws/sessions/{id}", g.HandleConnect)
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(g.cfg.AllowedOrigins) == 0 {
		return true
	}

	return slices.Contains(g.cfg.AllowedOrigins, "*") || slices.Contains(g.cfg.AllowedOrigins, origin)
}

// Start subscribes the gateway to policy updates, security alerts and kill
// events.
func (g *Gateway) Start() error {
	if g.deps.Bus == nil {
		return nil
	}

	relays := map[events.Topic]events.Handler{
		events.TopicPolicyUpdates:  g.relayPolicyUpdate,
		events.TopicSecurityAlerts: g.relayAlert,
		events.TopicSessionKilled:  g.relayKill,
	}

	g.subsMu.Lock()
	defer g.subsMu.Unlock()

	for topic, h := range relays {
		sub, err := g.deps.Bus.Subscribe(topic, h)
		if err != nil {
			for _, s := range g.subs {
				s.Unsubscribe()
			}

			g.subs = nil

			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}

		g.subs = append(g.subs, sub)
	}

	return nil
}

// Close unsubscribes from the bus, closes every connection and waits for
// in-flight handlers.
func (g *Gateway) Close() {
	g.subsMu.Lock()
	for _, s := range g.subs {
		s.Unsubscribe()
	}

	g.subs = nil
	g.subsMu.Unlock()

	g.registry.CloseAll()
	g.handlers.Wait()
}

// Wait blocks until in-flight handlers have finished.
func (g *Gateway) Wait() {
	g.handlers.Wait()
}

// HandleConnect authenticates the caller, verifies the session and upgrades
// the request. Authorization failures are answered before the upgrade.
func (g *Gateway) HandleConnect(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	sess, claims, err := g.authorize(r, sessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Gateway connection refused")
		apierrors.WriteJSON(w, err)

		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		log.Debug().Err(err).Str("session_id", sessionID).Msg("Websocket upgrade failed")
		return
	}

	c := newConn(ws, g.cfg, sess.ID, sess.TenantID, sess.UserID, sess.PolicyID)

	if old := g.registry.Register(c); old != nil {
		log.Info().Str("session_id", sess.ID).Msg("Replaced existing gateway connection")
	}

	metrics.IncrementGatewayConnections()

	go c.writePump()

	log.Info().
		Str("session_id", sess.ID).
		Str("tenant_id", sess.TenantID).
		Str("user_id", claims.UserID()).
		Str("subprotocol", ws.Subprotocol()).
		Msg("Gateway session connected")

	g.audit(audit.NewEvent(audit.EventConnected, "connect").
		WithSession(sess.TenantID, sess.ID, sess.UserID).
		WithSourceIP(r.RemoteAddr).
		WithResult(audit.ResultSuccess))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g.sendInit(ctx, c)
	g.startWatermark(ctx, c)

	g.readPump(ctx, c)
	g.disconnect(c)
}

func (g *Gateway) authorize(r *http.Request, sessionID string) (*session.Session, *auth.Claims, error) {
	token, err := auth.TokenFromRequest(r)
	if err != nil {
		return nil, nil, apierrors.AccessDenied("missing session token")
	}

	claims, err := g.deps.Auth.ValidateToken(token, g.deps.Auth.SessionAudience())
	if err != nil {
		return nil, nil, err
	}

	sess, err := g.deps.Sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		return nil, nil, err
	}

	if claims.UserID() != sess.UserID || !claims.CanAccessTenant(sess.TenantID) {
		return nil, nil, apierrors.AccessDenied("caller does not own session %s", sessionID)
	}

	if !sess.Live() {
		return nil, nil, apierrors.AccessDenied("session %s is not running", sessionID)
	}

	if g.deps.Kills != nil && g.deps.Kills.Killed(sessionID) {
		return nil, nil, apierrors.AccessDenied("session %s has been terminated", sessionID)
	}

	return sess, claims, nil
}

func (g *Gateway) sendInit(ctx context.Context, c *Conn) {
	init := &InitData{SessionID: c.sessionID}

	pol, err := g.deps.Policies.Resolve(ctx, c.sessionID)

	switch {
	case err == nil:
		init.Policy = pol
		c.setPolicyID(pol.ID)
	case errors.Is(err, policy.ErrNoPolicy), errors.Is(err, apierrors.ErrNotFound):
		_ = c.Send(errorMessage("", dlp.Message(dlp.ReasonNoPolicy)))
	default:
		log.Error().Err(err).Str("session_id", c.sessionID).Msg("Failed to resolve policy for new connection")
		_ = c.Send(errorMessage("", dlp.Message(dlp.ReasonPolicyUnavailable)))
	}

	if inst := g.watermarkInstance(ctx, c.sessionID); inst != nil {
		init.Watermark = inst.Overlay
	}

	_ = c.Send(&Outbound{Type: TypeInit, Data: init})
}

func (g *Gateway) watermarkInstance(ctx context.Context, sessionID string) *watermark.Instance {
	if g.deps.Watermarks == nil {
		return nil
	}

	inst, err := g.deps.Watermarks.GetInstance(ctx, sessionID)
	if err == nil {
		return inst
	}

	if !errors.Is(err, apierrors.ErrNotFound) {
		log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to load watermark instance")
		return nil
	}

	inst, err = g.deps.Watermarks.InitializeInstance(ctx, sessionID, watermark.InitRequest{})
	if err != nil {
		// Tenants without a watermark configuration get no overlay.
		log.Debug().Err(err).Str("session_id", sessionID).Msg("Watermark instance not initialized")
		return nil
	}

	return inst
}

// startWatermark re-renders the overlay periodically so its timestamp stays
// current. A new overlay is pushed only when its fingerprint changes.
func (g *Gateway) startWatermark(ctx context.Context, c *Conn) {
	if g.deps.Watermarks == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(g.cfg.WatermarkRefresh)
		defer ticker.Stop()

		var last string

		for {
			select {
			case <-c.done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				inst, err := g.deps.Watermarks.RefreshInstance(ctx, c.sessionID)
				if err != nil {
					log.Debug().Err(err).Str("session_id", c.sessionID).Msg("Watermark refresh failed")
					continue
				}

				if inst.Overlay == nil || inst.Overlay.Fingerprint == last {
					continue
				}

				last = inst.Overlay.Fingerprint
				_ = c.Send(&Outbound{Type: TypeWatermarkUpdate, Data: inst.Overlay})
			}
		}
	}()
}

func (g *Gateway) readPump(ctx context.Context, c *Conn) {
	pongWait := 2 * g.cfg.PingInterval

	c.ws.SetReadLimit(g.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("session_id", c.sessionID).Msg("Gateway read failed")
			}

			return
		}

		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		in, err := c.codec.decode(frame)
		if err != nil {
			_ = c.Send(errorMessage("", err.Error()))
			continue
		}

		if !g.dispatch(ctx, c, in) {
			return
		}
	}
}

func (g *Gateway) disconnect(c *Conn) {
	c.Close()
	metrics.DecrementGatewayConnections()

	if !g.registry.Deregister(c) {
		// A newer connection owns the session now.
		return
	}

	ctx := context.Background()

	if err := g.deps.Liveness.Clear(ctx, c.sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", c.sessionID).Msg("Failed to clear liveness")
	}

	g.audit(audit.NewEvent(audit.EventDisconnected, "disconnect").
		WithSession(c.tenantID, c.sessionID, c.userID).
		WithResult(audit.ResultSuccess))

	log.Info().Str("session_id", c.sessionID).Msg("Gateway session disconnected")
}

// handlerFunc handles one client message and returns the reply, or nil for
// no reply.
type handlerFunc func(ctx context.Context, c *Conn, in *Inbound) (*Outbound, error)

// dispatch routes one message. It returns false when the read loop should
// stop.
func (g *Gateway) dispatch(ctx context.Context, c *Conn, in *Inbound) bool {
	metrics.RecordGatewayMessage("in", string(in.Type))

	switch in.Type {
	case TypePolicyCheck:
		return g.async(ctx, c, in, g.handlePolicyCheck)
	case TypeScreenCapture:
		return g.async(ctx, c, in, g.handleScreenCapture)
	case TypeHeartbeat:
		g.reply(c, in, g.handleHeartbeat)
	case TypeActivity:
		g.reply(c, in, g.handleActivity)
	default:
		_ = c.Send(errorMessage(in.RequestID, fmt.Sprintf("unknown message type %q", in.Type)))
	}

	return true
}

func (g *Gateway) reply(c *Conn, in *Inbound, h handlerFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.HandlerTimeout)
	defer cancel()

	g.deliver(ctx, c, in, h)
}

// async runs a handler off the read loop. The handler context is detached
// from the connection: a decision that has started is completed and
// recorded even if the client goes away. The reply is dropped when the
// connection has closed by then.
func (g *Gateway) async(ctx context.Context, c *Conn, in *Inbound, h handlerFunc) bool {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return false
	}

	g.handlers.Add(1)

	go func() {
		defer g.handlers.Done()
		defer c.sem.Release(1)

		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.HandlerTimeout)
		defer cancel()

		g.deliver(hctx, c, in, h)
	}()

	return true
}

func (g *Gateway) deliver(ctx context.Context, c *Conn, in *Inbound, h handlerFunc) {
	out, err := h(ctx, c, in)
	if err != nil {
		out = errorMessage(in.RequestID, err.Error())
	}

	if out == nil {
		return
	}

	out.RequestID = in.RequestID

	if c.Closed() {
		log.Debug().
			Str("session_id", c.sessionID).
			Str("type", string(out.Type)).
			Msg("Dropping reply for closed connection")

		return
	}

	if err := c.Send(out); err != nil && !errors.Is(err, ErrConnClosed) {
		log.Warn().Err(err).Str("session_id", c.sessionID).Msg("Failed to send reply")
	}
}

func (g *Gateway) handlePolicyCheck(ctx context.Context, c *Conn, in *Inbound) (*Outbound, error) {
	var data PolicyCheckData
	if err := c.codec.decodeData(in.Data, &data); err != nil {
		return nil, err
	}

	action, err := dlp.ParseAction(data.Action)
	if err != nil {
		return nil, err
	}

	req := &dlp.TransferRequest{
		SessionID: c.sessionID,
		RequestID: in.RequestID,
		Action:    action,
		FileName:  data.FileName,
		MimeType:  data.MimeType,
		FileSize:  data.FileSize,
	}

	switch {
	case len(data.ContentBase64) > 0:
		req.Content = data.ContentBase64
	case data.Content != "":
		req.Content = []byte(data.Content)
	}

	req.ApplyMetadata(data.Metadata)

	d, err := g.deps.Evaluator.EvaluateTransfer(ctx, req)
	if err != nil {
		return nil, err
	}

	return &Outbound{Type: TypePolicyCheckResult, Data: &PolicyCheckResult{
		Action:                string(d.Action),
		Reason:                d.Reason,
		Message:               d.Message,
		AttemptID:             d.AttemptID,
		SensitiveDataTypes:    d.SensitiveDataTypes,
		Allowed:               d.Allowed,
		SensitiveDataDetected: d.SensitiveDataDetected(),
		RequiresApproval:      d.RequiresApproval,
	}}, nil
}

func (g *Gateway) handleScreenCapture(ctx context.Context, c *Conn, in *Inbound) (*Outbound, error) {
	var data ScreenCaptureData
	if err := c.codec.decodeData(in.Data, &data); err != nil {
		return nil, err
	}

	data.CaptureType = normalizeCaptureType(data.CaptureType)

	pol, err := g.deps.Policies.Resolve(ctx, c.sessionID)
	if err != nil {
		pol = nil
	}

	verdict := g.deps.Classifier.Classify(ctx, pol, &data)

	result := audit.ResultLogged
	if verdict.Blocked {
		result = audit.ResultBlocked
	}

	g.audit(audit.NewEvent(audit.EventScreenCapture, data.CaptureType).
		WithSession(c.tenantID, c.sessionID, c.userID).
		WithResult(result).
		WithExtra("detection_method", data.DetectionMethod).
		WithExtra("process", data.ProcessInfo).
		WithExtra("application", data.ActiveApplication).
		WithExtra("window", data.ActiveWindow).
		WithExtra("reason", verdict.Reason))

	if verdict.Blocked && g.deps.Bus != nil {
		err := events.Publish(ctx, g.deps.Bus, events.TopicSecurityAlerts, c.tenantID, c.sessionID, events.SecurityAlert{
			TenantID:  c.tenantID,
			SessionID: c.sessionID,
			UserID:    c.userID,
			AlertType: "SCREEN_CAPTURE",
			Reason:    verdict.Reason,
			Message:   "Screen capture attempt blocked: " + data.CaptureType,
			Severity:  "HIGH",
		})
		if err != nil {
			log.Warn().Err(err).Str("session_id", c.sessionID).Msg("Failed to publish screen capture alert")
		}
	}

	return &Outbound{Type: TypeScreenCaptureResult, Data: &ScreenCaptureResult{
		CaptureType: data.CaptureType,
		Reason:      verdict.Reason,
		Blocked:     verdict.Blocked,
		Logged:      verdict.Logged,
	}}, nil
}

func (g *Gateway) handleHeartbeat(ctx context.Context, c *Conn, in *Inbound) (*Outbound, error) {
	var data HeartbeatData
	if err := c.codec.decodeData(in.Data, &data); err != nil {
		return nil, err
	}

	now := g.now()

	var latency int64
	if data.ClientTime > 0 {
		latency = max(now.UnixMilli()-data.ClientTime, 0)
	}

	err := g.deps.Liveness.Touch(ctx, &Liveness{
		LastSeen:   now.UTC(),
		Metrics:    data.Metrics,
		SessionID:  c.sessionID,
		NodeID:     g.cfg.NodeID,
		ClientTime: data.ClientTime,
	})
	if err != nil {
		log.Warn().Err(err).Str("session_id", c.sessionID).Msg("Failed to record heartbeat")
	}

	return &Outbound{Type: TypeHeartbeatAck, Data: &HeartbeatAck{
		ServerTime: now.UnixMilli(),
		Latency:    latency,
	}}, nil
}

// handleActivity records client activity. Keystroke batches are kept only
// when the session policy enables keystroke logging.
func (g *Gateway) handleActivity(ctx context.Context, c *Conn, in *Inbound) (*Outbound, error) {
	var data ActivityData
	if err := c.codec.decodeData(in.Data, &data); err != nil {
		return nil, err
	}

	kind, _ := data["activityType"].(string)
	if kind == "" {
		return nil, apierrors.Validation("activityType is required")
	}

	eventType := audit.EventActivity

	if kind == "keystrokes" {
		pol, err := g.deps.Policies.Resolve(ctx, c.sessionID)
		if err != nil || !pol.KeystrokeLogging {
			return nil, nil
		}

		eventType = audit.EventKeystrokes
	}

	event := audit.NewEvent(eventType, kind).
		WithSession(c.tenantID, c.sessionID, c.userID).
		WithResult(audit.ResultLogged)

	for k, v := range data {
		if k == "activityType" {
			continue
		}

		if s, ok := scalar(v); ok {
			event.WithExtra(k, s)
		}
	}

	g.audit(event)

	return nil, nil
}

func scalar(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	default:
		return "", false
	}
}

func (g *Gateway) audit(event *audit.AuditEvent) {
	if g.deps.Audit != nil {
		g.deps.Audit.Log(event)
	}
}

func (g *Gateway) relayPolicyUpdate(_ context.Context, env *events.Envelope) error {
	var upd events.PolicyUpdated
	if err := env.Decode(&upd); err != nil {
		return err
	}

	out := &Outbound{Type: TypePolicyUpdate, Data: &PolicyUpdateData{
		PolicyID: upd.PolicyID,
		Changes:  upd.Changes,
		Deleted:  upd.Deleted,
	}}

	g.registry.Each(func(c *Conn) {
		if c.PolicyID() == upd.PolicyID {
			_ = c.Send(out)
		}
	})

	return nil
}

func (g *Gateway) relayAlert(_ context.Context, env *events.Envelope) error {
	var alert events.SecurityAlert
	if err := env.Decode(&alert); err != nil {
		return err
	}

	sessionID := alert.SessionID
	if sessionID == "" {
		sessionID = env.SessionID
	}

	err := g.registry.Send(sessionID, &Outbound{Type: TypeAlert, Data: &AlertData{
		AlertType: alert.AlertType,
		Message:   alert.Message,
		Severity:  alert.Severity,
	}})
	if err != nil && !errors.Is(err, ErrNotConnected) && !errors.Is(err, ErrConnClosed) {
		return err
	}

	return nil
}

// relayKill tells the client why it is being disconnected and closes its
// channel.
func (g *Gateway) relayKill(_ context.Context, env *events.Envelope) error {
	var killed events.SessionKilled
	if err := env.Decode(&killed); err != nil {
		return err
	}

	c, ok := g.registry.Get(killed.SessionID)
	if !ok {
		return nil
	}

	_ = c.Send(&Outbound{Type: TypeAlert, Data: &AlertData{
		AlertType: "SESSION_TERMINATED",
		Message:   killed.Reason,
		Severity:  "CRITICAL",
	}})
	c.Close()

	log.Warn().
		Str("session_id", killed.SessionID).
		Str("kill_event_id", killed.KillEventID).
		Msg("Closed gateway connection of killed session")

	return nil
}

func errorMessage(requestID, msg string) *Outbound {
	return &Outbound{Type: TypeError, RequestID: requestID, Data: &ErrorData{Message: msg}}
}
