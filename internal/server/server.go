// Package server wires the PodShield components together and runs the HTTP
// listener that serves the REST API, the real-time channel, health checks and
// metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/podshield/internal/api/admin"
	"github.com/piwi3910/podshield/internal/api/middleware"
	"github.com/piwi3910/podshield/internal/audit"
	"github.com/piwi3910/podshield/internal/auth"
	"github.com/piwi3910/podshield/internal/config"
	"github.com/piwi3910/podshield/internal/dlp"
	"github.com/piwi3910/podshield/internal/events"
	"github.com/piwi3910/podshield/internal/forensics"
	"github.com/piwi3910/podshield/internal/gateway"
	"github.com/piwi3910/podshield/internal/health"
	"github.com/piwi3910/podshield/internal/httputil"
	"github.com/piwi3910/podshield/internal/killswitch"
	"github.com/piwi3910/podshield/internal/metrics"
	"github.com/piwi3910/podshield/internal/patterns"
	"github.com/piwi3910/podshield/internal/policy"
	"github.com/piwi3910/podshield/internal/scanner"
	"github.com/piwi3910/podshield/internal/session"
	"github.com/piwi3910/podshield/internal/store"
	"github.com/piwi3910/podshield/internal/watermark"
)

// Version is the current version of PodShield
const Version = "0.1.0"

// Server is the PodShield server
type Server struct {
	cfg *config.Config

	// Core services
	store      *store.Store
	bus        events.Bus
	sessions   *session.Repository
	policies   *policy.Store
	policyAdm  *policy.Service
	scanner    *scanner.Scanner
	recorder   *audit.Recorder
	auditLog   *audit.AuditLogger
	evaluator  *dlp.Evaluator
	killSwitch *killswitch.Switch
	watermarks *watermark.Service
	forensics  *forensics.Investigator
	tokens     *auth.Service
	gateway    *gateway.Gateway
	limiter    *middleware.RateLimiter

	subs []events.Subscription

	httpServer *http.Server
}

// New builds every component from cfg. Nothing listens until Start.
func New(cfg *config.Config) (*Server, error) {
	srv := &Server{cfg: cfg}

	metrics.Init(cfg.NodeID)
	log.Info().Str("node_id", cfg.NodeID).Msg("Metrics initialized")

	if err := srv.init(); err != nil {
		srv.closeCore()
		return nil, err
	}

	return srv, nil
}

func (s *Server) init() error {
	cfg := s.cfg

	var err error

	s.store, err = store.Open(store.Options{Dir: filepath.Join(cfg.DataDir, "db")})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	if err := s.initBus(); err != nil {
		return err
	}

	s.tokens, err = auth.NewService(auth.Config{
		JWTSecret:        cfg.Auth.JWTSecret,
		Issuer:           cfg.Auth.Issuer,
		OperatorAudience: cfg.Auth.OperatorAudience,
		SessionAudience:  cfg.Auth.SessionAudience,
		TokenExpiry:      cfg.Auth.TokenExpiry,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize auth: %w", err)
	}

	s.sessions = session.NewRepository(s.store)

	repo := policy.NewBadgerRepository(s.store)

	s.policies, err = policy.NewStore(s.sessions, repo, policy.CacheConfig{
		TTL:      cfg.Policy.CacheTTL,
		StaleTTL: cfg.Policy.StaleTTL,
		MaxItems: cfg.Policy.CacheSize,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize policy store: %w", err)
	}

	s.policyAdm = policy.NewService(repo, s.policies, s.bus)

	lib, err := loadLibrary(cfg.Scanner.CatalogFile)
	if err != nil {
		return err
	}

	s.scanner = scanner.New(lib, scanner.Config{
		MaxScanBytes:     cfg.Scanner.MaxScanBytes,
		SensitiveTimeout: cfg.Scanner.SensitiveTimeout,
		MalwareTimeout:   cfg.Scanner.MalwareTimeout,
		PDFPageLimit:     cfg.Scanner.PDFPageLimit,
	})

	s.recorder, err = audit.NewRecorder(audit.NewStoreWriter(s.store), audit.RecorderConfig{
		SpoolPath:      cfg.Audit.SpoolPath,
		MaxRetries:     cfg.Audit.MaxRetries,
		RetryDelay:     cfg.Audit.RetryDelay,
		ReplayInterval: cfg.Audit.ReplayInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize audit recorder: %w", err)
	}

	s.auditLog, err = audit.NewAuditLogger(audit.Config{
		Store:      audit.NewBadgerEventStore(s.store),
		FilePath:   cfg.Audit.LogFile,
		BufferSize: cfg.Audit.BufferSize,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize audit logger: %w", err)
	}

	s.killSwitch = killswitch.New(s.store, s.sessions, s.controller(), s.bus, killswitch.Config{
		MaxRetries: cfg.KillSwitch.MaxRetries,
		RetryDelay: cfg.KillSwitch.RetryDelay,
	})

	s.evaluator = dlp.NewEvaluator(s.policies, s.sessions, s.scanner, s.recorder,
		dlp.WithKillChecker(s.killSwitch),
		dlp.WithBus(s.bus),
	)

	codec, err := watermark.NewCodec([]byte(cfg.Watermark.MasterSecret))
	if err != nil {
		return fmt.Errorf("failed to initialize watermark codec: %w", err)
	}

	s.watermarks = watermark.NewService(watermark.NewRepository(s.store), watermark.NewEngine(codec), s.sessions,
		watermark.ServiceConfig{
			DefaultViewport: watermark.Viewport{
				Width:  cfg.Watermark.ViewportWidth,
				Height: cfg.Watermark.ViewportHeight,
			},
		})

	if err := s.initForensics(); err != nil {
		return err
	}

	if err := s.initGateway(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	return nil
}

func (s *Server) initBus() error {
	switch s.cfg.Bus.Backend {
	case config.BusRedis:
		rc := s.cfg.Bus.Redis

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		bus, err := events.NewRedisBus(ctx, events.RedisConfig{
			Address:       rc.Address,
			Password:      rc.Password,
			DB:            rc.DB,
			PoolSize:      rc.PoolSize,
			ChannelPrefix: rc.ChannelPrefix,
			TLSEnabled:    rc.TLSEnabled,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis bus: %w", err)
		}

		s.bus = bus

		log.Info().Str("address", rc.Address).Msg("Redis bus connected")
	default:
		s.bus = events.NewMemoryBus(events.DefaultMemoryBusConfig())
	}

	return nil
}

func (s *Server) controller() session.Controller {
	sc := s.cfg.Sessions
	if sc.ControllerURL == "" {
		log.Warn().Msg("No session controller configured, terminations are only logged")
		return session.LogController{}
	}

	return session.NewHTTPController(httputil.NewClientWithTimeout(sc.Timeout), sc.ControllerURL, sc.ControllerToken)
}

func (s *Server) initForensics() error {
	fc := s.cfg.Forensics

	var remote forensics.RemoteArchive

	if fc.Evidence.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		archive, err := forensics.NewS3Archive(ctx, forensics.S3Config{
			Endpoint:  fc.Evidence.Endpoint,
			Bucket:    fc.Evidence.Bucket,
			Region:    fc.Evidence.Region,
			AccessKey: fc.Evidence.AccessKey,
			SecretKey: fc.Evidence.SecretKey,
			UseSSL:    fc.Evidence.UseSSL,
		})
		if err != nil {
			return err
		}

		remote = archive

		log.Info().Str("bucket", fc.Evidence.Bucket).Msg("Evidence archive enabled")
	}

	s.forensics = forensics.NewInvestigator(
		s.watermarks.Engine(),
		s.watermarks,
		forensics.NewRepository(s.store),
		forensics.NewEvidenceArchive(s.store, remote),
		s.killSwitch,
		s.bus,
		forensics.Config{
			FetchTimeout:  fc.FetchTimeout,
			MaxFetchBytes: fc.MaxFetchBytes,
			BulkWorkers:   fc.BulkWorkers,
			MaxBulkURLs:   fc.MaxBulkURLs,
		},
	)

	return nil
}

func (s *Server) initGateway() error {
	gc := s.cfg.Gateway

	deps := gateway.Deps{
		Auth:       s.tokens,
		Sessions:   s.sessions,
		Policies:   s.policies,
		Evaluator:  s.evaluator,
		Kills:      s.killSwitch,
		Watermarks: s.watermarks,
		Audit:      s.auditLog,
		Bus:        s.bus,
	}

	if rb, ok := s.bus.(*events.RedisBus); ok {
		deps.Liveness = gateway.NewRedisLiveness(rb.Client(), s.cfg.Bus.Redis.ChannelPrefix, gc.LivenessTTL)
	}

	var err error

	s.gateway, err = gateway.New(deps, gateway.Config{
		NodeID:             s.cfg.NodeID,
		AllowedOrigins:     s.cfg.Server.CORSOrigins,
		WriteTimeout:       gc.WriteTimeout,
		PingInterval:       gc.PingInterval,
		HandlerTimeout:     gc.HandlerTimeout,
		WatermarkRefresh:   s.cfg.Watermark.RefreshInterval,
		LivenessTTL:        gc.LivenessTTL,
		MaxMessageSize:     gc.MaxMessageSize,
		HandlerConcurrency: gc.HandlerConcurrency,
		SendBuffer:         gc.SendBuffer,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	return nil
}

func loadLibrary(catalogFile string) (*patterns.Library, error) {
	lib := patterns.Default()
	if catalogFile == "" {
		return lib, nil
	}

	cat, err := patterns.LoadCatalog(catalogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load pattern catalog: %w", err)
	}

	lib, err = lib.Extend(cat)
	if err != nil {
		return nil, fmt.Errorf("failed to extend pattern library: %w", err)
	}

	log.Info().Str("file", catalogFile).Int("sensitive", len(lib.Sensitive())).Int("malware", len(lib.Malware())).
		Msg("Pattern catalog loaded")

	return lib, nil
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.MetricsMiddleware)
	r.Use(middleware.SecurityHeaders(middleware.DefaultSecurityHeadersConfig()))

	if origins := s.cfg.Server.CORSOrigins; len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader},
			ExposedHeaders:   []string{middleware.RequestIDHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	checker := health.NewChecker(s.store, s.bus, s.recorder)
	healthHandler := health.NewHandler(checker)
	r.Get("/health", healthHandler.DetailedHandler)
	r.Get("/health/live", healthHandler.LivenessHandler)
	r.Get("/health/ready", healthHandler.ReadinessHandler)

	r.Handle("/metrics", promhttp.Handler())

	s.gateway.Mount(r)

	rl := middleware.DefaultRateLimitConfig()
	rl.Enabled = s.cfg.Server.RateLimitRPS > 0
	rl.RequestsPerSecond = s.cfg.Server.RateLimitRPS
	rl.BurstSize = s.cfg.Server.RateLimitBurst
	s.limiter = middleware.NewRateLimiter(rl)

	apiHandler := admin.NewHandler(admin.Deps{
		Tokens:     s.tokens,
		Audience:   s.tokens.OperatorAudience(),
		Policies:   s.policyAdm,
		Resolver:   s.policies,
		Sessions:   s.sessions,
		Evaluator:  s.evaluator,
		Records:    audit.NewRepository(s.store),
		Watermarks: s.watermarks,
		Forensics:  s.forensics,
		Kill:       s.killSwitch,
		Audit:      s.auditLog,
	}, admin.DefaultConfig())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.limiter.Middleware)

		if docs, err := admin.NewOpenAPIHandler(admin.OpenAPISpec); err != nil {
			log.Warn().Err(err).Msg("OpenAPI document unavailable")
		} else {
			docs.RegisterRoutes(r)
		}

		apiHandler.RegisterRoutes(r)
	})

	return r
}

// Start runs background workers and the HTTP listener until ctx is done,
// then shuts everything down.
func (s *Server) Start(ctx context.Context) error {
	if err := s.subscribe(); err != nil {
		s.closeCore()
		return err
	}

	s.recorder.Start(ctx)
	s.auditLog.Start(ctx)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Int("port", s.cfg.Server.HTTPPort).Str("version", Version).Msg("Starting PodShield server")

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error shutting down HTTP server")
		}

		s.shutdown()

		return nil
	})

	return g.Wait()
}

// subscribe connects the cache, kill switch and gateway to the bus.
func (s *Server) subscribe() error {
	sub, err := s.policies.Subscribe(s.bus)
	if err != nil {
		return fmt.Errorf("failed to subscribe policy store: %w", err)
	}

	s.subs = append(s.subs, sub)

	sub, err = s.killSwitch.Subscribe(s.bus)
	if err != nil {
		return fmt.Errorf("failed to subscribe kill switch: %w", err)
	}

	s.subs = append(s.subs, sub)

	if err := s.gateway.Start(); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	return nil
}

// shutdown stops components in reverse dependency order: channels first so
// in-flight decisions are recorded, then the recorders, then storage.
func (s *Server) shutdown() {
	s.gateway.Close()

	for _, sub := range s.subs {
		sub.Unsubscribe()
	}

	s.subs = nil

	if s.limiter != nil {
		s.limiter.Close()
	}

	s.recorder.Stop()
	log.Info().Int("pending", s.recorder.Pending()).Msg("Audit recorder stopped")

	s.auditLog.Stop()

	s.closeCore()
}

func (s *Server) closeCore() {
	if s.policies != nil {
		s.policies.Close()
	}

	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing bus")
		}
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing store")
		}
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Tokens returns the token service, used by tooling that issues tokens.
func (s *Server) Tokens() *auth.Service {
	return s.tokens
}
