// Package health provides health check endpoints for PodShield.
//
//   - /health/live: Liveness probe (is the process running?)
//   - /health/ready: Readiness probe (can decisions be made and recorded?)
//   - /health: Detailed component status
//
// Each check returns JSON status with component health details:
//
//	{
//	  "status": "healthy",
//	  "checks": {
//	    "store": {"status": "healthy"},
//	    "bus": {"status": "healthy"},
//	    "audit_spool": {"status": "degraded", "message": "3 records spooled"}
//	  }
//	}
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Status represents the overall health status.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates some checks failed but decisions are still
	// made and recorded.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates critical failures.
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus represents the complete health status of the system.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// Pinger is a dependency that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Spool reports audit records waiting for replay.
type Spool interface {
	Pending() int
}

// Checker performs health checks on the system.
type Checker struct {
	cacheExpiry  time.Time
	store        Pinger
	bus          Pinger
	spool        Spool
	cachedStatus *HealthStatus
	cacheTTL     time.Duration
	timeout      time.Duration
	mu           sync.RWMutex
}

// NewChecker creates a new health checker. spool may be nil.
func NewChecker(store, bus Pinger, spool Spool) *Checker {
	return &Checker{
		store:    store,
		bus:      bus,
		spool:    spool,
		cacheTTL: 5 * time.Second,
		timeout:  2 * time.Second,
	}
}

// Check performs all health checks and returns the overall status.
func (c *Checker) Check(ctx context.Context) *HealthStatus {
	c.mu.RLock()

	if c.cachedStatus != nil && time.Now().Before(c.cacheExpiry) {
		status := c.cachedStatus
		c.mu.RUnlock()

		return status
	}

	c.mu.RUnlock()

	checks := make(map[string]Check)

	var (
		wg       sync.WaitGroup
		checksMu sync.Mutex
	)

	probes := map[string]func(context.Context) Check{
		"store":       c.CheckStore,
		"bus":         c.CheckBus,
		"audit_spool": c.CheckSpool,
	}

	for name, probe := range probes {
		wg.Add(1)

		go func() {
			defer wg.Done()

			check := probe(ctx)

			checksMu.Lock()
			checks[name] = check
			checksMu.Unlock()
		}()
	}

	wg.Wait()

	healthStatus := &HealthStatus{
		Status:    determineOverallStatus(checks),
		Checks:    checks,
		Timestamp: time.Now(),
	}

	c.mu.Lock()
	c.cachedStatus = healthStatus
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
	c.mu.Unlock()

	return healthStatus
}

// CheckStore checks the badger store.
func (c *Checker) CheckStore(ctx context.Context) Check {
	return c.ping(ctx, c.store, "store")
}

// CheckBus checks the pub/sub bus.
func (c *Checker) CheckBus(ctx context.Context) Check {
	return c.ping(ctx, c.bus, "bus")
}

func (c *Checker) ping(ctx context.Context, p Pinger, name string) Check {
	if p == nil {
		return Check{Status: StatusUnhealthy, Message: name + " not initialized"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := p.Ping(ctx); err != nil {
		return Check{Status: StatusUnhealthy, Message: name + " check failed: " + err.Error()}
	}

	return Check{Status: StatusHealthy, Message: name + " is operational"}
}

// CheckSpool reports degraded while audit records wait in the local spool.
func (c *Checker) CheckSpool(_ context.Context) Check {
	if c.spool == nil {
		return Check{Status: StatusHealthy}
	}

	if n := c.spool.Pending(); n > 0 {
		return Check{Status: StatusDegraded, Message: fmt.Sprintf("%d audit records spooled", n)}
	}

	return Check{Status: StatusHealthy, Message: "no audit records spooled"}
}

// IsReady reports whether the store and bus respond.
func (c *Checker) IsReady(ctx context.Context) bool {
	return c.CheckStore(ctx).Status == StatusHealthy && c.CheckBus(ctx).Status == StatusHealthy
}

// IsLive checks if the service is alive.
func (c *Checker) IsLive(_ context.Context) bool {
	return true
}

func determineOverallStatus(checks map[string]Check) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}

	if hasDegraded {
		return StatusDegraded
	}

	return StatusHealthy
}

// Handler creates HTTP handlers for health endpoints.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// LivenessHandler handles Kubernetes liveness probe requests.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if h.checker.IsLive(r.Context()) {
		writeStatus(w, http.StatusOK, "ok")
	} else {
		writeStatus(w, http.StatusServiceUnavailable, "not ok")
	}
}

// ReadinessHandler handles Kubernetes readiness probe requests.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.checker.IsReady(r.Context()) {
		writeStatus(w, http.StatusOK, "ready")
	} else {
		writeStatus(w, http.StatusServiceUnavailable, "not ready")
	}
}

// DetailedHandler handles detailed health check requests. Degraded is
// reported with 200 and the status in the body.
func (h *Handler) DetailedHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")

	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(status)
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
