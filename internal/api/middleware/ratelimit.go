package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/podshield/internal/metrics"
)

const (
	defaultRequestsPerSecond = 50
	defaultBurstSize         = 100
	defaultStaleTimeout      = 5 * time.Minute
	// maxRefillWindow caps elapsed time so long-idle buckets cannot overflow.
	maxRefillWindow = int64(time.Hour)
)

// idSegment matches UUIDs and the hex IDs used for attempts and detections.
var idSegment = regexp.MustCompile(`^([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}|[0-9a-fA-F]{16,})$`)

// collections maps a REST collection to the placeholder used for the
// segment that follows it.
var collections = map[string]string{
	"sessions":       "{session}",
	"policies":       "{policy}",
	"detections":     "{detection}",
	"configs":        "{config}",
	"instances":      "{instance}",
	"investigations": "{detection}",
}

// normalizePath collapses per-resource segments so a path can be used as a
// metric label. It is used when no chi route matched.
func normalizePath(path string) string {
	segments := strings.Split(path, "/")

	for i, seg := range segments {
		if seg == "" {
			continue
		}

		if i > 0 {
			if placeholder, ok := collections[segments[i-1]]; ok {
				segments[i] = placeholder
				continue
			}
		}

		if idSegment.MatchString(seg) {
			segments[i] = "{id}"
		}
	}

	return strings.Join(segments, "/")
}

// RateLimitConfig configures the REST rate limiter.
type RateLimitConfig struct {
	// ExcludedPaths are never limited (probes and scrapes).
	ExcludedPaths []string
	// TrustedProxies lists proxy IPs or CIDRs whose X-Forwarded-For and
	// X-Real-IP headers are believed. Empty means never.
	TrustedProxies    []string
	CleanupInterval   time.Duration
	StaleTimeout      time.Duration
	RequestsPerSecond int
	BurstSize         int
	Enabled           bool
	// PerClient gives every client IP its own bucket; otherwise one bucket
	// is shared by all callers.
	PerClient bool
}

// DefaultRateLimitConfig returns the default limiter settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           false,
		RequestsPerSecond: defaultRequestsPerSecond,
		BurstSize:         defaultBurstSize,
		PerClient:         true,
		CleanupInterval:   time.Minute,
		StaleTimeout:      defaultStaleTimeout,
		ExcludedPaths:     []string{"/health", "/health/live", "/health/ready", "/metrics"},
	}
}

// TokenBucket is a lock-free token bucket.
type TokenBucket struct {
	tokens     atomic.Int64
	lastRefill atomic.Int64
	lastUsed   atomic.Int64
	capacity   int64
	perSecond  int64
}

// NewTokenBucket creates a full bucket refilled at rps tokens per second.
func NewTokenBucket(rps, burst int) *TokenBucket {
	now := time.Now().UnixNano()

	b := &TokenBucket{capacity: int64(burst), perSecond: int64(rps)}
	b.tokens.Store(int64(burst))
	b.lastRefill.Store(now)
	b.lastUsed.Store(now)

	return b
}

// Allow takes one token if available.
func (b *TokenBucket) Allow() bool {
	now := time.Now().UnixNano()
	b.lastUsed.Store(now)

	last := b.lastRefill.Load()
	elapsed := min(now-last, maxRefillWindow)

	// Only the goroutine that advances lastRefill adds the tokens.
	if add := elapsed * b.perSecond / int64(time.Second); add > 0 && b.lastRefill.CompareAndSwap(last, now) {
		for {
			cur := b.tokens.Load()
			if b.tokens.CompareAndSwap(cur, min(cur+add, b.capacity)) {
				break
			}
		}
	}

	for {
		cur := b.tokens.Load()
		if cur <= 0 {
			return false
		}

		if b.tokens.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

func (b *TokenBucket) idleSince(now int64) time.Duration {
	return time.Duration(now - b.lastUsed.Load())
}

// RateLimiter keeps one token bucket per client.
type RateLimiter struct {
	buckets  sync.Map // client key -> *TokenBucket
	stop     chan struct{}
	stopOnce sync.Once
	proxies  []netip.Prefix
	config   RateLimitConfig
}

// NewRateLimiter creates a limiter and, for per-client limiting, starts the
// goroutine that evicts idle buckets. Call Close to stop it.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	def := DefaultRateLimitConfig()

	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = def.RequestsPerSecond
	}

	if config.BurstSize <= 0 {
		config.BurstSize = def.BurstSize
	}

	if config.CleanupInterval <= 0 {
		config.CleanupInterval = def.CleanupInterval
	}

	if config.StaleTimeout <= 0 {
		config.StaleTimeout = def.StaleTimeout
	}

	rl := &RateLimiter{config: config, stop: make(chan struct{})}

	for _, p := range config.TrustedProxies {
		prefix, err := parseProxy(p)
		if err != nil {
			log.Warn().Str("proxy", p).Err(err).Msg("Ignoring invalid trusted proxy")
			continue
		}

		rl.proxies = append(rl.proxies, prefix)
	}

	if config.Enabled && config.PerClient {
		go rl.evictLoop()
	}

	return rl
}

func parseProxy(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		return netip.ParsePrefix(s)
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}

	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func (rl *RateLimiter) evictLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.evictIdle()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) evictIdle() {
	now := time.Now().UnixNano()

	rl.buckets.Range(func(key, value any) bool {
		if value.(*TokenBucket).idleSince(now) > rl.config.StaleTimeout {
			rl.buckets.Delete(key)
			metrics.DecrementRateLimitClients()
		}

		return true
	})
}

// Close stops bucket eviction. It is safe to call more than once.
func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Allow reports whether client may make another request.
func (rl *RateLimiter) Allow(client string) bool {
	if !rl.config.Enabled {
		return true
	}

	if !rl.config.PerClient {
		client = ""
	}

	v, loaded := rl.buckets.LoadOrStore(client, NewTokenBucket(rl.config.RequestsPerSecond, rl.config.BurstSize))
	if !loaded {
		metrics.IncrementRateLimitClients()
	}

	return v.(*TokenBucket).Allow()
}

func (rl *RateLimiter) excluded(path string) bool {
	return slices.Contains(rl.config.ExcludedPaths, path)
}

func (rl *RateLimiter) trusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}

	addr = addr.Unmap()

	for _, p := range rl.proxies {
		if p.Contains(addr) {
			return true
		}
	}

	return false
}

// Middleware answers 429 with Retry-After once a client's bucket is empty.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.config.Enabled || rl.excluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		client := rl.ClientIP(r)
		route := normalizePath(r.URL.Path)

		if !rl.Allow(client) {
			log.Warn().
				Str("client_ip", client).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Msg("Rate limit exceeded")

			metrics.RecordRateLimitRequest(route, false)
			w.Header().Set("Retry-After", "1")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)

			return
		}

		metrics.RecordRateLimitRequest(route, true)
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the caller's address. Forwarding headers are honoured
// only when the direct peer is a trusted proxy; with X-Forwarded-For the
// rightmost hop that is not itself a trusted proxy wins.
func (rl *RateLimiter) ClientIP(r *http.Request) string {
	direct := remoteIP(r.RemoteAddr)
	if !rl.trusted(direct) {
		return direct
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if net.ParseIP(hop) == nil {
				continue
			}

			if !rl.trusted(hop) {
				return hop
			}
		}
	}

	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(real) != nil {
		return real
	}

	return direct
}

func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}

	return host
}
