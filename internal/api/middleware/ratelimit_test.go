package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket(t *testing.T) {
	t.Run("allows the burst then blocks", func(t *testing.T) {
		b := NewTokenBucket(10, 3)

		for range 3 {
			require.True(t, b.Allow())
		}

		assert.False(t, b.Allow())
	})

	t.Run("refills over time", func(t *testing.T) {
		b := NewTokenBucket(10, 1)

		require.True(t, b.Allow())
		require.False(t, b.Allow())

		time.Sleep(150 * time.Millisecond)

		assert.True(t, b.Allow())
	})

	t.Run("concurrent callers never exceed the burst", func(t *testing.T) {
		b := NewTokenBucket(1, 20)

		var (
			wg      sync.WaitGroup
			allowed atomic.Int64
		)

		for range 100 {
			wg.Add(1)

			go func() {
				defer wg.Done()

				if b.Allow() {
					allowed.Add(1)
				}
			}()
		}

		wg.Wait()
		assert.LessOrEqual(t, allowed.Load(), int64(21))
		assert.GreaterOrEqual(t, allowed.Load(), int64(20))
	})
}

func TestRateLimiterAllow(t *testing.T) {
	t.Run("disabled admits everything", func(t *testing.T) {
		rl := NewRateLimiter(RateLimitConfig{BurstSize: 1})
		defer rl.Close()

		for range 50 {
			assert.True(t, rl.Allow("10.0.0.1"))
		}
	})

	t.Run("per-client buckets are independent", func(t *testing.T) {
		rl := NewRateLimiter(RateLimitConfig{Enabled: true, PerClient: true, BurstSize: 2, RequestsPerSecond: 1})
		defer rl.Close()

		assert.True(t, rl.Allow("10.0.0.1"))
		assert.True(t, rl.Allow("10.0.0.1"))
		assert.False(t, rl.Allow("10.0.0.1"))
		assert.True(t, rl.Allow("10.0.0.2"))
	})

	t.Run("shared bucket", func(t *testing.T) {
		rl := NewRateLimiter(RateLimitConfig{Enabled: true, BurstSize: 2, RequestsPerSecond: 1})
		defer rl.Close()

		assert.True(t, rl.Allow("10.0.0.1"))
		assert.True(t, rl.Allow("10.0.0.2"))
		assert.False(t, rl.Allow("10.0.0.3"))
	})

	t.Run("idle buckets are evicted", func(t *testing.T) {
		rl := NewRateLimiter(RateLimitConfig{
			Enabled: true, PerClient: true, BurstSize: 1, RequestsPerSecond: 1,
			StaleTimeout: time.Millisecond,
		})
		defer rl.Close()

		require.True(t, rl.Allow("10.0.0.1"))
		require.False(t, rl.Allow("10.0.0.1"))

		time.Sleep(5 * time.Millisecond)
		rl.evictIdle()

		assert.True(t, rl.Allow("10.0.0.1"), "a fresh bucket starts full")
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	cfg.Enabled = true
	cfg.BurstSize = 2
	cfg.RequestsPerSecond = 1

	rl := NewRateLimiter(cfg)
	defer rl.Close()

	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(path, remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		return rec
	}

	assert.Equal(t, http.StatusNoContent, do("/api/v1/policies", "10.0.0.9:1000").Code)
	assert.Equal(t, http.StatusNoContent, do("/api/v1/policies", "10.0.0.9:1001").Code)

	limited := do("/api/v1/policies", "10.0.0.9:1002")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))

	for range 5 {
		assert.Equal(t, http.StatusNoContent, do("/health/ready", "10.0.0.9:1003").Code)
	}
}

func TestClientIP(t *testing.T) {
	trusted := NewRateLimiter(RateLimitConfig{TrustedProxies: []string{"127.0.0.1", "10.1.0.0/16", "not-an-ip"}})
	defer trusted.Close()

	untrusted := NewRateLimiter(RateLimitConfig{})
	defer untrusted.Close()

	tests := []struct {
		name   string
		rl     *RateLimiter
		remote string
		xff    string
		realIP string
		want   string
	}{
		{"direct peer", untrusted, "192.168.1.1:5000", "", "", "192.168.1.1"},
		{"ipv6 peer", untrusted, "[2001:db8::1]:5000", "", "", "2001:db8::1"},
		{"peer without port", untrusted, "192.168.1.1", "", "", "192.168.1.1"},
		{"forwarded header from untrusted peer is ignored", untrusted, "127.0.0.1:5000", "203.0.113.1", "", "127.0.0.1"},
		{"forwarded from trusted proxy", trusted, "127.0.0.1:5000", "203.0.113.1", "", "203.0.113.1"},
		{"rightmost untrusted hop wins", trusted, "127.0.0.1:5000", "198.51.100.7, 203.0.113.1, 10.1.2.3", "", "203.0.113.1"},
		{"garbage hops are skipped", trusted, "127.0.0.1:5000", "203.0.113.1, junk", "", "203.0.113.1"},
		{"x-real-ip from trusted proxy", trusted, "10.1.0.5:5000", "", "203.0.113.5", "203.0.113.5"},
		{"x-real-ip from untrusted peer", untrusted, "10.1.0.5:5000", "", "203.0.113.5", "10.1.0.5"},
		{"forwarded-for beats x-real-ip", trusted, "127.0.0.1:5000", "203.0.113.1", "203.0.113.5", "203.0.113.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote

			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}

			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}

			assert.Equal(t, tt.want, tt.rl.ClientIP(req))
		})
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/api/v1/policies/p-42", "/api/v1/policies/{policy}"},
		{"/api/v1/sessions/s1/transfer-attempts", "/api/v1/sessions/{session}/transfer-attempts"},
		{"/api/v1/watermark/configs/abc/instances/def", "/api/v1/watermark/configs/{config}/instances/{instance}"},
		{"/api/v1/forensics/detections/550e8400-e29b-41d4-a716-446655440000", "/api/v1/forensics/detections/{detection}"},
		{"/api/v1/audit/550e8400-e29b-41d4-a716-446655440000", "/api/v1/audit/{id}"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePath(tt.path))
		})
	}
}
