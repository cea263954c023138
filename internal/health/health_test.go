package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/podshield/internal/testutil"
	"github.com/piwi3910/podshield/internal/testutil/mocks"
)

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type fixedSpool int

func (s fixedSpool) Pending() int { return int(s) }

func TestCheckAggregatesComponents(t *testing.T) {
	st := testutil.NewStore(t)

	tests := []struct {
		name   string
		store  Pinger
		bus    Pinger
		spool  Spool
		want   Status
		failed string
	}{
		{name: "all healthy", store: st, bus: mocks.NewMockBus(), want: StatusHealthy},
		{name: "spooled audit records", store: st, bus: mocks.NewMockBus(), spool: fixedSpool(3), want: StatusDegraded, failed: "audit_spool"},
		{name: "bus down", store: st, bus: failingPinger{}, want: StatusUnhealthy, failed: "bus"},
		{name: "missing store", bus: mocks.NewMockBus(), want: StatusUnhealthy, failed: "store"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(tt.store, tt.bus, tt.spool)

			status := c.Check(context.Background())
			assert.Equal(t, tt.want, status.Status)
			assert.Len(t, status.Checks, 3)

			if tt.failed != "" {
				assert.NotEqual(t, StatusHealthy, status.Checks[tt.failed].Status)
			}
		})
	}
}

func TestHandlers(t *testing.T) {
	healthy := NewHandler(NewChecker(testutil.NewStore(t), mocks.NewMockBus(), fixedSpool(0)))
	broken := NewHandler(NewChecker(testutil.NewStore(t), failingPinger{}, nil))

	tests := []struct {
		name    string
		handler http.HandlerFunc
		code    int
		status  string
	}{
		{"live", healthy.LivenessHandler, http.StatusOK, "ok"},
		{"ready", healthy.ReadinessHandler, http.StatusOK, "ready"},
		{"not ready", broken.ReadinessHandler, http.StatusServiceUnavailable, "not ready"},
		{"detailed healthy", healthy.DetailedHandler, http.StatusOK, string(StatusHealthy)},
		{"detailed unhealthy", broken.DetailedHandler, http.StatusServiceUnavailable, string(StatusUnhealthy)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.status, body["status"])
		})
	}
}

func TestCheckIsCached(t *testing.T) {
	bus := mocks.NewMockBus()
	c := NewChecker(testutil.NewStore(t), bus, nil)

	first := c.Check(context.Background())
	require.Equal(t, StatusHealthy, first.Status)

	require.NoError(t, bus.Close())

	assert.Same(t, first, c.Check(context.Background()))
	assert.False(t, c.IsReady(context.Background()), "readiness is never cached")
}
