package httputil_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/podshield/internal/httputil"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := httputil.DefaultConfig()

	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, httputil.DefaultMaxRedirects, cfg.MaxRedirects)
	assert.Equal(t, httputil.DefaultUserAgent, cfg.UserAgent)
	assert.False(t, cfg.SkipTLSVerify)
}

func TestClientSetsUserAgent(t *testing.T) {
	t.Parallel()

	var got string

	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	client := httputil.NewClientWithTimeout(5 * time.Second)
	assert.Equal(t, 5*time.Second, client.Timeout)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, httputil.DefaultUserAgent, got)
}

func TestClientRedirectLimits(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/loop":
			http.Redirect(w, r, "/loop", http.StatusFound)
		case "/file":
			http.Redirect(w, r, "file:///etc/passwd", http.StatusFound)
		}
	}))
	defer srv.Close()

	cfg := httputil.DefaultConfig()
	cfg.MaxRedirects = 2
	client := httputil.NewClient(cfg)

	_, err := client.Get(srv.URL + "/loop")
	assert.ErrorIs(t, err, httputil.ErrTooManyRedirects)

	_, err = client.Get(srv.URL + "/file")
	assert.ErrorIs(t, err, httputil.ErrUnsupportedScheme)
}

func TestFetch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/image.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("png-bytes"))
		case "/big":
			_, _ = w.Write([]byte(strings.Repeat("x", 100)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := httputil.NewClientWithTimeout(5 * time.Second)

	asset, err := httputil.Fetch(context.Background(), client, srv.URL+"/image.png", 1024)
	require.NoError(t, err)
	assert.Equal(t, "image/png", asset.ContentType)
	assert.Equal(t, []byte("png-bytes"), asset.Body)

	_, err = httputil.Fetch(context.Background(), client, srv.URL+"/big", 10)
	assert.ErrorIs(t, err, httputil.ErrBodyTooLarge)

	_, err = httputil.Fetch(context.Background(), client, srv.URL+"/missing", 1024)

	var statusErr *httputil.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)

	_, err = httputil.Fetch(context.Background(), client, "file:///etc/passwd", 1024)
	assert.ErrorIs(t, err, httputil.ErrUnsupportedScheme)
}

func TestDoJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	client := httputil.NewClientWithTimeout(5 * time.Second)

	var out struct {
		Status string `json:"status"`
	}

	require.NoError(t, httputil.DoJSON(context.Background(), client, http.MethodPost, srv.URL, "tok", map[string]string{"a": "b"}, &out))
	assert.Equal(t, "ok", out.Status)

	err := httputil.DoJSON(context.Background(), client, http.MethodGet, srv.URL, "", nil, nil)

	var statusErr *httputil.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.Contains(t, err.Error(), "unauthorized")
}
