package middleware

import (
	"net/http"
)

// SecurityHeadersConfig lists the response headers set on every API reply.
// Empty values are skipped.
type SecurityHeadersConfig struct {
	ContentSecurityPolicy   string
	XFrameOptions           string
	XContentTypeOptions     string
	StrictTransportSecurity string
	ReferrerPolicy          string
	PermissionsPolicy       string
	CacheControl            string
	// EnableHSTS adds Strict-Transport-Security; enable only behind TLS.
	EnableHSTS bool
}

// DefaultSecurityHeadersConfig returns headers suited to a JSON API that
// serves no browser content.
func DefaultSecurityHeadersConfig() SecurityHeadersConfig {
	return SecurityHeadersConfig{
		ContentSecurityPolicy:   "default-src 'none'; frame-ancestors 'none'",
		XFrameOptions:           "DENY",
		XContentTypeOptions:     "nosniff",
		StrictTransportSecurity: "max-age=31536000; includeSubDomains",
		ReferrerPolicy:          "no-referrer",
		PermissionsPolicy:       "camera=(), microphone=(), geolocation=(), display-capture=()",
		CacheControl:            "no-store",
	}
}

// SecurityHeaders sets the configured headers before the handler runs.
// Decisions, audit records and watermark payloads must never be cached.
func SecurityHeaders(cfg SecurityHeadersConfig) func(http.Handler) http.Handler {
	headers := [][2]string{
		{"Content-Security-Policy", cfg.ContentSecurityPolicy},
		{"X-Frame-Options", cfg.XFrameOptions},
		{"X-Content-Type-Options", cfg.XContentTypeOptions},
		{"Referrer-Policy", cfg.ReferrerPolicy},
		{"Permissions-Policy", cfg.PermissionsPolicy},
		{"Cache-Control", cfg.CacheControl},
	}

	if cfg.EnableHSTS {
		headers = append(headers, [2]string{"Strict-Transport-Security", cfg.StrictTransportSecurity})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()

			for _, kv := range headers {
				if kv[1] != "" {
					h.Set(kv[0], kv[1])
				}
			}

			if cfg.CacheControl == "no-store" {
				h.Set("Pragma", "no-cache")
			}

			next.ServeHTTP(w, r)
		})
	}
}
