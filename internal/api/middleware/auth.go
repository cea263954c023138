package middleware

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/podshield/internal/auth"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

// TokenValidator validates bearer tokens for an audience.
type TokenValidator interface {
	ValidateToken(token, audience string) (*auth.Claims, error)
}

// RequireAuth rejects requests without a valid bearer token for audience
// and stores the caller's claims in the request context.
func RequireAuth(v TokenValidator, audience string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := auth.TokenFromRequest(r)
			if err != nil {
				apierrors.WriteJSON(w, apierrors.AccessDenied("missing bearer token"))
				return
			}

			claims, err := v.ValidateToken(token, audience)
			if err != nil {
				log.Debug().
					Err(err).
					Str("request_id", GetRequestID(r.Context())).
					Str("path", r.URL.Path).
					Msg("Rejected bearer token")

				apierrors.WriteJSON(w, apierrors.AccessDenied("invalid bearer token"))

				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
		})
	}
}

// RequireRole admits only callers holding one of roles. It must run after
// RequireAuth.
func RequireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.ClaimsFromContext(r.Context())
			if !ok || !claims.HasRole(roles...) {
				apierrors.WriteJSON(w, apierrors.AccessDenied("role not permitted"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
