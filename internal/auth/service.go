// Package auth verifies the bearer tokens presented to PodShield.
//
// Two audiences are accepted: operator tokens for the REST API and session
// tokens for the real-time channel. Tokens are HMAC-signed JWTs issued by the
// platform's identity service; PodShield only verifies them. IssueToken exists
// for the CLI and tests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/piwi3910/podshield/pkg/apierrors"
)

// Role is the caller's role.
type Role string

const (
	// RoleAdmin administers policies, watermark configurations and the kill
	// switch of its tenant.
	RoleAdmin Role = "admin"
	// RoleReviewer works forensic investigations.
	RoleReviewer Role = "reviewer"
	// RoleService is a platform service such as the session-lifecycle service.
	RoleService Role = "service"
	// RoleContractor owns sessions and only talks to the real-time channel.
	RoleContractor Role = "contractor"
)

// AllTenants in a token's tenant claim grants access to every tenant.
const AllTenants = "*"

// Config holds token verification settings.
type Config struct {
	JWTSecret        string
	Issuer           string
	OperatorAudience string
	SessionAudience  string
	TokenExpiry      time.Duration
}

// Claims are the PodShield token claims.
type Claims struct {
	jwt.RegisteredClaims

	TenantID string `json:"tenant_id"`
	Role     Role   `json:"role"`
	Email    string `json:"email,omitempty"`
}

// UserID returns the token subject.
func (c *Claims) UserID() string {
	return c.Subject
}

// HasRole reports whether the caller holds one of roles.
func (c *Claims) HasRole(roles ...Role) bool {
	return slices.Contains(roles, c.Role)
}

// CanAccessTenant reports whether the caller may act on tenantID.
func (c *Claims) CanAccessTenant(tenantID string) bool {
	return c.TenantID == AllTenants || (tenantID != "" && c.TenantID == tenantID)
}

// Service verifies and issues tokens.
type Service struct {
	config Config
}

// NewService creates a token service.
func NewService(config Config) (*Service, error) {
	if len(config.JWTSecret) < 32 {
		return nil, apierrors.Configuration("AUTH_SECRET", "jwt secret must be at least 32 bytes")
	}

	if config.OperatorAudience == "" {
		config.OperatorAudience = "podshield-api"
	}

	if config.SessionAudience == "" {
		config.SessionAudience = "podshield-session"
	}

	if config.TokenExpiry <= 0 {
		config.TokenExpiry = time.Hour
	}

	return &Service{config: config}, nil
}

// OperatorAudience returns the REST API audience.
func (s *Service) OperatorAudience() string {
	return s.config.OperatorAudience
}

// SessionAudience returns the real-time channel audience.
func (s *Service) SessionAudience() string {
	return s.config.SessionAudience
}

// IssueToken signs a token for userID.
func (s *Service) IssueToken(userID, tenantID string, role Role, audience string) (string, error) {
	now := time.Now()

	claims := Claims{
		TenantID: tenantID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.config.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

// ValidateToken verifies tokenString for audience and returns its claims.
// Every failure is an AccessDenied error.
func (s *Service) ValidateToken(tokenString, audience string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	}

	if s.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.config.Issuer))
	}

	var claims Claims

	token, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return []byte(s.config.JWTSecret), nil
	}, opts...)
	if err != nil {
		return nil, apierrors.AccessDenied("invalid token").Wrap(err)
	}

	if !token.Valid || claims.Subject == "" {
		return nil, apierrors.AccessDenied("invalid token")
	}

	return &claims, nil
}

// ErrNoToken is returned when a request carries no bearer token.
var ErrNoToken = errors.New("auth: no bearer token")

// TokenFromRequest extracts the bearer token from the Authorization header
// or, for browser websocket clients, the access_token query parameter.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			return "", ErrNoToken
		}

		return strings.TrimSpace(token), nil
	}

	if token := r.URL.Query().Get("access_token"); token != "" {
		return token, nil
	}

	return "", ErrNoToken
}

type claimsKey struct{}

// WithClaims stores claims in ctx.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFromContext returns the claims stored by the auth middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)

	return c, ok
}
