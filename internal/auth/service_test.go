package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/podshield/pkg/apierrors"
)

const testSecret = "test-secret-that-is-at-least-32-bytes"

func newService(t *testing.T) *Service {
	t.Helper()

	svc, err := NewService(Config{JWTSecret: testSecret, Issuer: "podshield-test"})
	require.NoError(t, err)

	return svc
}

func TestIssueAndValidate(t *testing.T) {
	svc := newService(t)

	token, err := svc.IssueToken("user-1", "tenant-1", RoleAdmin, svc.OperatorAudience())
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token, svc.OperatorAudience())
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID())
	assert.Equal(t, "tenant-1", claims.TenantID)
	assert.True(t, claims.HasRole(RoleAdmin, RoleReviewer))
	assert.False(t, claims.HasRole(RoleContractor))
	assert.True(t, claims.CanAccessTenant("tenant-1"))
	assert.False(t, claims.CanAccessTenant("tenant-2"))

	_, err = svc.ValidateToken(token, svc.SessionAudience())
	assert.ErrorIs(t, err, apierrors.ErrAccessDenied)
}

func TestValidateRejectsBadTokens(t *testing.T) {
	svc := newService(t)

	other, err := NewService(Config{JWTSecret: "another-secret-that-is-32-bytes-long"})
	require.NoError(t, err)

	forged, err := other.IssueToken("user-1", "tenant-1", RoleAdmin, svc.OperatorAudience())
	require.NoError(t, err)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "podshield-test",
			Subject:   "user-1",
			Audience:  jwt.ClaimStrings{svc.OperatorAudience()},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	expiredToken, err := expired.SignedString([]byte(testSecret))
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Audience:  jwt.ClaimStrings{svc.OperatorAudience()},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	noneToken, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"forged":  forged,
		"expired": expiredToken,
		"none":    noneToken,
		"garbage": "not.a.token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.ValidateToken(token, svc.OperatorAudience())
			assert.ErrorIs(t, err, apierrors.ErrAccessDenied)
		})
	}
}

func TestNewServiceRequiresStrongSecret(t *testing.T) {
	_, err := NewService(Config{JWTSecret: "short"})
	assert.ErrorIs(t, err, apierrors.ErrConfiguration)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/v1/policies/p1", nil)
	r.Header.Set("Authorization", "Bearer abc")

	token, err := TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	r = httptest.NewRequest("GET", "/api/v1/ws/sessions/s1?access_token=xyz", nil)
	token, err = TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "xyz", token)

	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Basic abc")

	_, err = TokenFromRequest(r)
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestClaimsContext(t *testing.T) {
	_, ok := ClaimsFromContext(t.Context())
	assert.False(t, ok)

	ctx := WithClaims(t.Context(), &Claims{TenantID: AllTenants})

	c, ok := ClaimsFromContext(ctx)
	require.True(t, ok)
	assert.True(t, c.CanAccessTenant("any"))
}
