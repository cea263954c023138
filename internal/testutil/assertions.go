package testutil

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/podshield/pkg/apierrors"
)

// AssertKind asserts that err is a classified error of the given kind.
func AssertKind(t *testing.T, err error, kind apierrors.Kind) {
	t.Helper()
	require.Error(t, err)

	var e *apierrors.Error
	require.True(t, errors.As(err, &e), "expected a classified error, got %v", err)
	assert.Equal(t, kind, e.Kind, "error kind should match: %v", err)
}

// AssertErrorResponse asserts a JSON error body with the given status and kind.
func AssertErrorResponse(t *testing.T, rec *httptest.ResponseRecorder, status int, kind apierrors.Kind) {
	t.Helper()
	assert.Equal(t, status, rec.Code, "status should match, body: %s", rec.Body.String())

	var resp apierrors.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, kind, resp.Error.Kind)
}

// DecodeJSON decodes a recorder body into v.
func DecodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), "body: %s", rec.Body.String())
}
