// Package testutil provides shared fixtures, assertions and mock
// collaborators for PodShield tests.
//
// Usage:
//
//	import (
//		"github.com/piwi3910/podshield/internal/testutil"
//		"github.com/piwi3910/podshield/internal/testutil/mocks"
//	)
//
//	func TestSomething(t *testing.T) {
//		st := testutil.NewStore(t)
//		dir := mocks.NewMockSessionDirectory()
//		dir.Put(testutil.NewTestSession("s1", "p1"))
//
//		// Configure error injection
//		dir.SetGetError(apierrors.Transient("sessions", io.EOF))
//	}
package testutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/piwi3910/podshield/internal/store"
)

// ContainsStringInsensitive checks if s contains substr ignoring case.
func ContainsStringInsensitive(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// NewStore opens an in-memory store closed at test cleanup.
func NewStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(store.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return st
}
