package policy_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/podshield/internal/events"
	"github.com/piwi3910/podshield/internal/patterns"
	"github.com/piwi3910/podshield/internal/policy"
	"github.com/piwi3910/podshield/internal/testutil"
	"github.com/piwi3910/podshield/internal/testutil/mocks"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

type fixture struct {
	dir   *mocks.MockSessionDirectory
	bus   *mocks.MockBus
	repo  *policy.BadgerRepository
	store *policy.Store
	svc   *policy.Service
}

func newFixture(t *testing.T, cfg policy.CacheConfig) *fixture {
	t.Helper()

	f := &fixture{
		dir:  mocks.NewMockSessionDirectory(),
		bus:  mocks.NewMockBus(),
		repo: policy.NewBadgerRepository(testutil.NewStore(t)),
	}

	st, err := policy.NewStore(f.dir, f.repo, cfg)
	require.NoError(t, err)
	t.Cleanup(st.Close)

	f.store = st
	f.svc = policy.NewService(f.repo, st, f.bus)

	return f
}

func (f *fixture) createPolicy(t *testing.T, id string) *policy.SecurityPolicy {
	t.Helper()

	p, err := f.svc.Create(context.Background(), testutil.NewPermissivePolicy(id))
	require.NoError(t, err)

	return p
}

func TestResolveCachesPerSession(t *testing.T) {
	f := newFixture(t, policy.DefaultCacheConfig())
	ctx := context.Background()

	f.createPolicy(t, "p1")
	f.dir.Put(testutil.NewTestSession("s1", "p1"))

	p, err := f.store.Resolve(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)

	p.ClipboardPolicy = policy.ClipboardBlocked // snapshot mutation must not leak

	again, err := f.store.Resolve(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, policy.ClipboardBidirectional, again.ClipboardPolicy)
	assert.Equal(t, 1, f.dir.Calls())
	assert.Equal(t, []string{"s1"}, f.store.SessionsFor("p1"))
}

func TestResolveWithoutPolicyIsConfigurationError(t *testing.T) {
	f := newFixture(t, policy.DefaultCacheConfig())
	ctx := context.Background()

	f.dir.Put(testutil.NewTestSession("detached", ""))
	f.dir.Put(testutil.NewTestSession("dangling", "deleted-policy"))

	for _, id := range []string{"detached", "dangling"} {
		_, err := f.store.Resolve(ctx, id)
		assert.True(t, errors.Is(err, policy.ErrNoPolicy), "session %s: %v", id, err)
		testutil.AssertKind(t, err, apierrors.KindConfiguration)
	}

	_, err := f.store.Resolve(ctx, "unknown")
	assert.True(t, errors.Is(err, apierrors.ErrNotFound))
}

func TestUpdateInvalidatesAndPublishes(t *testing.T) {
	f := newFixture(t, policy.DefaultCacheConfig())
	ctx := context.Background()

	created := f.createPolicy(t, "p1")
	f.dir.Put(testutil.NewTestSession("s1", "p1"))

	_, err := f.store.Resolve(ctx, "s1")
	require.NoError(t, err)

	tightened := created.Clone()
	tightened.ClipboardPolicy = policy.ClipboardBlocked

	updated, changes, err := f.svc.Update(ctx, "p1", tightened)
	require.NoError(t, err)
	assert.Equal(t, []string{"clipboardPolicy"}, changes)
	assert.Equal(t, 2, updated.Version)

	p, err := f.store.Resolve(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, policy.ClipboardBlocked, p.ClipboardPolicy)

	published := f.bus.Published(events.TopicPolicyUpdates)
	require.Len(t, published, 1)

	var upd events.PolicyUpdated
	require.NoError(t, published[0].Decode(&upd))
	assert.Equal(t, "p1", upd.PolicyID)
	assert.Equal(t, []string{"clipboardPolicy"}, upd.Changes)
}

func TestBusUpdateInvalidatesRemoteCache(t *testing.T) {
	f := newFixture(t, policy.DefaultCacheConfig())
	ctx := context.Background()

	f.createPolicy(t, "p1")
	f.dir.Put(testutil.NewTestSession("s1", "p1"))

	sub, err := f.store.Subscribe(f.bus)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = f.store.Resolve(ctx, "s1")
	require.NoError(t, err)

	// Another node changed the policy directly in the shared repository.
	changed, err := f.repo.GetPolicy(ctx, "p1")
	require.NoError(t, err)
	changed.PrintPolicy = policy.PrintBlocked
	require.NoError(t, f.repo.PutPolicy(ctx, changed))

	require.NoError(t, events.Publish(ctx, f.bus, events.TopicPolicyUpdates, "tenant-1", "", events.PolicyUpdated{PolicyID: "p1"}))

	p, err := f.store.Resolve(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, policy.PrintBlocked, p.PrintPolicy)
	assert.Equal(t, 2, f.dir.Calls())
}

func TestResolveFallsBackToLastKnownPolicy(t *testing.T) {
	f := newFixture(t, policy.CacheConfig{TTL: 20 * time.Millisecond})
	ctx := context.Background()

	f.createPolicy(t, "p1")
	f.dir.Put(testutil.NewTestSession("s1", "p1"))

	_, err := f.store.Resolve(ctx, "s1")
	require.NoError(t, err)

	f.dir.SetGetError(apierrors.Transient("sessions", io.ErrUnexpectedEOF))
	time.Sleep(60 * time.Millisecond)

	p, err := f.store.Resolve(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)

	_, err = f.store.Resolve(ctx, "never-seen")
	testutil.AssertKind(t, err, apierrors.KindTransient)
}

func TestDeleteLeavesSessionsWithoutPolicy(t *testing.T) {
	f := newFixture(t, policy.DefaultCacheConfig())
	ctx := context.Background()

	f.createPolicy(t, "p1")
	f.dir.Put(testutil.NewTestSession("s1", "p1"))

	_, err := f.store.Resolve(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, "p1"))

	_, err = f.store.Resolve(ctx, "s1")
	assert.True(t, errors.Is(err, policy.ErrNoPolicy))

	err = f.svc.Delete(ctx, "p1")
	assert.True(t, errors.Is(err, apierrors.ErrNotFound))
}

func TestServiceCreateValidation(t *testing.T) {
	f := newFixture(t, policy.DefaultCacheConfig())
	ctx := context.Background()

	bad := testutil.NewPermissivePolicy("bad")
	bad.USBPolicy = "SOMETIMES"

	_, err := f.svc.Create(ctx, bad)
	assert.True(t, errors.Is(err, apierrors.ErrValidation))

	f.createPolicy(t, "dup")

	_, err = f.svc.Create(ctx, testutil.NewPermissivePolicy("dup"))
	assert.True(t, errors.Is(err, apierrors.ErrConflict))

	generated, err := f.svc.Create(ctx, testutil.NewPermissivePolicy(""))
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ID)

	other := testutil.NewPermissivePolicy("other-tenant")
	other.TenantID = "tenant-2"
	_, err = f.svc.Create(ctx, other)
	require.NoError(t, err)

	list, err := f.svc.List(ctx, testutil.DefaultTestTenant)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestApplyDefaultsAndHelpers(t *testing.T) {
	p := &policy.SecurityPolicy{
		USBWhitelist: []string{" 046D:C52B "},
		FileRules: policy.FileConstraints{
			AllowedExtensions: []string{"PDF", ".Txt"},
		},
	}
	p.ApplyDefaults()

	assert.Equal(t, policy.FailClosed, p.Scanning.SensitiveTimeoutMode)
	assert.Equal(t, policy.FailOpen, p.Scanning.MalwareTimeoutMode)
	assert.Equal(t, patterns.SeverityHigh, p.Scanning.MalwareFailClosedRisk)
	assert.Equal(t, []string{".pdf", ".txt"}, p.FileRules.AllowedExtensions)
	assert.True(t, p.USBWhitelisted("046d", "C52B"))
	assert.False(t, p.USBWhitelisted("046d", "0000"))

	assert.Equal(t, ".exe", policy.Extension(`C:\Users\x\Setup.EXE`))
	assert.Equal(t, "", policy.Extension("README"))
}

func TestDiffIgnoresBookkeeping(t *testing.T) {
	a := testutil.NewPermissivePolicy("p")
	b := a.Clone()
	b.Version = 7
	b.UpdatedAt = time.Now()
	b.USBWhitelist = []string{}

	assert.Empty(t, policy.Diff(a, b))

	b.FileRules.MaxFileSize = 10
	b.KeystrokeLogging = true
	assert.Equal(t, []string{"fileRules", "keystrokeLogging"}, policy.Diff(a, b))
}

func TestPolicyIndexIsBoundedByCache(t *testing.T) {
	f := newFixture(t, policy.CacheConfig{MaxItems: 8})
	ctx := context.Background()

	f.createPolicy(t, "p1")

	for i := range 200 {
		id := fmt.Sprintf("s%03d", i)
		f.dir.Put(testutil.NewTestSession(id, "p1"))

		_, err := f.store.Resolve(ctx, id)
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, f.store.Indexed(), 8)
	assert.LessOrEqual(t, len(f.store.SessionsFor("p1")), 8)

	f.store.Invalidate("p1")
	assert.Zero(t, f.store.Indexed())
	assert.Empty(t, f.store.SessionsFor("p1"))
}

func TestKilledSessionIsForgotten(t *testing.T) {
	f := newFixture(t, policy.DefaultCacheConfig())
	ctx := context.Background()

	f.createPolicy(t, "p1")
	f.dir.Put(testutil.NewTestSession("s1", "p1"))
	f.dir.Put(testutil.NewTestSession("s2", "p1"))

	sub, err := f.store.Subscribe(f.bus)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for _, id := range []string{"s1", "s2"} {
		_, err := f.store.Resolve(ctx, id)
		require.NoError(t, err)
	}

	require.Equal(t, 2, f.store.Indexed())

	require.NoError(t, events.Publish(ctx, f.bus, events.TopicSessionKilled, "tenant-1", "s1",
		events.SessionKilled{SessionID: "s1", Reason: "confirmed leak"}))

	assert.Equal(t, []string{"s2"}, f.store.SessionsFor("p1"))

	// Nothing is kept to fall back on for the killed session.
	f.dir.SetGetError(apierrors.Transient("sessions", io.ErrUnexpectedEOF))

	_, err = f.store.Resolve(ctx, "s1")
	testutil.AssertKind(t, err, apierrors.KindTransient)
}
