package killswitch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/podshield/internal/events"
	"github.com/piwi3910/podshield/internal/store"
	"github.com/piwi3910/podshield/internal/testutil"
	"github.com/piwi3910/podshield/internal/testutil/mocks"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

type fixture struct {
	sw   *Switch
	dir  *mocks.MockSessionDirectory
	ctrl *mocks.MockController
	bus  *mocks.MockBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		dir:  mocks.NewMockSessionDirectory(),
		ctrl: mocks.NewMockController(),
		bus:  mocks.NewMockBus(),
	}
	f.sw = New(testutil.NewStore(t), f.dir, f.ctrl, f.bus, Config{MaxRetries: 2, RetryDelay: time.Millisecond})
	f.dir.Put(testutil.NewTestSession("s1", "p1"))

	return f
}

func TestActivateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.False(t, f.sw.Killed("s1"))

	first, created, err := f.sw.Activate(ctx, Request{SessionID: "s1", Reason: "leak", Trigger: TriggerConfirmedLeak, DetectionID: "d1"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, testutil.DefaultTestTenant, first.TenantID)
	assert.Equal(t, testutil.DefaultTestUser, first.UserID)
	assert.True(t, f.sw.Killed("s1"))

	second, created, err := f.sw.Activate(ctx, Request{SessionID: "s1", Reason: "again"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "leak", second.Reason)

	assert.Equal(t, []mocks.TerminationRecord{{SessionID: "s1", Reason: "leak"}}, f.ctrl.Terminations())

	published := f.bus.Published(events.TopicSessionKilled)
	require.Len(t, published, 1)

	var msg events.SessionKilled
	require.NoError(t, published[0].Decode(&msg))
	assert.Equal(t, "d1", msg.DetectionID)
	assert.Equal(t, string(TriggerConfirmedLeak), msg.Trigger)

	page, err := f.sw.ListEvents(ctx, Filter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestActivateRetriesAndStillBlocksLocally(t *testing.T) {
	f := newFixture(t)
	f.ctrl.SetError(apierrors.Transient("session controller", errors.New("down")))

	event, created, err := f.sw.Activate(context.Background(), Request{SessionID: "s1", Reason: "manual"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, TriggerManual, event.Trigger)
	assert.NotEmpty(t, event.TerminationError)
	assert.Len(t, f.ctrl.Terminations(), 3)
	assert.True(t, f.sw.Killed("s1"))

	stored, err := f.sw.Event(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, event.TerminationError, stored.TerminationError)
}

func TestActivateUnknownSession(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.sw.Activate(context.Background(), Request{SessionID: "missing"})
	assert.ErrorIs(t, err, apierrors.ErrNotFound)
	assert.False(t, f.sw.Killed("missing"))

	_, _, err = f.sw.Activate(context.Background(), Request{})
	assert.ErrorIs(t, err, apierrors.ErrValidation)

	_, err = f.sw.Event(context.Background(), "missing")
	assert.ErrorIs(t, err, apierrors.ErrNotFound)
}

func TestKilledSurvivesRestartAndRemoteKills(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.sw.Activate(context.Background(), Request{SessionID: "s1"})
	require.NoError(t, err)

	restarted := New(f.sw.st, f.dir, f.ctrl, nil, DefaultConfig())
	assert.True(t, restarted.Killed("s1"))

	sub, err := restarted.Subscribe(f.bus)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, events.Publish(context.Background(), f.bus, events.TopicSessionKilled, "tenant-1", "remote",
		events.SessionKilled{SessionID: "remote"}))
	assert.True(t, restarted.Killed("remote"))
}

func TestKilledFailsClosedWhenStoreUnavailable(t *testing.T) {
	st, err := store.Open(store.Options{InMemory: true})
	require.NoError(t, err)

	sw := New(st, mocks.NewMockSessionDirectory(), mocks.NewMockController(), nil, DefaultConfig())
	assert.False(t, sw.Killed("s1"))

	require.NoError(t, st.Close())
	assert.True(t, sw.Killed("s1"))
	assert.True(t, sw.Killed("never-seen"))

	sw.mu.RLock()
	defer sw.mu.RUnlock()
	assert.Empty(t, sw.killed)
}
