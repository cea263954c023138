package events_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/podshield/internal/events"
)

type recorder struct {
	got []*events.Envelope
	mu  sync.Mutex
}

func (r *recorder) handle(_ context.Context, env *events.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.got = append(r.got, env)

	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.got)
}

func newBus(t *testing.T) *events.MemoryBus {
	t.Helper()

	bus := events.NewMemoryBus(events.MemoryBusConfig{RetryDelay: 5 * time.Millisecond})
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestMemoryBusFanOut(t *testing.T) {
	bus := newBus(t)

	var a, b, other recorder

	_, err := bus.Subscribe(events.TopicSecurityAlerts, a.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe(events.TopicSecurityAlerts, b.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe(events.TopicPolicyUpdates, other.handle)
	require.NoError(t, err)

	alert := events.SecurityAlert{TenantID: "t1", SessionID: "s1", Reason: "SENSITIVE_DATA_BLOCKED", Severity: "HIGH"}
	require.NoError(t, events.Publish(context.Background(), bus, events.TopicSecurityAlerts, "t1", "s1", alert))

	assert.Eventually(t, func() bool { return a.count() == 1 && b.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, other.count())

	var decoded events.SecurityAlert

	a.mu.Lock()
	require.NoError(t, a.got[0].Decode(&decoded))
	a.mu.Unlock()
	assert.Equal(t, alert, decoded)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := newBus(t)

	var r recorder

	sub, err := bus.Subscribe(events.TopicPolicyUpdates, r.handle)
	require.NoError(t, err)

	sub.Unsubscribe()
	sub.Unsubscribe()

	require.NoError(t, events.Publish(context.Background(), bus, events.TopicPolicyUpdates, "t1", "", events.PolicyUpdated{PolicyID: "p1"}))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, r.count())
}

func TestMemoryBusRetriesFailedHandler(t *testing.T) {
	bus := newBus(t)

	var calls atomic.Int32

	_, err := bus.Subscribe(events.TopicSessionKilled, func(context.Context, *events.Envelope) error {
		if calls.Add(1) < 2 {
			return errors.New("transient")
		}

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, events.Publish(context.Background(), bus, events.TopicSessionKilled, "t1", "s1", events.SessionKilled{SessionID: "s1"}))

	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestMemoryBusRecoversHandlerPanic(t *testing.T) {
	bus := newBus(t)

	var calls atomic.Int32

	_, err := bus.Subscribe(events.TopicSecurityAlerts, func(context.Context, *events.Envelope) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, events.Publish(context.Background(), bus, events.TopicSecurityAlerts, "t1", "s1", events.SecurityAlert{}))

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestMemoryBusClosed(t *testing.T) {
	bus := events.NewMemoryBus(events.MemoryBusConfig{})
	require.NoError(t, bus.Ping(context.Background()))
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	env, err := events.NewEnvelope(events.TopicSecurityAlerts, "t", "s", events.SecurityAlert{})
	require.NoError(t, err)

	assert.ErrorIs(t, bus.Publish(context.Background(), env), events.ErrBusClosed)
	assert.ErrorIs(t, bus.Ping(context.Background()), events.ErrBusClosed)

	_, err = bus.Subscribe(events.TopicSecurityAlerts, func(context.Context, *events.Envelope) error { return nil })
	assert.ErrorIs(t, err, events.ErrBusClosed)
}

func TestEnvelopeDecodeError(t *testing.T) {
	env := &events.Envelope{Topic: events.TopicPolicyUpdates, Payload: []byte("not json")}

	var p events.PolicyUpdated
	assert.Error(t, env.Decode(&p))
}
