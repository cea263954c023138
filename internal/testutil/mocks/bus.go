package mocks

import (
	"context"
	"errors"
	"sync"

	"github.com/piwi3910/podshield/internal/events"
)

// MockBus implements events.Bus. Publish delivers synchronously to
// subscribers and records every envelope.
type MockBus struct {
	subs       map[events.Topic]map[int]events.Handler
	published  []*events.Envelope
	publishErr error
	nextID     int
	closed     bool
	mu         sync.Mutex
}

// NewMockBus creates a bus.
func NewMockBus() *MockBus {
	return &MockBus{subs: make(map[events.Topic]map[int]events.Handler)}
}

// SetPublishError sets the error to return on Publish calls.
func (m *MockBus) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.publishErr = err
}

// Publish implements events.Bus.
func (m *MockBus) Publish(ctx context.Context, env *events.Envelope) error {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return events.ErrBusClosed
	}

	if m.publishErr != nil {
		err := m.publishErr
		m.mu.Unlock()

		return err
	}

	m.published = append(m.published, env)

	handlers := make([]events.Handler, 0, len(m.subs[env.Topic]))
	for _, h := range m.subs[env.Topic] {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	var errs []error
	for _, h := range handlers {
		errs = append(errs, h(ctx, env))
	}

	return errors.Join(errs...)
}

type mockSubscription struct {
	bus   *MockBus
	topic events.Topic
	id    int
}

func (s *mockSubscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	delete(s.bus.subs[s.topic], s.id)
}

// Subscribe implements events.Bus.
func (m *MockBus) Subscribe(topic events.Topic, handler events.Handler) (events.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, events.ErrBusClosed
	}

	if m.subs[topic] == nil {
		m.subs[topic] = make(map[int]events.Handler)
	}

	m.nextID++
	m.subs[topic][m.nextID] = handler

	return &mockSubscription{bus: m, topic: topic, id: m.nextID}, nil
}

// Ping implements events.Bus.
func (m *MockBus) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return events.ErrBusClosed
	}

	return nil
}

// Close implements events.Bus.
func (m *MockBus) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	return nil
}

// Published returns the envelopes published on topic.
func (m *MockBus) Published(topic events.Topic) []*events.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*events.Envelope

	for _, env := range m.published {
		if env.Topic == topic {
			out = append(out, env)
		}
	}

	return out
}
