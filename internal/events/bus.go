// Package events provides the shared pub/sub bus that relays policy updates,
// security alerts and kill-switch activations between PodShield components
// and nodes.
package events

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/podshield/internal/metrics"
)

// Common errors.
var (
	ErrBusClosed = errors.New("bus is closed")
	ErrBusFull   = errors.New("bus queue is full")
)

// Handler consumes envelopes for a topic. A non-nil error asks the bus to
// redeliver where the backend supports it.
type Handler func(ctx context.Context, env *Envelope) error

// Subscription is returned by Subscribe.
type Subscription interface {
	Unsubscribe()
}

// Bus publishes envelopes and fans them out to subscribers.
type Bus interface {
	Publish(ctx context.Context, env *Envelope) error
	Subscribe(topic Topic, handler Handler) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// Publish wraps payload in an envelope and publishes it, recording the
// outcome. Failures are logged and returned; callers decide whether they are
// fatal.
func Publish(ctx context.Context, bus Bus, topic Topic, tenantID, sessionID string, payload any) error {
	env, err := NewEnvelope(topic, tenantID, sessionID, payload)
	if err != nil {
		return err
	}

	err = bus.Publish(ctx, env)
	metrics.RecordBusPublish(string(topic), err)

	if err != nil {
		log.Warn().
			Err(err).
			Str("topic", string(topic)).
			Str("tenant_id", tenantID).
			Str("session_id", sessionID).
			Msg("Failed to publish bus message")
	}

	return err
}
