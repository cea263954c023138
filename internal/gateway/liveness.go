package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"

	"github.com/piwi3910/podshield/pkg/apierrors"
)

// Liveness is the last heartbeat of a session.
type Liveness struct {
	LastSeen   time.Time          `json:"lastSeen"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	SessionID  string             `json:"sessionId"`
	NodeID     string             `json:"nodeId,omitempty"`
	ClientTime int64              `json:"clientTime"`
}

// LivenessStore keeps short-lived heartbeat records. Entries expire on their
// own if a session stops sending heartbeats.
type LivenessStore interface {
	Touch(ctx context.Context, l *Liveness) error
	Get(ctx context.Context, sessionID string) (*Liveness, error)
	Clear(ctx context.Context, sessionID string) error
}

// MemoryLiveness keeps heartbeats in a ristretto cache on this node.
type MemoryLiveness struct {
	cache *ristretto.Cache[string, *Liveness]
	ttl   time.Duration
}

// NewMemoryLiveness creates an in-process liveness store.
func NewMemoryLiveness(ttl time.Duration) (*MemoryLiveness, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *Liveness]{
		NumCounters:        100_000,
		MaxCost:            10_000,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create liveness cache: %w", err)
	}

	return &MemoryLiveness{cache: cache, ttl: ttl}, nil
}

// Touch implements LivenessStore.
func (m *MemoryLiveness) Touch(_ context.Context, l *Liveness) error {
	m.cache.SetWithTTL(l.SessionID, l, 1, m.ttl)
	m.cache.Wait()

	return nil
}

// Get implements LivenessStore.
func (m *MemoryLiveness) Get(_ context.Context, sessionID string) (*Liveness, error) {
	l, ok := m.cache.Get(sessionID)
	if !ok {
		return nil, apierrors.NotFound("liveness", sessionID)
	}

	return l, nil
}

// Clear implements LivenessStore.
func (m *MemoryLiveness) Clear(_ context.Context, sessionID string) error {
	m.cache.Del(sessionID)
	return nil
}

// Close releases the cache.
func (m *MemoryLiveness) Close() {
	m.cache.Close()
}

// RedisLiveness shares heartbeats between nodes through Redis keys with an
// expiry.
type RedisLiveness struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLiveness creates a Redis-backed liveness store.
func NewRedisLiveness(client *redis.Client, prefix string, ttl time.Duration) *RedisLiveness {
	if prefix == "" {
		prefix = "podshield"
	}

	return &RedisLiveness{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisLiveness) key(sessionID string) string {
	return r.prefix + ":liveness:" + sessionID
}

// Touch implements LivenessStore.
func (r *RedisLiveness) Touch(ctx context.Context, l *Liveness) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("failed to marshal liveness: %w", err)
	}

	if err := r.client.Set(ctx, r.key(l.SessionID), data, r.ttl).Err(); err != nil {
		return apierrors.Transient("redis", err)
	}

	return nil
}

// Get implements LivenessStore.
func (r *RedisLiveness) Get(ctx context.Context, sessionID string) (*Liveness, error) {
	data, err := r.client.Get(ctx, r.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apierrors.NotFound("liveness", sessionID)
	}

	if err != nil {
		return nil, apierrors.Transient("redis", err)
	}

	var l Liveness
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to unmarshal liveness: %w", err)
	}

	return &l, nil
}

// Clear implements LivenessStore.
func (r *RedisLiveness) Clear(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return apierrors.Transient("redis", err)
	}

	return nil
}
