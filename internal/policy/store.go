package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/piwi3910/podshield/internal/events"
	"github.com/piwi3910/podshield/internal/metrics"
	"github.com/piwi3910/podshield/internal/session"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

// CodeNoPolicy is the reason code for a session without a usable policy.
const CodeNoPolicy = "NO_POLICY"

// ErrNoPolicy is returned when a session has no attached policy or the
// attached policy does not exist.
var ErrNoPolicy = &apierrors.Error{Kind: apierrors.KindConfiguration, Code: CodeNoPolicy}

// CacheConfig configures the session policy cache.
type CacheConfig struct {
	TTL time.Duration
	// StaleTTL bounds how long the last resolved policy of a session is kept
	// for use while the session directory or repository is unavailable.
	StaleTTL time.Duration
	MaxItems int64
}

// DefaultCacheConfig returns the default cache configuration.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 5 * time.Minute, StaleTTL: time.Hour, MaxItems: 100_000}
}

type cacheEntry struct {
	policy    *SecurityPolicy
	sessionID string
	gen       uint64
}

type indexEntry struct {
	policyID string
	gen      uint64
}

// Store resolves the policy governing a session.
//
// Resolved policies are cached per session. Invalidation is push-based: an
// update for a policy drops every session entry that resolved to it, and
// loads that raced with the invalidation are not cached. When the session
// directory or repository is unavailable the last policy successfully
// resolved for the session is served instead.
//
// The policy index only holds sessions that are in the cache; entries are
// unindexed when the cache evicts, expires or rejects them. s.mu is never
// held while waiting on either cache, since their callbacks take it.
type Store struct {
	sessions  session.Directory
	repo      Repository
	cache     *ristretto.Cache[string, *cacheEntry]
	lastKnown *ristretto.Cache[string, *SecurityPolicy]
	group     singleflight.Group
	bySession map[string]indexEntry
	byPolicy  map[string]map[string]struct{}
	ttl       time.Duration
	staleTTL  time.Duration
	epoch     uint64
	gen       uint64
	mu        sync.Mutex
}

// NewStore creates a Policy Store.
func NewStore(sessions session.Directory, repo Repository, cfg CacheConfig) (*Store, error) {
	def := DefaultCacheConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}

	if cfg.StaleTTL <= 0 {
		cfg.StaleTTL = def.StaleTTL
	}

	if cfg.StaleTTL < cfg.TTL {
		cfg.StaleTTL = cfg.TTL
	}

	if cfg.MaxItems <= 0 {
		cfg.MaxItems = def.MaxItems
	}

	s := &Store{
		sessions:  sessions,
		repo:      repo,
		bySession: make(map[string]indexEntry),
		byPolicy:  make(map[string]map[string]struct{}),
		ttl:       cfg.TTL,
		staleTTL:  cfg.StaleTTL,
	}

	unindex := func(item *ristretto.Item[*cacheEntry]) {
		if item.Value != nil {
			s.unindex(item.Value)
		}
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *cacheEntry]{
		NumCounters:        cfg.MaxItems * 10,
		MaxCost:            cfg.MaxItems,
		BufferItems:        64,
		IgnoreInternalCost: true,
		OnEvict:            unindex,
		OnReject:           unindex,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create policy cache: %w", err)
	}

	lastKnown, err := ristretto.NewCache(&ristretto.Config[string, *SecurityPolicy]{
		NumCounters:        cfg.MaxItems * 10,
		MaxCost:            cfg.MaxItems,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		cache.Close()
		return nil, fmt.Errorf("failed to create last-known policy cache: %w", err)
	}

	s.cache = cache
	s.lastKnown = lastKnown

	return s, nil
}

// Close releases the caches.
func (s *Store) Close() {
	s.cache.Close()
	s.lastKnown.Close()
}

// Resolve returns a snapshot of the policy governing sessionID.
//
// It returns a NotFound error for unknown sessions and ErrNoPolicy when the
// session has no usable policy.
func (s *Store) Resolve(ctx context.Context, sessionID string) (*SecurityPolicy, error) {
	if e, ok := s.cache.Get(sessionID); ok {
		metrics.RecordPolicyCache("hit")
		return e.policy.Clone(), nil
	}

	metrics.RecordPolicyCache("miss")

	v, err, _ := s.group.Do(sessionID, func() (any, error) {
		return s.load(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}

	p, _ := v.(*SecurityPolicy)

	return p.Clone(), nil
}

func (s *Store) load(ctx context.Context, sessionID string) (*SecurityPolicy, error) {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, apierrors.ErrNotFound) {
			return nil, err
		}

		return s.fallback(sessionID, err)
	}

	if sess.PolicyID == "" {
		return nil, ErrNoPolicy.WithResource(sessionID)
	}

	p, err := s.repo.GetPolicy(ctx, sess.PolicyID)
	if err != nil {
		if errors.Is(err, apierrors.ErrNotFound) {
			return nil, ErrNoPolicy.WithResource(sessionID).Wrap(err)
		}

		return s.fallback(sessionID, err)
	}

	s.mu.Lock()

	s.lastKnown.SetWithTTL(sessionID, p, 1, s.staleTTL)

	// An invalidation ran while this load was in flight; the result may be
	// the pre-update policy, so serve it once without caching it.
	if s.epoch == epoch {
		s.gen++
		e := &cacheEntry{policy: p, sessionID: sessionID, gen: s.gen}

		s.index(e)

		if !s.cache.SetWithTTL(sessionID, e, 1, s.ttl) {
			s.unindexLocked(e)
		}
	}

	s.mu.Unlock()

	s.cache.Wait()
	s.lastKnown.Wait()

	return p, nil
}

func (s *Store) fallback(sessionID string, cause error) (*SecurityPolicy, error) {
	p, ok := s.lastKnown.Get(sessionID)
	if !ok {
		return nil, apierrors.Transient("policy store", cause)
	}

	metrics.RecordPolicyCache("stale")
	log.Warn().
		Err(cause).
		Str("session_id", sessionID).
		Str("policy_id", p.ID).
		Msg("Policy source unavailable, using last known policy")

	return p, nil
}

// index must be called with s.mu held.
func (s *Store) index(e *cacheEntry) {
	if prev, ok := s.bySession[e.sessionID]; ok {
		s.dropFromPolicy(prev.policyID, e.sessionID)
	}

	s.bySession[e.sessionID] = indexEntry{policyID: e.policy.ID, gen: e.gen}

	if s.byPolicy[e.policy.ID] == nil {
		s.byPolicy[e.policy.ID] = make(map[string]struct{})
	}

	s.byPolicy[e.policy.ID][e.sessionID] = struct{}{}
}

func (s *Store) unindex(e *cacheEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unindexLocked(e)
}

// unindexLocked removes e unless the session was re-indexed since.
func (s *Store) unindexLocked(e *cacheEntry) {
	cur, ok := s.bySession[e.sessionID]
	if !ok || cur.gen != e.gen {
		return
	}

	delete(s.bySession, e.sessionID)
	s.dropFromPolicy(cur.policyID, e.sessionID)
}

func (s *Store) dropFromPolicy(policyID, sessionID string) {
	set := s.byPolicy[policyID]
	delete(set, sessionID)

	if len(set) == 0 {
		delete(s.byPolicy, policyID)
	}
}

// Invalidate drops every cached session entry that resolved to policyID.
func (s *Store) Invalidate(policyID string) {
	s.mu.Lock()

	s.epoch++

	dropped := make([]string, 0, len(s.byPolicy[policyID]))
	for sessionID := range s.byPolicy[policyID] {
		delete(s.bySession, sessionID)
		dropped = append(dropped, sessionID)
	}

	delete(s.byPolicy, policyID)
	s.mu.Unlock()

	for _, sessionID := range dropped {
		s.cache.Del(sessionID)
		s.lastKnown.Del(sessionID)
	}
}

// InvalidateSession drops the cached entry for one session, for example
// after a different policy is attached to it.
func (s *Store) InvalidateSession(sessionID string) {
	s.mu.Lock()

	s.epoch++

	if cur, ok := s.bySession[sessionID]; ok {
		delete(s.bySession, sessionID)
		s.dropFromPolicy(cur.policyID, sessionID)
	}

	s.mu.Unlock()

	s.cache.Del(sessionID)
	s.lastKnown.Del(sessionID)
}

// SessionsFor lists the sessions currently cached against policyID.
func (s *Store) SessionsFor(policyID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.byPolicy[policyID]))
	for id := range s.byPolicy[policyID] {
		out = append(out, id)
	}

	return out
}

// Indexed reports how many sessions are tracked by the policy index.
func (s *Store) Indexed() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.bySession)
}

// Subscribe invalidates cached entries whenever a policy update arrives on
// the bus, including updates made on other nodes, and forgets killed
// sessions.
func (s *Store) Subscribe(bus events.Bus) (events.Subscription, error) {
	updates, err := bus.Subscribe(events.TopicPolicyUpdates, func(_ context.Context, env *events.Envelope) error {
		var upd events.PolicyUpdated
		if err := env.Decode(&upd); err != nil {
			return nil // malformed messages are not retried
		}

		s.Invalidate(upd.PolicyID)

		log.Debug().Str("policy_id", upd.PolicyID).Strs("changes", upd.Changes).Msg("Policy cache invalidated")

		return nil
	})
	if err != nil {
		return nil, err
	}

	kills, err := bus.Subscribe(events.TopicSessionKilled, func(_ context.Context, env *events.Envelope) error {
		var killed events.SessionKilled
		if err := env.Decode(&killed); err != nil || killed.SessionID == "" {
			return nil
		}

		s.InvalidateSession(killed.SessionID)

		return nil
	})
	if err != nil {
		updates.Unsubscribe()
		return nil, err
	}

	return subscriptions{updates, kills}, nil
}

type subscriptions []events.Subscription

func (subs subscriptions) Unsubscribe() {
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
