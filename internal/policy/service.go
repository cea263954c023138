package policy

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/podshield/internal/events"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

// Service handles policy administration. Updates and deletes invalidate the
// local Policy Store immediately and publish a PolicyUpdated message so other
// nodes and the gateway drop their copies too.
type Service struct {
	repo  Repository
	store *Store
	bus   events.Bus
}

// NewService creates a policy administration service. bus may be nil.
func NewService(repo Repository, store *Store, bus events.Bus) *Service {
	return &Service{repo: repo, store: store, bus: bus}
}

// Create stores a new policy at version 1.
func (s *Service) Create(ctx context.Context, p *SecurityPolicy) (*SecurityPolicy, error) {
	p = p.Clone()
	p.ApplyDefaults()

	if err := p.Validate(); err != nil {
		return nil, err
	}

	if p.ID == "" {
		p.ID = uuid.New().String()
	} else if _, err := s.repo.GetPolicy(ctx, p.ID); err == nil {
		return nil, apierrors.Conflict("policy %s already exists", p.ID)
	}

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Version = 1

	if err := s.repo.PutPolicy(ctx, p); err != nil {
		return nil, err
	}

	log.Info().Str("policy_id", p.ID).Str("tenant_id", p.TenantID).Msg("Policy created")

	return p, nil
}

// Get loads a policy.
func (s *Service) Get(ctx context.Context, id string) (*SecurityPolicy, error) {
	return s.repo.GetPolicy(ctx, id)
}

// List returns a tenant's policies.
func (s *Service) List(ctx context.Context, tenantID string) ([]*SecurityPolicy, error) {
	return s.repo.ListPolicies(ctx, tenantID)
}

// Update replaces the rules of an existing policy and returns the stored
// policy with the list of changed fields.
func (s *Service) Update(ctx context.Context, id string, p *SecurityPolicy) (*SecurityPolicy, []string, error) {
	old, err := s.repo.GetPolicy(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	p = p.Clone()
	p.ApplyDefaults()
	p.ID = id

	if p.TenantID == "" {
		p.TenantID = old.TenantID
	}

	if p.TenantID != old.TenantID {
		return nil, nil, apierrors.Validation("policy tenantId cannot change")
	}

	if err := p.Validate(); err != nil {
		return nil, nil, err
	}

	changes := Diff(old, p)

	p.CreatedAt = old.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	p.Version = old.Version + 1

	if err := s.repo.PutPolicy(ctx, p); err != nil {
		return nil, nil, err
	}

	s.store.Invalidate(id)
	s.publish(ctx, p, changes, false)

	log.Info().
		Str("policy_id", id).
		Int("version", p.Version).
		Strs("changes", changes).
		Msg("Policy updated")

	return p, changes, nil
}

// Delete removes a policy. Sessions still pointing at it resolve to
// NO_POLICY afterwards.
func (s *Service) Delete(ctx context.Context, id string) error {
	old, err := s.repo.GetPolicy(ctx, id)
	if err != nil {
		return err
	}

	if err := s.repo.DeletePolicy(ctx, id); err != nil {
		return err
	}

	s.store.Invalidate(id)
	s.publish(ctx, old, nil, true)

	log.Info().Str("policy_id", id).Msg("Policy deleted")

	return nil
}

func (s *Service) publish(ctx context.Context, p *SecurityPolicy, changes []string, deleted bool) {
	if s.bus == nil {
		return
	}

	// Local invalidation already happened; a bus failure only delays other
	// nodes until their TTL expires.
	_ = events.Publish(ctx, s.bus, events.TopicPolicyUpdates, p.TenantID, "", events.PolicyUpdated{
		PolicyID: p.ID,
		TenantID: p.TenantID,
		Changes:  changes,
		Version:  p.Version,
		Deleted:  deleted,
	})
}
