package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/piwi3910/podshield/internal/store"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

// Repository persists policies.
type Repository interface {
	GetPolicy(ctx context.Context, id string) (*SecurityPolicy, error)
	PutPolicy(ctx context.Context, p *SecurityPolicy) error
	DeletePolicy(ctx context.Context, id string) error
	ListPolicies(ctx context.Context, tenantID string) ([]*SecurityPolicy, error)
}

const prefixPolicy = "policy"

// BadgerRepository stores policies in the key-value store.
type BadgerRepository struct {
	st *store.Store
}

// NewBadgerRepository creates a store-backed repository.
func NewBadgerRepository(st *store.Store) *BadgerRepository {
	return &BadgerRepository{st: st}
}

// GetPolicy loads a policy by id.
func (r *BadgerRepository) GetPolicy(_ context.Context, id string) (*SecurityPolicy, error) {
	var p SecurityPolicy
	if err := r.st.Get(store.Key(prefixPolicy, id), &p); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierrors.NotFound("policy", id)
		}

		return nil, fmt.Errorf("failed to load policy %s: %w", id, err)
	}

	return &p, nil
}

// PutPolicy writes a policy.
func (r *BadgerRepository) PutPolicy(_ context.Context, p *SecurityPolicy) error {
	return r.st.Put(store.Key(prefixPolicy, p.ID), p)
}

// DeletePolicy removes a policy.
func (r *BadgerRepository) DeletePolicy(_ context.Context, id string) error {
	ok, err := r.st.Exists(store.Key(prefixPolicy, id))
	if err != nil {
		return err
	}

	if !ok {
		return apierrors.NotFound("policy", id)
	}

	return r.st.Delete(store.Key(prefixPolicy, id))
}

// ListPolicies returns a tenant's policies ordered by name. An empty
// tenantID lists every policy.
func (r *BadgerRepository) ListPolicies(_ context.Context, tenantID string) ([]*SecurityPolicy, error) {
	var out []*SecurityPolicy

	err := r.st.Scan(prefixPolicy+":", func(_ string, decode store.Decoder) error {
		var p SecurityPolicy
		if err := decode(&p); err != nil {
			return err
		}

		if tenantID == "" || p.TenantID == tenantID {
			out = append(out, &p)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}
