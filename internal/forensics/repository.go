package forensics

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/piwi3910/podshield/internal/audit"
	"github.com/piwi3910/podshield/internal/store"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

const prefixDetection = "detection"

// Repository persists detections.
type Repository struct {
	st *store.Store
}

// NewRepository creates a store-backed detection repository.
func NewRepository(st *store.Store) *Repository {
	return &Repository{st: st}
}

// Get loads a detection.
func (r *Repository) Get(_ context.Context, id string) (*Detection, error) {
	var d Detection
	if err := r.st.Get(store.Key(prefixDetection, id), &d); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierrors.NotFound("detection", id)
		}

		return nil, fmt.Errorf("failed to load detection %s: %w", id, err)
	}

	return &d, nil
}

// Put creates or replaces a detection.
func (r *Repository) Put(_ context.Context, d *Detection) error {
	if err := r.st.Put(store.Key(prefixDetection, d.ID), d); err != nil {
		return fmt.Errorf("failed to store detection %s: %w", d.ID, err)
	}

	return nil
}

// Update applies fn to the stored detection inside one transaction.
func (r *Repository) Update(_ context.Context, id string, fn func(d *Detection) error) (*Detection, error) {
	var d Detection

	err := r.st.Update(func(tx *store.Tx) error {
		key := store.Key(prefixDetection, id)
		if err := tx.Get(key, &d); err != nil {
			return err
		}

		if err := fn(&d); err != nil {
			return err
		}

		return tx.Put(key, &d)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierrors.NotFound("detection", id)
	}

	if err != nil {
		return nil, err
	}

	return &d, nil
}

func (r *Repository) all(f Filter) ([]*Detection, error) {
	var out []*Detection

	err := r.st.Scan(prefixDetection+":", func(_ string, decode store.Decoder) error {
		var d Detection
		if err := decode(&d); err != nil {
			return err
		}

		if f.matches(&d) {
			out = append(out, &d)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}

		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	return out, nil
}

// List returns matching detections newest first.
func (r *Repository) List(_ context.Context, f Filter) (audit.Page[*Detection], error) {
	f.Normalize()

	items, err := r.all(f)
	if err != nil {
		return audit.Page[*Detection]{}, err
	}

	return audit.Paginate(items, f.Page, f.Limit), nil
}

// Stats aggregates a tenant's detections.
func (r *Repository) Stats(_ context.Context, tenantID string) (*Stats, error) {
	items, err := r.all(Filter{TenantID: tenantID})
	if err != nil {
		return nil, err
	}

	s := &Stats{
		TenantID:     tenantID,
		ByStatus:     make(map[Status]int),
		BySourceType: make(map[SourceType]int),
	}

	sessions := make(map[string]bool)

	var confidence float64

	for _, d := range items {
		s.Total++
		s.ByStatus[d.Status]++
		s.BySourceType[d.SourceType]++
		confidence += d.Confidence

		if d.Status != StatusResolved {
			s.Open++
		}

		if d.Status == StatusConfirmedLeak || d.Verdict == StatusConfirmedLeak {
			s.ConfirmedLeaks++
		}

		if d.SessionID != "" {
			sessions[d.SessionID] = true
		}
	}

	s.SessionsImplicated = len(sessions)

	if s.Total > 0 {
		s.AverageConfidence = confidence / float64(s.Total)
	}

	return s, nil
}
