package watermark

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/piwi3910/podshield/internal/store"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

const (
	prefixConfig   = "wmconfig"
	prefixInstance = "wminstance"
	prefixTag      = "wmtag"
)

// TagRecord maps a payload session tag back to the session it was issued
// for. Tag records outlive instances so leaks found later still resolve.
type TagRecord struct {
	IssuedAt   time.Time `json:"issuedAt"`
	SessionTag string    `json:"sessionTag"`
	SessionID  string    `json:"sessionId"`
	TenantID   string    `json:"tenantId"`
	UserID     string    `json:"userId"`
	UserEmail  string    `json:"userEmail,omitempty"`
}

// Repository persists configurations, instances and tag records.
type Repository struct {
	st *store.Store
}

// NewRepository creates a store-backed repository.
func NewRepository(st *store.Store) *Repository {
	return &Repository{st: st}
}

func notFound(err error, resource, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apierrors.NotFound(resource, id)
	}

	return fmt.Errorf("failed to load %s %s: %w", resource, id, err)
}

// GetConfig loads a configuration.
func (r *Repository) GetConfig(id string) (*Configuration, error) {
	var c Configuration
	if err := r.st.Get(store.Key(prefixConfig, id), &c); err != nil {
		return nil, notFound(err, "watermark configuration", id)
	}

	return &c, nil
}

// PutConfig writes c. When c is the tenant default, every other default of
// the tenant is cleared in the same transaction.
func (r *Repository) PutConfig(c *Configuration) error {
	return r.st.Update(func(tx *store.Tx) error {
		if c.IsDefault {
			var demoted []*Configuration

			err := tx.Scan(prefixConfig+":", func(_ string, decode store.Decoder) error {
				var other Configuration
				if err := decode(&other); err != nil {
					return err
				}

				if other.TenantID == c.TenantID && other.ID != c.ID && other.IsDefault {
					other.IsDefault = false
					demoted = append(demoted, &other)
				}

				return nil
			})
			if err != nil {
				return err
			}

			for _, o := range demoted {
				if err := tx.Put(store.Key(prefixConfig, o.ID), o); err != nil {
					return err
				}
			}
		}

		return tx.Put(store.Key(prefixConfig, c.ID), c)
	})
}

// DeleteConfig removes a configuration.
func (r *Repository) DeleteConfig(id string) error {
	ok, err := r.st.Exists(store.Key(prefixConfig, id))
	if err != nil {
		return err
	}

	if !ok {
		return apierrors.NotFound("watermark configuration", id)
	}

	return r.st.Delete(store.Key(prefixConfig, id))
}

// ListConfigs returns a tenant's configurations ordered by name.
func (r *Repository) ListConfigs(tenantID string) ([]*Configuration, error) {
	var out []*Configuration

	err := r.st.Scan(prefixConfig+":", func(_ string, decode store.Decoder) error {
		var c Configuration
		if err := decode(&c); err != nil {
			return err
		}

		if tenantID == "" || c.TenantID == tenantID {
			out = append(out, &c)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

// DefaultConfig returns the tenant default configuration.
func (r *Repository) DefaultConfig(tenantID string) (*Configuration, error) {
	configs, err := r.ListConfigs(tenantID)
	if err != nil {
		return nil, err
	}

	for _, c := range configs {
		if c.IsDefault {
			return c, nil
		}
	}

	return nil, apierrors.NotFound("default watermark configuration", tenantID)
}

// GetInstance loads the instance of a session.
func (r *Repository) GetInstance(sessionID string) (*Instance, error) {
	var inst Instance
	if err := r.st.Get(store.Key(prefixInstance, sessionID), &inst); err != nil {
		return nil, notFound(err, "watermark instance", sessionID)
	}

	return &inst, nil
}

// PutInstance writes an instance and its tag record atomically.
func (r *Repository) PutInstance(inst *Instance, tag *TagRecord) error {
	return r.st.Update(func(tx *store.Tx) error {
		if tag != nil {
			if _, err := tx.PutIfAbsent(store.Key(prefixTag, tag.SessionTag), tag); err != nil {
				return err
			}
		}

		return tx.Put(store.Key(prefixInstance, inst.SessionID), inst)
	})
}

// DeleteInstance removes a session's instance. Its tag record is kept.
func (r *Repository) DeleteInstance(sessionID string) error {
	ok, err := r.st.Exists(store.Key(prefixInstance, sessionID))
	if err != nil {
		return err
	}

	if !ok {
		return apierrors.NotFound("watermark instance", sessionID)
	}

	return r.st.Delete(store.Key(prefixInstance, sessionID))
}

// LookupTag resolves a payload session tag.
func (r *Repository) LookupTag(sessionTag string) (*TagRecord, error) {
	var t TagRecord
	if err := r.st.Get(store.Key(prefixTag, sessionTag), &t); err != nil {
		return nil, notFound(err, "watermark tag", sessionTag)
	}

	return &t, nil
}
