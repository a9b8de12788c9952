package tenant

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/perchplatform/perch/internal/pagination"
)

// MemoryStore is an in-memory tenant store for dev/tests.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant // by ID
	slugs   map[string]string  // slug → ID
}

// NewMemoryStore creates a new in-memory tenant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*Tenant),
		slugs:   make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.slugs[t.Slug]; exists {
		return ErrSlugTaken
	}
	cp := *t
	m.tenants[t.ID] = &cp
	m.slugs[t.Slug] = t.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetBySlug(_ context.Context, slug string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.slugs[slug]
	if !ok {
		return nil, ErrTenantNotFound
	}
	cp := *m.tenants[id]
	return &cp, nil
}

func (m *MemoryStore) GetByStripeCustomer(_ context.Context, customerID string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.tenants {
		if t.StripeCustomerID == customerID && customerID != "" {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTenantNotFound
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*Tenant
	for _, t := range m.tenants {
		if f.CommercialStatus != "" && t.CommercialStatus != f.CommercialStatus {
			continue
		}
		if f.ProcessStatus != "" && t.ProcessStatus != f.ProcessStatus {
			continue
		}
		cp := *t
		all = append(all, &cp)
	}
	// Newest first, ID as tiebreaker, matching the Postgres store's ordering.
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	cur, err := pagination.Decode(f.Cursor)
	if err != nil {
		return nil, err
	}
	if cur != nil {
		trimmed := all[:0]
		for _, t := range all {
			if t.CreatedAt.Before(cur.CreatedAt) ||
				(t.CreatedAt.Equal(cur.CreatedAt) && t.ID < cur.ID) {
				trimmed = append(trimmed, t)
			}
		}
		all = trimmed
	}
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, nil
}

func (m *MemoryStore) Update(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tenants[t.ID]; !ok {
		return ErrTenantNotFound
	}
	cp := *t
	m.tenants[t.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return ErrTenantNotFound
	}
	delete(m.slugs, t.Slug)
	delete(m.tenants, id)
	return nil
}

func (m *MemoryStore) CountByServer(_ context.Context, serverID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, t := range m.tenants {
		if t.ServerID == serverID && t.CommercialStatus != StatusCancelled {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountByStatus(_ context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := emptyStatusCounts()
	for _, t := range m.tenants {
		counts[string(t.CommercialStatus)]++
	}
	return counts, nil
}

func (m *MemoryStore) ListStuckProvisioning(_ context.Context, updatedBefore time.Time, limit int) ([]*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Tenant
	for _, t := range m.tenants {
		if t.ProcessStatus == ProcessProvisioning && t.UpdatedAt.Before(updatedBefore) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListExpiredTrials(_ context.Context, now time.Time, limit int) ([]*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Tenant
	for _, t := range m.tenants {
		if t.CommercialStatus == StatusTrial && !t.TrialEndsAt.IsZero() && t.TrialEndsAt.Before(now) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrialEndsAt.Before(out[j].TrialEndsAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
