package billing

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory billing store for dev/tests.
type MemoryStore struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription // by ID
	events map[string]*PaymentEvent // by gateway event ID
}

// NewMemoryStore creates a new in-memory billing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:   make(map[string]*Subscription),
		events: make(map[string]*PaymentEvent),
	}
}

func (m *MemoryStore) CreateSubscription(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	m.subs[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSubscriptionByTenant(_ context.Context, tenantID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.subs {
		if s.TenantID == tenantID && s.Status != SubCancelled {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) GetSubscriptionByStripeID(_ context.Context, stripeSubID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.subs {
		if s.StripeSubscriptionID == stripeSubID && stripeSubID != "" {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) UpdateSubscription(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[s.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	cp := *s
	m.subs[s.ID] = &cp
	return nil
}

func (m *MemoryStore) RecordEvent(_ context.Context, e *PaymentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.events[e.ID]; exists {
		return ErrDuplicateEvent
	}
	cp := *e
	m.events[e.ID] = &cp
	return nil
}

func (m *MemoryStore) HasEvent(_ context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.events[eventID]
	return ok, nil
}

func (m *MemoryStore) ListEvents(_ context.Context, tenantID string, limit int) ([]*PaymentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*PaymentEvent
	for _, e := range m.events {
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
