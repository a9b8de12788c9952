package fleet

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory fleet store for dev/tests.
type MemoryStore struct {
	mu      sync.Mutex
	servers map[string]*Server
	slots   map[int]string // port → tenant ID ("" = free)
}

// NewMemoryStore creates a new in-memory fleet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		servers: make(map[string]*Server),
		slots:   make(map[int]string),
	}
}

func (m *MemoryStore) CreateServer(_ context.Context, s *Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	m.servers[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetServer(_ context.Context, id string) (*Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.servers[id]
	if !ok {
		return nil, ErrServerNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListServers(_ context.Context, activeOnly bool) ([]*Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Server
	for _, s := range m.servers {
		if activeOnly && !s.IsActive {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateServer(_ context.Context, s *Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.servers[s.ID]; !ok {
		return ErrServerNotFound
	}
	cp := *s
	m.servers[s.ID] = &cp
	return nil
}

func (m *MemoryStore) SeedPorts(_ context.Context, ports []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range ports {
		if _, exists := m.slots[p]; !exists {
			m.slots[p] = ""
		}
	}
	return nil
}

func (m *MemoryStore) AllocatePort(_ context.Context, tenantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Idempotent: an existing binding wins.
	for port, tid := range m.slots {
		if tid == tenantID {
			return port, nil
		}
	}

	free := make([]int, 0, len(m.slots))
	for port, tid := range m.slots {
		if tid == "" {
			free = append(free, port)
		}
	}
	if len(free) == 0 {
		return 0, ErrPortsExhausted
	}
	sort.Ints(free)
	m.slots[free[0]] = tenantID
	return free[0], nil
}

func (m *MemoryStore) ReleasePort(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for port, tid := range m.slots {
		if tid == tenantID {
			m.slots[port] = ""
		}
	}
	return nil
}

func (m *MemoryStore) PortFor(_ context.Context, tenantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for port, tid := range m.slots {
		if tid == tenantID {
			return port, nil
		}
	}
	return 0, nil
}

func (m *MemoryStore) PortsInUse(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, tid := range m.slots {
		if tid != "" {
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
