package fleet

import (
	"context"
	"fmt"
)

// Selector picks a placement target for a new tenant.
type Selector struct {
	store   Store
	tenants TenantCounter
}

// NewSelector creates a server selector.
func NewSelector(store Store, tenants TenantCounter) *Selector {
	return &Selector{store: store, tenants: tenants}
}

// Select returns the server a new tenant should be placed on. When an
// explicit server ID is given it is validated and returned; otherwise the
// active server with the fewest placed tenants wins, ties broken by lowest ID
// so placement is deterministic.
func (s *Selector) Select(ctx context.Context, explicitID string) (*Server, error) {
	if explicitID != "" {
		srv, err := s.store.GetServer(ctx, explicitID)
		if err != nil {
			return nil, err
		}
		if !srv.IsActive {
			return nil, fmt.Errorf("%w: %s", ErrServerInactive, srv.ID)
		}
		return srv, nil
	}

	servers, err := s.store.ListServers(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	if len(servers) == 0 {
		return nil, ErrNoServerAvailable
	}

	var best *Server
	bestLoad := -1
	for _, srv := range servers {
		load, err := s.tenants.CountByServer(ctx, srv.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to count tenants on %s: %w", srv.ID, err)
		}
		// servers come back ordered by ID, so strict less keeps the lowest ID
		// on ties.
		if best == nil || load < bestLoad {
			best = srv
			bestLoad = load
		}
	}
	return best, nil
}
