package fleet

import "context"

// Store persists the server registry and the port pool.
type Store interface {
	CreateServer(ctx context.Context, s *Server) error
	GetServer(ctx context.Context, id string) (*Server, error)
	ListServers(ctx context.Context, activeOnly bool) ([]*Server, error)
	UpdateServer(ctx context.Context, s *Server) error

	// SeedPorts adds port numbers to the pool. Existing slots are left
	// untouched, so re-seeding is safe.
	SeedPorts(ctx context.Context, ports []int) error

	// AllocatePort binds the lowest free port to the tenant and returns it.
	// If the tenant already holds a port, that port is returned unchanged.
	// Returns ErrPortsExhausted when no free slot exists. The claim is atomic
	// with respect to concurrent callers.
	AllocatePort(ctx context.Context, tenantID string) (int, error)

	// ReleasePort frees the tenant's port slot. Releasing a tenant that holds
	// no port is a no-op.
	ReleasePort(ctx context.Context, tenantID string) error

	// PortFor returns the port bound to the tenant, or 0 if none.
	PortFor(ctx context.Context, tenantID string) (int, error)

	// PortsInUse reports how many slots are currently bound.
	PortsInUse(ctx context.Context) (int, error)
}

// TenantCounter reports how many tenants are placed on a server. Implemented
// by the tenant store; used by the Selector for least-loaded placement.
type TenantCounter interface {
	CountByServer(ctx context.Context, serverID string) (int, error)
}
