package tenant

import (
	"context"
	"time"
)

// Filter narrows List results.
type Filter struct {
	CommercialStatus CommercialStatus // "" = any
	ProcessStatus    ProcessStatus    // "" = any
	Cursor           string
	Limit            int
}

// Store persists tenant records.
type Store interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*Tenant, error)
	GetByStripeCustomer(ctx context.Context, customerID string) (*Tenant, error)
	List(ctx context.Context, f Filter) ([]*Tenant, error)
	Update(ctx context.Context, t *Tenant) error
	Delete(ctx context.Context, id string) error

	// CountByServer reports placed tenants per server (cancelled tenants do
	// not count against placement). Satisfies fleet.TenantCounter.
	CountByServer(ctx context.Context, serverID string) (int, error)

	// CountByStatus reports tenants per commercial status, with zero entries
	// for statuses that currently have no tenants. Satisfies
	// metrics.StatusCounter.
	CountByStatus(ctx context.Context) (map[string]int, error)

	// ListStuckProvisioning returns tenants still in provisioning whose last
	// update is older than the cutoff, oldest first, for the resume sweep.
	ListStuckProvisioning(ctx context.Context, updatedBefore time.Time, limit int) ([]*Tenant, error)

	// ListExpiredTrials returns trial tenants whose trial ended before now.
	ListExpiredTrials(ctx context.Context, now time.Time, limit int) ([]*Tenant, error)
}

// emptyStatusCounts seeds a counts map with every known commercial status at
// zero so a status that empties out reports 0 instead of its last value.
func emptyStatusCounts() map[string]int {
	return map[string]int{
		string(StatusTrial):     0,
		string(StatusActive):    0,
		string(StatusSuspended): 0,
		string(StatusCancelled): 0,
	}
}
