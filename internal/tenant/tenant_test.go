package tenant

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTenant(id, slug string, createdAt time.Time) *Tenant {
	return &Tenant{
		ID:               id,
		Name:             "Tenant " + slug,
		Slug:             slug,
		Email:            slug + "@example.com",
		Plan:             PlanTrial,
		CommercialStatus: StatusTrial,
		ProcessStatus:    ProcessProvisioning,
		TrialEndsAt:      createdAt.AddDate(0, 0, 14),
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}
}

func TestDerivedNames(t *testing.T) {
	assert.Equal(t, "tenant_acme", DatabaseName("acme"))
	assert.Equal(t, "perch-acme", InstanceName("acme"))
}

func TestCanRun(t *testing.T) {
	ten := &Tenant{CommercialStatus: StatusTrial}
	assert.True(t, ten.CanRun())

	ten.CommercialStatus = StatusActive
	assert.True(t, ten.CanRun())

	ten.CommercialStatus = StatusSuspended
	assert.False(t, ten.CanRun())

	ten.CommercialStatus = StatusCancelled
	assert.False(t, ten.CanRun())
}

func TestValidStatuses(t *testing.T) {
	assert.True(t, ValidCommercialStatus(StatusTrial))
	assert.True(t, ValidCommercialStatus(StatusCancelled))
	assert.False(t, ValidCommercialStatus("deleted"))

	assert.True(t, ValidProcessStatus(ProcessRunning))
	assert.False(t, ValidProcessStatus("booting"))
}

func TestValidPlan(t *testing.T) {
	assert.True(t, ValidPlan(PlanTrial))
	assert.True(t, ValidPlan(PlanGrowth))
	assert.False(t, ValidPlan("enterprise"))
}

func TestPlanCatalogue(t *testing.T) {
	// Every paid plan carries pricing and a gateway price id.
	for plan, cfg := range Plans {
		if plan == PlanTrial {
			assert.Zero(t, cfg.MonthlyCents)
			assert.Empty(t, cfg.StripePriceID)
			continue
		}
		assert.Positive(t, cfg.MonthlyCents, "plan %s", plan)
		assert.NotEmpty(t, cfg.StripePriceID, "plan %s", plan)
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ten := newTenant("ten_1", "acme", time.Now())
	require.NoError(t, store.Create(ctx, ten))

	got, err := store.Get(ctx, "ten_1")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Slug)

	bySlug, err := store.GetBySlug(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "ten_1", bySlug.ID)

	_, err = store.Get(ctx, "ten_missing")
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestMemoryStoreSlugTaken(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Create(ctx, newTenant("ten_1", "acme", time.Now())))
	err := store.Create(ctx, newTenant("ten_2", "acme", time.Now()))
	assert.ErrorIs(t, err, ErrSlugTaken)
}

func TestMemoryStoreCopyOnRead(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, newTenant("ten_1", "acme", time.Now())))

	got, err := store.Get(ctx, "ten_1")
	require.NoError(t, err)
	got.Name = "mutated"

	again, err := store.Get(ctx, "ten_1")
	require.NoError(t, err)
	assert.Equal(t, "Tenant acme", again.Name)
}

func TestMemoryStoreGetByStripeCustomer(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ten := newTenant("ten_1", "acme", time.Now())
	ten.StripeCustomerID = "cus_123"
	require.NoError(t, store.Create(ctx, ten))

	got, err := store.GetByStripeCustomer(ctx, "cus_123")
	require.NoError(t, err)
	assert.Equal(t, "ten_1", got.ID)

	// An empty customer id never matches anything.
	_, err = store.GetByStripeCustomer(ctx, "")
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestMemoryStoreListOrderAndFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Now().Add(-time.Hour)

	for i := 1; i <= 3; i++ {
		ten := newTenant(fmt.Sprintf("ten_%d", i), fmt.Sprintf("slug-%d", i), base.Add(time.Duration(i)*time.Minute))
		if i == 2 {
			ten.CommercialStatus = StatusActive
			ten.ProcessStatus = ProcessRunning
		}
		require.NoError(t, store.Create(ctx, ten))
	}

	all, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "ten_3", all[0].ID, "newest first")
	assert.Equal(t, "ten_1", all[2].ID)

	active, err := store.List(ctx, Filter{CommercialStatus: StatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "ten_2", active[0].ID)

	running, err := store.List(ctx, Filter{ProcessStatus: ProcessRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)

	limited, err := store.List(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMemoryStoreUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, newTenant("ten_1", "acme", time.Now())))

	got, err := store.Get(ctx, "ten_1")
	require.NoError(t, err)
	got.CommercialStatus = StatusActive
	require.NoError(t, store.Update(ctx, got))

	again, err := store.Get(ctx, "ten_1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, again.CommercialStatus)

	require.NoError(t, store.Delete(ctx, "ten_1"))
	assert.ErrorIs(t, store.Delete(ctx, "ten_1"), ErrTenantNotFound)

	// The slug is free again after delete.
	require.NoError(t, store.Create(ctx, newTenant("ten_2", "acme", time.Now())))
}

func TestMemoryStoreCountByServer(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for i := 1; i <= 3; i++ {
		ten := newTenant(fmt.Sprintf("ten_%d", i), fmt.Sprintf("slug-%d", i), time.Now())
		ten.ServerID = "srv_1"
		if i == 3 {
			ten.CommercialStatus = StatusCancelled
		}
		require.NoError(t, store.Create(ctx, ten))
	}

	n, err := store.CountByServer(ctx, "srv_1")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "cancelled tenants do not count against capacity")
}

func TestMemoryStoreCountByStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	// Every known status is present even when empty.
	assert.Equal(t, map[string]int{
		"trial": 0, "active": 0, "suspended": 0, "cancelled": 0,
	}, counts)

	for i := 1; i <= 3; i++ {
		ten := newTenant(fmt.Sprintf("ten_%d", i), fmt.Sprintf("slug-%d", i), time.Now())
		if i == 3 {
			ten.CommercialStatus = StatusActive
		}
		require.NoError(t, store.Create(ctx, ten))
	}

	counts, err = store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts["trial"])
	assert.Equal(t, 1, counts["active"])
	assert.Equal(t, 0, counts["suspended"])
}

func TestMemoryStoreSweepQueries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	stuck := newTenant("ten_stuck", "stuck", now.Add(-time.Hour))
	stuck.UpdatedAt = now.Add(-time.Hour)
	require.NoError(t, store.Create(ctx, stuck))

	fresh := newTenant("ten_fresh", "fresh", now)
	require.NoError(t, store.Create(ctx, fresh))

	expired := newTenant("ten_expired", "expired", now)
	expired.TrialEndsAt = now.Add(-time.Minute)
	require.NoError(t, store.Create(ctx, expired))

	got, err := store.ListStuckProvisioning(ctx, now.Add(-5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ten_stuck", got[0].ID)

	trials, err := store.ListExpiredTrials(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, trials, 1)
	assert.Equal(t, "ten_expired", trials[0].ID)
}
