package lifecycle

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchplatform/perch/internal/notify"
	"github.com/perchplatform/perch/internal/tenant"
)

func TestSweepSuspendsExpiredTrials(t *testing.T) {
	m, tenants, servers, proc := newTestManager(t)
	ten := seedTenant(t, tenants, servers, tenant.StatusTrial)
	ten.TrialEndsAt = time.Now().Add(-time.Hour)
	require.NoError(t, tenants.Update(context.Background(), ten))

	// A trial that is still running must be left alone.
	require.NoError(t, tenants.Create(context.Background(), &tenant.Tenant{
		ID: "ten_fresh", Slug: "fresh", Plan: tenant.PlanTrial,
		CommercialStatus: tenant.StatusTrial,
		ProcessStatus:    tenant.ProcessRunning,
		TrialEndsAt:      time.Now().Add(24 * time.Hour),
		CreatedAt:        time.Now(), UpdatedAt: time.Now(),
	}))

	timer := NewTimer(m, tenants, notify.New(notify.NopSender{}, slog.Default()), slog.Default())
	timer.sweep(context.Background())

	got, err := tenants.Get(context.Background(), ten.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusSuspended, got.CommercialStatus)
	assert.Equal(t, "trial expired", got.StatusReason)
	assert.Equal(t, []string{"perch-acme"}, proc.stopped)

	fresh, err := tenants.Get(context.Background(), "ten_fresh")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusTrial, fresh.CommercialStatus)
}

func TestSweepIdempotent(t *testing.T) {
	m, tenants, servers, _ := newTestManager(t)
	ten := seedTenant(t, tenants, servers, tenant.StatusTrial)
	ten.TrialEndsAt = time.Now().Add(-time.Hour)
	require.NoError(t, tenants.Update(context.Background(), ten))

	timer := NewTimer(m, tenants, notify.New(notify.NopSender{}, slog.Default()), slog.Default())
	timer.sweep(context.Background())
	timer.sweep(context.Background())

	got, err := tenants.Get(context.Background(), ten.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusSuspended, got.CommercialStatus)
}

func TestTimerStartStop(t *testing.T) {
	m, tenants, _, _ := newTestManager(t)
	timer := NewTimer(m, tenants, notify.New(notify.NopSender{}, slog.Default()), slog.Default())
	timer.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)
	timer.Stop()
	require.Eventually(t, func() bool { return !timer.Running() }, time.Second, 5*time.Millisecond)
}
