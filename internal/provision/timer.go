package provision

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/perchplatform/perch/internal/tenant"
)

// Timer requeues tenants stuck in provisioning. A tenant counts as stuck when
// its row has not moved for longer than the deadline; the sweep simply runs
// the pipeline again and lets the idempotent steps converge.
type Timer struct {
	runner   *Runner
	tenants  tenant.Store
	interval time.Duration
	deadline time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates the stuck-provisioning sweep timer.
func NewTimer(runner *Runner, tenants tenant.Store, logger *slog.Logger) *Timer {
	return &Timer{
		runner:   runner,
		tenants:  tenants,
		interval: time.Minute,
		deadline: 5 * time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in stuck-provisioning sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	const batchSize = 20

	stuck, err := t.tenants.ListStuckProvisioning(ctx, time.Now().Add(-t.deadline), batchSize)
	if err != nil {
		t.logger.Warn("failed to list stuck provisioning tenants", "error", err)
		return
	}
	if len(stuck) == 0 {
		return
	}

	t.logger.Info("resuming stuck provisioning runs", "count", len(stuck))
	for _, ten := range stuck {
		if err := t.runner.Provision(ctx, ten.ID, Options{}); err != nil {
			t.logger.Warn("stuck provisioning resume failed",
				"tenantId", ten.ID,
				"slug", ten.Slug,
				"error", err,
			)
			continue
		}
		t.logger.Info("stuck provisioning resumed",
			"tenantId", ten.ID,
			"slug", ten.Slug,
		)
	}
}
