package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/perchplatform/perch/internal/notify"
	"github.com/perchplatform/perch/internal/tenant"
)

// Timer periodically suspends tenants whose trial ended without an active
// subscription. The tenant row is the durable state, so a missed tick or a
// restart just picks the same tenants up on the next sweep.
type Timer struct {
	manager  *Manager
	tenants  tenant.Store
	notifier *notify.Notifier
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates the trial-expiry sweep timer.
func NewTimer(manager *Manager, tenants tenant.Store, notifier *notify.Notifier, logger *slog.Logger) *Timer {
	return &Timer{
		manager:  manager,
		tenants:  tenants,
		notifier: notifier,
		interval: time.Minute,
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
			t.logger.Error("panic in trial-expiry sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	const batchSize = 100
	suspended := 0

	for {
		expired, err := t.tenants.ListExpiredTrials(ctx, time.Now(), batchSize)
		if err != nil {
			t.logger.Warn("failed to list expired trials", "error", err)
			break
		}
		if len(expired) == 0 {
			break
		}

		for _, ten := range expired {
			if _, err := t.manager.Suspend(ctx, ten.ID, "trial expired"); err != nil {
				t.logger.Warn("failed to suspend expired trial",
					"tenantId", ten.ID,
					"slug", ten.Slug,
					"error", err,
				)
				continue
			}
			suspended++
			t.notifier.TrialEnded(ctx, ten.Email, ten.Name)
			t.logger.Info("suspended expired trial",
				"tenantId", ten.ID,
				"slug", ten.Slug,
				"trialEndedAt", ten.TrialEndsAt,
			)
		}

		if len(expired) < batchSize {
			break
		}
	}

	if suspended > 0 {
		t.logger.Info("trial-expiry sweep complete", "suspended", suspended)
	}
}
