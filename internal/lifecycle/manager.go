// Package lifecycle owns every tenant status transition. The Manager is the
// single writer of commercial_status and process_status; handlers, the
// billing reconciler, and background sweeps all go through it.
//
// Operations on the same tenant are serialized with a context-aware sharded
// mutex; operations on different tenants run fully in parallel.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/perchplatform/perch/internal/fleet"
	"github.com/perchplatform/perch/internal/metrics"
	"github.com/perchplatform/perch/internal/supervisor"
	"github.com/perchplatform/perch/internal/syncutil"
	"github.com/perchplatform/perch/internal/tenant"
	"github.com/perchplatform/perch/internal/traces"
)

// Errors
var (
	// ErrStateConflict is returned when the commercial status forbids the
	// requested process operation, e.g. starting a suspended tenant.
	ErrStateConflict = errors.New("lifecycle: operation conflicts with tenant status")
	// ErrInvalidTransition is returned for commercial transitions the state
	// machine does not allow, e.g. suspending a cancelled tenant.
	ErrInvalidTransition = errors.New("lifecycle: invalid status transition")
	// ErrNotProvisioned is returned when a process operation needs a placement
	// the tenant does not have yet.
	ErrNotProvisioned = errors.New("lifecycle: tenant has no provisioned instance")
)

// EventSink receives lifecycle events for the live operations feed.
type EventSink interface {
	PublishTenant(kind, tenantID string, data map[string]interface{})
}

// Manager drives the tenant state machine.
type Manager struct {
	tenants tenant.Store
	servers fleet.Store
	proc    supervisor.Client
	events  EventSink
	locks   *syncutil.ContextShardedMutex
	logger  *slog.Logger
}

// NewManager creates a lifecycle manager. events may be nil.
func NewManager(
	tenants tenant.Store,
	servers fleet.Store,
	proc supervisor.Client,
	events EventSink,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		tenants: tenants,
		servers: servers,
		proc:    proc,
		events:  events,
		locks:   syncutil.NewContextShardedMutex(),
		logger:  logger,
	}
}

// Activate moves a trial or suspended tenant to active. Activating an already
// active tenant is a no-op. Cancelled tenants cannot be reactivated.
func (m *Manager) Activate(ctx context.Context, tenantID string) (*tenant.Tenant, error) {
	ctx, span := traces.StartSpan(ctx, "lifecycle.Activate")
	defer span.End()

	return m.withTenant(ctx, tenantID, func(t *tenant.Tenant) error {
		switch t.CommercialStatus {
		case tenant.StatusActive:
			return nil
		case tenant.StatusTrial, tenant.StatusSuspended:
			t.CommercialStatus = tenant.StatusActive
			t.StatusReason = ""
			m.recordTransition("activate", t)
			return nil
		default:
			return fmt.Errorf("%w: cannot activate %s tenant", ErrInvalidTransition, t.CommercialStatus)
		}
	})
}

// Suspend pauses a trial or active tenant: the process is stopped best-effort
// and the data is kept. reason lands in status_reason for operators.
func (m *Manager) Suspend(ctx context.Context, tenantID, reason string) (*tenant.Tenant, error) {
	ctx, span := traces.StartSpan(ctx, "lifecycle.Suspend")
	defer span.End()

	return m.withTenant(ctx, tenantID, func(t *tenant.Tenant) error {
		switch t.CommercialStatus {
		case tenant.StatusSuspended:
			return nil
		case tenant.StatusTrial, tenant.StatusActive:
		default:
			return fmt.Errorf("%w: cannot suspend %s tenant", ErrInvalidTransition, t.CommercialStatus)
		}

		m.stopProcess(ctx, t)
		t.CommercialStatus = tenant.StatusSuspended
		t.ProcessStatus = tenant.ProcessStopped
		t.StatusReason = reason
		m.recordTransition("suspend", t)
		return nil
	})
}

// Cancel terminates the tenant from any status: the process is stopped, the
// port is released back to the pool, and the database is kept for a possible
// later purge or export. Cancelling twice is a no-op.
func (m *Manager) Cancel(ctx context.Context, tenantID string) (*tenant.Tenant, error) {
	ctx, span := traces.StartSpan(ctx, "lifecycle.Cancel")
	defer span.End()

	return m.withTenant(ctx, tenantID, func(t *tenant.Tenant) error {
		if t.CommercialStatus == tenant.StatusCancelled {
			return nil
		}

		m.stopProcess(ctx, t)
		if err := m.servers.ReleasePort(ctx, t.ID); err != nil {
			// The port stays bound until a later cancel retry; not fatal.
			m.logger.Warn("failed to release port on cancel", "tenantId", t.ID, "error", err)
		} else {
			t.AssignedPort = 0
		}

		t.CommercialStatus = tenant.StatusCancelled
		t.ProcessStatus = tenant.ProcessStopped
		t.StatusReason = "cancelled"
		m.recordTransition("cancel", t)
		return nil
	})
}

// Start launches the tenant's process. Suspended and cancelled tenants are
// refused with ErrStateConflict.
func (m *Manager) Start(ctx context.Context, tenantID string) (*tenant.Tenant, error) {
	ctx, span := traces.StartSpan(ctx, "lifecycle.Start")
	defer span.End()

	return m.withTenant(ctx, tenantID, func(t *tenant.Tenant) error {
		if !t.CanRun() {
			return fmt.Errorf("%w: %s tenant may not run", ErrStateConflict, t.CommercialStatus)
		}
		srv, err := m.placement(ctx, t)
		if err != nil {
			return err
		}

		if err := m.proc.Start(ctx, BuildStartSpec(srv, t)); err != nil {
			t.ProcessStatus = tenant.ProcessError
			t.StatusReason = "start failed: " + err.Error()
			return err
		}
		t.ProcessStatus = tenant.ProcessRunning
		t.StatusReason = ""
		m.recordTransition("start", t)
		return nil
	})
}

// Stop halts the tenant's process. Stopping an instance the agent does not
// know about is a no-op, so Stop converges regardless of agent state.
func (m *Manager) Stop(ctx context.Context, tenantID string) (*tenant.Tenant, error) {
	ctx, span := traces.StartSpan(ctx, "lifecycle.Stop")
	defer span.End()

	return m.withTenant(ctx, tenantID, func(t *tenant.Tenant) error {
		srv, err := m.placement(ctx, t)
		if err != nil {
			return err
		}
		if err := m.proc.Stop(ctx, srv.AgentURL, tenant.InstanceName(t.Slug)); err != nil {
			return err
		}
		t.ProcessStatus = tenant.ProcessStopped
		m.recordTransition("stop", t)
		return nil
	})
}

// Restart bounces the tenant's process, subject to the same status rules as
// Start.
func (m *Manager) Restart(ctx context.Context, tenantID string) (*tenant.Tenant, error) {
	ctx, span := traces.StartSpan(ctx, "lifecycle.Restart")
	defer span.End()

	return m.withTenant(ctx, tenantID, func(t *tenant.Tenant) error {
		if !t.CanRun() {
			return fmt.Errorf("%w: %s tenant may not run", ErrStateConflict, t.CommercialStatus)
		}
		srv, err := m.placement(ctx, t)
		if err != nil {
			return err
		}
		if err := m.proc.Restart(ctx, srv.AgentURL, tenant.InstanceName(t.Slug)); err != nil {
			t.ProcessStatus = tenant.ProcessError
			t.StatusReason = "restart failed: " + err.Error()
			return err
		}
		t.ProcessStatus = tenant.ProcessRunning
		t.StatusReason = ""
		m.recordTransition("restart", t)
		return nil
	})
}

// Logs tails the tenant instance's process logs from the owning agent.
func (m *Manager) Logs(ctx context.Context, tenantID string, lines int) (string, error) {
	t, err := m.tenants.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}
	srv, err := m.placement(ctx, t)
	if err != nil {
		return "", err
	}
	return m.proc.TailLogs(ctx, srv.AgentURL, tenant.InstanceName(t.Slug), lines)
}

// BuildStartSpec assembles the supervisor start spec for a placed tenant.
func BuildStartSpec(srv *fleet.Server, t *tenant.Tenant) supervisor.StartSpec {
	return supervisor.StartSpec{
		AgentURL: srv.AgentURL,
		Name:     tenant.InstanceName(t.Slug),
		Port:     t.AssignedPort,
		Env: map[string]string{
			"DATABASE_URL": srv.TenantDSN(t.DBName),
			"PORT":         fmt.Sprintf("%d", t.AssignedPort),
			"TENANT_SLUG":  t.Slug,
		},
	}
}

// withTenant serializes fn on the tenant's lock, then persists the mutated
// row. fn mutates t in place; a non-nil error from fn still persists status
// fields fn set before failing (so error states land on the row).
func (m *Manager) withTenant(ctx context.Context, tenantID string, fn func(t *tenant.Tenant) error) (*tenant.Tenant, error) {
	unlock, err := m.locks.LockContext(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := m.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	before := *t
	fnErr := fn(t)
	if *t != before {
		t.UpdatedAt = time.Now()
		if err := m.tenants.Update(ctx, t); err != nil {
			if fnErr != nil {
				return nil, fnErr
			}
			return nil, err
		}
	}
	if fnErr != nil {
		return t, fnErr
	}
	return t, nil
}

// placement resolves the tenant's server and checks the instance is fully
// placed.
func (m *Manager) placement(ctx context.Context, t *tenant.Tenant) (*fleet.Server, error) {
	if t.ServerID == "" || t.AssignedPort == 0 || t.DBName == "" {
		return nil, ErrNotProvisioned
	}
	return m.servers.GetServer(ctx, t.ServerID)
}

// stopProcess is the best-effort stop used by commercial transitions: a
// failure is logged but never blocks the transition.
func (m *Manager) stopProcess(ctx context.Context, t *tenant.Tenant) {
	if t.ServerID == "" {
		return
	}
	srv, err := m.servers.GetServer(ctx, t.ServerID)
	if err != nil {
		m.logger.Warn("cannot resolve server to stop instance", "tenantId", t.ID, "serverId", t.ServerID, "error", err)
		return
	}
	if err := m.proc.Stop(ctx, srv.AgentURL, tenant.InstanceName(t.Slug)); err != nil {
		m.logger.Warn("best-effort stop failed", "tenantId", t.ID, "error", err)
	}
}

func (m *Manager) recordTransition(kind string, t *tenant.Tenant) {
	metrics.LifecycleTransitionsTotal.WithLabelValues(kind).Inc()
	m.logger.Info("tenant transition",
		"transition", kind,
		"tenantId", t.ID,
		"slug", t.Slug,
		"commercialStatus", t.CommercialStatus,
		"processStatus", t.ProcessStatus,
	)
	if m.events != nil {
		m.events.PublishTenant(kind, t.ID, map[string]interface{}{
			"slug":             t.Slug,
			"commercialStatus": t.CommercialStatus,
			"processStatus":    t.ProcessStatus,
		})
	}
}
