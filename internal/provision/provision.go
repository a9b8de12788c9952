// Package provision turns a bare tenant row into a running instance: a server
// placement, a bound port, a dedicated database with the base schema, a
// seeded admin account, routing entries, and a supervised process.
//
// The pipeline is re-entrant. Every step either converges on re-run or skips
// itself when its outcome is already on the tenant row, so a crashed or stuck
// run is resumed by simply running the pipeline again. The tenant row is the
// only durable resume point; there is no queue of record.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/perchplatform/perch/internal/fleet"
	"github.com/perchplatform/perch/internal/idgen"
	"github.com/perchplatform/perch/internal/lifecycle"
	"github.com/perchplatform/perch/internal/metrics"
	"github.com/perchplatform/perch/internal/notify"
	"github.com/perchplatform/perch/internal/routing"
	"github.com/perchplatform/perch/internal/supervisor"
	"github.com/perchplatform/perch/internal/syncutil"
	"github.com/perchplatform/perch/internal/tenant"
	"github.com/perchplatform/perch/internal/traces"
)

// ErrTenantGone is returned when provisioning is requested for a cancelled
// tenant.
var ErrTenantGone = errors.New("provision: tenant is cancelled")

// asyncTimeout bounds a detached provisioning run.
const asyncTimeout = 10 * time.Minute

// Options tune a single provisioning run.
type Options struct {
	// ServerID pins placement to a specific server instead of least-loaded
	// selection. Ignored when the tenant is already placed.
	ServerID string
}

// state is the mutable context threaded through one run.
type state struct {
	tenant *tenant.Tenant
	server *fleet.Server
	opts   Options
}

// step is one pipeline stage. Critical steps abort the run and mark the
// tenant errored; best-effort steps log and continue.
type step struct {
	name     string
	critical bool
	skip     func(st *state) bool
	run      func(ctx context.Context, st *state) error
}

// Runner executes the provisioning pipeline.
type Runner struct {
	tenants  tenant.Store
	servers  fleet.Store
	selector *fleet.Selector
	dbadmin  fleet.DBAdmin
	proc     supervisor.Client
	router   routing.Client
	notifier *notify.Notifier
	events   lifecycle.EventSink
	locks    *syncutil.ContextShardedMutex
	logger   *slog.Logger

	baseDomain string
	steps      []step
}

// NewRunner creates a provisioning runner. events may be nil.
func NewRunner(
	tenants tenant.Store,
	servers fleet.Store,
	selector *fleet.Selector,
	dbadmin fleet.DBAdmin,
	proc supervisor.Client,
	router routing.Client,
	notifier *notify.Notifier,
	events lifecycle.EventSink,
	baseDomain string,
	logger *slog.Logger,
) *Runner {
	r := &Runner{
		tenants:    tenants,
		servers:    servers,
		selector:   selector,
		dbadmin:    dbadmin,
		proc:       proc,
		router:     router,
		notifier:   notifier,
		events:     events,
		locks:      syncutil.NewContextShardedMutex(),
		logger:     logger,
		baseDomain: baseDomain,
	}
	r.steps = []step{
		{
			name:     "resolve-server",
			critical: true,
			skip:     func(st *state) bool { return st.tenant.ServerID != "" },
			run:      r.resolveServer,
		},
		{
			name:     "allocate-port",
			critical: true,
			skip:     func(st *state) bool { return st.tenant.AssignedPort != 0 },
			run:      r.allocatePort,
		},
		{
			name:     "create-database",
			critical: true,
			run:      r.createDatabase,
		},
		{
			name:     "seed-admin",
			critical: true,
			run:      r.seedAdmin,
		},
		{
			name:     "attach-routing",
			critical: false,
			run:      r.attachRouting,
		},
		{
			name:     "start-process",
			critical: true,
			run:      r.startProcess,
		},
	}
	return r
}

// Provision runs the pipeline synchronously. Concurrent runs for the same
// tenant are serialized; the second run observes the first run's writes and
// converges on the same placement.
func (r *Runner) Provision(ctx context.Context, tenantID string, opts Options) error {
	ctx, span := traces.StartSpan(ctx, "provision.Provision",
		traces.TenantID(tenantID),
	)
	defer span.End()

	unlock, err := r.locks.LockContext(ctx, tenantID)
	if err != nil {
		return err
	}
	defer unlock()

	t, err := r.tenants.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	if t.CommercialStatus == tenant.StatusCancelled {
		return ErrTenantGone
	}

	st := &state{tenant: t, opts: opts}
	for _, s := range r.steps {
		if s.skip != nil && s.skip(st) {
			r.logger.Debug("provision step skipped", "tenantId", t.ID, "step", s.name)
			continue
		}

		start := time.Now()
		err := s.run(ctx, st)
		metrics.ProvisionStepDuration.WithLabelValues(s.name).Observe(time.Since(start).Seconds())

		if err != nil {
			if !s.critical {
				r.logger.Warn("best-effort provision step failed",
					"tenantId", t.ID, "step", s.name, "error", err)
				continue
			}
			r.fail(ctx, st, s.name, err)
			metrics.ProvisionRunsTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("provision: step %s failed: %w", s.name, err)
		}

		// Persist after every step so a crash resumes from here.
		if err := r.save(ctx, st.tenant); err != nil {
			metrics.ProvisionRunsTotal.WithLabelValues("error").Inc()
			return err
		}
	}

	metrics.ProvisionRunsTotal.WithLabelValues("ok").Inc()
	r.logger.Info("tenant provisioned",
		"tenantId", t.ID,
		"slug", t.Slug,
		"serverId", t.ServerID,
		"port", t.AssignedPort,
	)
	r.publish("provisioned", st.tenant)
	return nil
}

// ProvisionAsync detaches the pipeline into a background goroutine. The
// terminal outcome is written to the tenant row, never returned; callers poll
// process_status.
func (r *Runner) ProvisionAsync(tenantID string, opts Options) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("panic in provisioning run",
					"tenantId", tenantID, "panic", fmt.Sprint(rec))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()

		if err := r.Provision(ctx, tenantID, opts); err != nil {
			r.logger.Error("provisioning run failed", "tenantId", tenantID, "error", err)
		}
	}()
}

func (r *Runner) resolveServer(ctx context.Context, st *state) error {
	srv, err := r.selector.Select(ctx, st.opts.ServerID)
	if err != nil {
		return err
	}
	st.server = srv
	st.tenant.ServerID = srv.ID
	return nil
}

func (r *Runner) allocatePort(ctx context.Context, st *state) error {
	port, err := r.servers.AllocatePort(ctx, st.tenant.ID)
	if err != nil {
		return err
	}
	st.tenant.AssignedPort = port
	return nil
}

func (r *Runner) createDatabase(ctx context.Context, st *state) error {
	srv, err := r.server(ctx, st)
	if err != nil {
		return err
	}
	name := tenant.DatabaseName(st.tenant.Slug)
	if err := r.dbadmin.CreateDatabase(ctx, srv, name); err != nil {
		return err
	}
	if err := r.dbadmin.ApplySchema(ctx, srv, name); err != nil {
		return err
	}
	st.tenant.DBName = name
	return nil
}

// seedAdmin creates the tenant's administrator account with a generated
// credential. The plaintext exists only in this frame and the outgoing mail;
// it is never logged and never stored by the control plane.
func (r *Runner) seedAdmin(ctx context.Context, st *state) error {
	srv, err := r.server(ctx, st)
	if err != nil {
		return err
	}

	password := idgen.Hex(16)
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	created, err := r.dbadmin.SeedAdminUser(ctx, srv, st.tenant.DBName, st.tenant.Email, string(hash))
	if err != nil {
		return err
	}
	if created {
		appURL := fmt.Sprintf("https://%s.%s", st.tenant.Slug, r.baseDomain)
		r.notifier.AdminCredential(ctx, st.tenant.Email, appURL, password)
	}
	return nil
}

func (r *Runner) attachRouting(ctx context.Context, st *state) error {
	srv, err := r.server(ctx, st)
	if err != nil {
		return err
	}

	result, err := r.router.Attach(ctx, routing.AttachRequest{
		Slug:          st.tenant.Slug,
		ServerAddress: srv.Address,
		Port:          st.tenant.AssignedPort,
		CustomDomain:  st.tenant.CustomDomain,
	})
	if result != nil && st.tenant.CustomDomain != "" {
		for _, e := range result.Entries {
			if e.Kind == routing.KindCustom {
				st.tenant.CustomDomainLive = e.Error == "" && e.DistributionUpdated
			}
		}
	}
	return err
}

func (r *Runner) startProcess(ctx context.Context, st *state) error {
	if !st.tenant.CanRun() {
		// Suspended mid-provision: leave the instance stopped.
		st.tenant.ProcessStatus = tenant.ProcessStopped
		return nil
	}
	srv, err := r.server(ctx, st)
	if err != nil {
		return err
	}

	if err := r.proc.Start(ctx, lifecycle.BuildStartSpec(srv, st.tenant)); err != nil {
		return err
	}
	st.tenant.ProcessStatus = tenant.ProcessRunning
	st.tenant.StatusReason = ""
	return nil
}

// server resolves the placed server, caching it on the run state.
func (r *Runner) server(ctx context.Context, st *state) (*fleet.Server, error) {
	if st.server != nil {
		return st.server, nil
	}
	srv, err := r.servers.GetServer(ctx, st.tenant.ServerID)
	if err != nil {
		return nil, err
	}
	st.server = srv
	return srv, nil
}

// fail writes the terminal error state onto the tenant row so the failure is
// visible without log-diving.
func (r *Runner) fail(ctx context.Context, st *state, stepName string, cause error) {
	st.tenant.ProcessStatus = tenant.ProcessError
	st.tenant.StatusReason = fmt.Sprintf("%s failed: %v", stepName, cause)
	// The writeback must survive the run's own deadline expiring.
	ctx = context.WithoutCancel(ctx)
	if err := r.save(ctx, st.tenant); err != nil {
		r.logger.Error("failed to record provisioning failure",
			"tenantId", st.tenant.ID, "step", stepName, "error", err)
	}
	r.logger.Error("provision step failed",
		"tenantId", st.tenant.ID, "step", stepName, "error", cause)
	r.publish("provision_failed", st.tenant)
}

func (r *Runner) save(ctx context.Context, t *tenant.Tenant) error {
	t.UpdatedAt = time.Now()
	return r.tenants.Update(ctx, t)
}

func (r *Runner) publish(kind string, t *tenant.Tenant) {
	if r.events == nil {
		return
	}
	r.events.PublishTenant(kind, t.ID, map[string]interface{}{
		"slug":          t.Slug,
		"serverId":      t.ServerID,
		"processStatus": t.ProcessStatus,
		"statusReason":  t.StatusReason,
	})
}
