// Package api exposes the tenant HTTP surface: signup, lifecycle actions,
// provisioning, and custom domains. Handlers translate HTTP in and out;
// all state changes go through the lifecycle manager, the provisioning
// runner, and the billing service.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/perchplatform/perch/internal/billing"
	"github.com/perchplatform/perch/internal/fleet"
	"github.com/perchplatform/perch/internal/idgen"
	"github.com/perchplatform/perch/internal/lifecycle"
	"github.com/perchplatform/perch/internal/pagination"
	"github.com/perchplatform/perch/internal/provision"
	"github.com/perchplatform/perch/internal/routing"
	"github.com/perchplatform/perch/internal/tenant"
	"github.com/perchplatform/perch/internal/validation"
)

const (
	defaultTrialDays = 14
	defaultLogLines  = 100
	maxLogLines      = 1000
	defaultPageSize  = 50
	maxPageSize      = 200
	purgeTimeout     = 5 * time.Minute
)

// Handler serves the tenant API.
type Handler struct {
	tenants   tenant.Store
	servers   fleet.Store
	selector  *fleet.Selector
	dbadmin   fleet.DBAdmin
	router    routing.Client
	manager   *lifecycle.Manager
	runner    *provision.Runner
	billing   *billing.Service // nil when no payment gateway is configured
	trialDays int
	logger    *slog.Logger
}

// NewHandler creates the tenant API handler. billingSvc may be nil;
// trialDays <= 0 falls back to the default trial length.
func NewHandler(
	tenants tenant.Store,
	servers fleet.Store,
	selector *fleet.Selector,
	dbadmin fleet.DBAdmin,
	router routing.Client,
	manager *lifecycle.Manager,
	runner *provision.Runner,
	billingSvc *billing.Service,
	trialDays int,
	logger *slog.Logger,
) *Handler {
	if trialDays <= 0 {
		trialDays = defaultTrialDays
	}
	return &Handler{
		tenants:   tenants,
		servers:   servers,
		selector:  selector,
		dbadmin:   dbadmin,
		router:    router,
		manager:   manager,
		runner:    runner,
		billing:   billingSvc,
		trialDays: trialDays,
		logger:    logger,
	}
}

// RegisterRoutes sets up the tenant routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tenants", h.CreateTenant)
	r.GET("/tenants", h.ListTenants)
	r.GET("/tenants/:id", h.GetTenant)
	r.PATCH("/tenants/:id", h.UpdateTenant)
	r.DELETE("/tenants/:id", h.CancelTenant)
	r.POST("/tenants/:id/provision", h.ProvisionTenant)
	r.POST("/tenants/:id/start", h.StartTenant)
	r.POST("/tenants/:id/stop", h.StopTenant)
	r.POST("/tenants/:id/restart", h.RestartTenant)
	r.GET("/tenants/:id/logs", h.TenantLogs)
	r.POST("/tenants/:id/domain", h.SetCustomDomain)
	r.POST("/tenants/:id/end-trial", h.EndTrial)
	r.GET("/tenants/:id/payments", h.TenantPayments)
}

// RegisterAdminRoutes sets up operator-only tenant routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tenants/:id/purge", h.PurgeTenant)
}

// CreateTenant handles POST /v1/tenants. Placement and port binding happen
// synchronously so capacity problems surface at signup time; the rest of the
// pipeline runs in the background and the caller polls processStatus.
func (h *Handler) CreateTenant(c *gin.Context) {
	var req struct {
		Name     string `json:"name"`
		Slug     string `json:"slug"`
		Email    string `json:"email"`
		Plan     string `json:"plan"`
		ServerID string `json:"serverId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	req.Slug = validation.SanitizeSlug(req.Slug)
	if errs := validation.Validate(
		validation.Required("name", req.Name),
		validation.MaxLength("name", req.Name, 100),
		validation.Required("slug", req.Slug),
		validation.ValidSlug("slug", req.Slug),
		validation.Required("email", req.Email),
		validation.ValidEmail("email", req.Email),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}

	plan := tenant.PlanTrial
	if req.Plan != "" {
		plan = tenant.Plan(req.Plan)
		if !tenant.ValidPlan(plan) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_plan", "message": "unknown plan: " + req.Plan})
			return
		}
	}

	ctx := c.Request.Context()

	// Fail fast on capacity before the row exists.
	srv, err := h.selector.Select(ctx, req.ServerID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	now := time.Now()
	t := &tenant.Tenant{
		ID:               idgen.WithPrefix("ten_"),
		Name:             validation.SanitizeString(req.Name, 100),
		Slug:             req.Slug,
		Email:            req.Email,
		Plan:             plan,
		ServerID:         srv.ID,
		CommercialStatus: tenant.StatusTrial,
		ProcessStatus:    tenant.ProcessProvisioning,
		TrialEndsAt:      now.AddDate(0, 0, h.trialDays),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	port, err := h.servers.AllocatePort(ctx, t.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	t.AssignedPort = port

	if err := h.tenants.Create(ctx, t); err != nil {
		if relErr := h.servers.ReleasePort(ctx, t.ID); relErr != nil {
			h.logger.Warn("failed to release port after create failure",
				"tenantId", t.ID, "error", relErr)
		}
		h.writeError(c, err)
		return
	}

	h.logger.Info("tenant created",
		"tenantId", t.ID, "slug", t.Slug, "serverId", srv.ID, "port", port)
	h.runner.ProvisionAsync(t.ID, provision.Options{ServerID: srv.ID})

	c.JSON(http.StatusAccepted, gin.H{"tenant": t})
}

// GetTenant handles GET /v1/tenants/:id. The path segment accepts either a
// tenant id or its slug; operators address tenants by slug as often as by id.
func (h *Handler) GetTenant(c *gin.Context) {
	ctx := c.Request.Context()
	ref := c.Param("id")

	t, err := h.tenants.Get(ctx, ref)
	if errors.Is(err, tenant.ErrTenantNotFound) {
		t, err = h.tenants.GetBySlug(ctx, ref)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// ListTenants handles GET /v1/tenants with status filters and cursor paging.
func (h *Handler) ListTenants(c *gin.Context) {
	limit := defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limit must be a positive integer"})
			return
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		limit = n
	}

	f := tenant.Filter{
		Cursor: c.Query("cursor"),
		Limit:  limit + 1, // one extra row decides hasMore
	}
	if s := c.Query("status"); s != "" {
		f.CommercialStatus = tenant.CommercialStatus(s)
		if !tenant.ValidCommercialStatus(f.CommercialStatus) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "message": "unknown status: " + s})
			return
		}
	}
	if s := c.Query("processStatus"); s != "" {
		f.ProcessStatus = tenant.ProcessStatus(s)
		if !tenant.ValidProcessStatus(f.ProcessStatus) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "message": "unknown process status: " + s})
			return
		}
	}

	tenants, err := h.tenants.List(c.Request.Context(), f)
	if err != nil {
		if f.Cursor != "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "cursor is malformed"})
			return
		}
		h.writeError(c, err)
		return
	}

	page, next, hasMore := pagination.ComputePage(tenants, limit, func(t *tenant.Tenant) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"tenants":    page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// UpdateTenant handles PATCH /v1/tenants/:id. The slug is immutable: it is
// baked into the database name, the process name, and the subdomains.
func (h *Handler) UpdateTenant(c *gin.Context) {
	var req struct {
		Name  *string `json:"name"`
		Email *string `json:"email"`
		Plan  *string `json:"plan"`
		Slug  *string `json:"slug"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if req.Slug != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "slug_immutable", "message": "the slug cannot be changed"})
		return
	}

	ctx := c.Request.Context()
	t, err := h.tenants.Get(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	if req.Name != nil {
		name := validation.SanitizeString(*req.Name, 100)
		if name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "name must not be empty"})
			return
		}
		t.Name = name
	}
	if req.Email != nil {
		if !validation.IsValidEmail(*req.Email) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "email must be a valid address"})
			return
		}
		t.Email = *req.Email
	}
	if req.Plan != nil {
		plan := tenant.Plan(*req.Plan)
		if !tenant.ValidPlan(plan) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_plan", "message": "unknown plan: " + *req.Plan})
			return
		}
		t.Plan = plan
	}

	t.UpdatedAt = time.Now()
	if err := h.tenants.Update(ctx, t); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// ProvisionTenant handles POST /v1/tenants/:id/provision, (re-)running the
// pipeline in the background. Used to resume after a failed or stuck run.
func (h *Handler) ProvisionTenant(c *gin.Context) {
	var req struct {
		ServerID string `json:"serverId"`
	}
	// Body is optional.
	_ = c.ShouldBindJSON(&req)

	t, err := h.tenants.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if t.CommercialStatus == tenant.StatusCancelled {
		h.writeError(c, provision.ErrTenantGone)
		return
	}

	h.runner.ProvisionAsync(t.ID, provision.Options{ServerID: req.ServerID})
	c.JSON(http.StatusAccepted, gin.H{"tenant": t})
}

// StartTenant handles POST /v1/tenants/:id/start.
func (h *Handler) StartTenant(c *gin.Context) {
	h.lifecycleAction(c, h.manager.Start)
}

// StopTenant handles POST /v1/tenants/:id/stop.
func (h *Handler) StopTenant(c *gin.Context) {
	h.lifecycleAction(c, h.manager.Stop)
}

// RestartTenant handles POST /v1/tenants/:id/restart.
func (h *Handler) RestartTenant(c *gin.Context) {
	h.lifecycleAction(c, h.manager.Restart)
}

func (h *Handler) lifecycleAction(c *gin.Context, fn func(ctx context.Context, tenantID string) (*tenant.Tenant, error)) {
	t, err := fn(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// TenantLogs handles GET /v1/tenants/:id/logs?lines=N.
func (h *Handler) TenantLogs(c *gin.Context) {
	lines := defaultLogLines
	if raw := c.Query("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_lines", "message": "lines must be a positive integer"})
			return
		}
		if n > maxLogLines {
			n = maxLogLines
		}
		lines = n
	}

	logs, err := h.manager.Logs(c.Request.Context(), c.Param("id"), lines)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "lines": lines})
}

// SetCustomDomain handles POST /v1/tenants/:id/domain, binding a customer
// domain to the tenant. Routing attachment is attempted immediately but a
// partial attach leaves the domain pending rather than failing the request.
func (h *Handler) SetCustomDomain(c *gin.Context) {
	var req struct {
		Domain string `json:"domain" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "domain is required"})
		return
	}
	if !validation.IsValidHostname(req.Domain) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "domain must be a valid hostname"})
		return
	}

	ctx := c.Request.Context()
	t, err := h.tenants.Get(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if t.CommercialStatus == tenant.StatusCancelled {
		h.writeError(c, lifecycle.ErrStateConflict)
		return
	}

	t.CustomDomain = req.Domain
	t.CustomDomainLive = false
	t.UpdatedAt = time.Now()
	if err := h.tenants.Update(ctx, t); err != nil {
		h.writeError(c, err)
		return
	}

	var entries []routing.Entry
	if t.ServerID != "" && t.AssignedPort != 0 {
		srv, err := h.servers.GetServer(ctx, t.ServerID)
		if err != nil {
			h.writeError(c, err)
			return
		}
		result, attachErr := h.router.Attach(ctx, routing.AttachRequest{
			Slug:          t.Slug,
			ServerAddress: srv.Address,
			Port:          t.AssignedPort,
			CustomDomain:  t.CustomDomain,
		})
		if attachErr != nil {
			h.logger.Warn("custom domain attach incomplete",
				"tenantId", t.ID, "domain", req.Domain, "error", attachErr)
		}
		if result != nil {
			entries = result.Entries
			for _, e := range result.Entries {
				if e.Kind == routing.KindCustom {
					t.CustomDomainLive = e.Error == "" && e.DistributionUpdated
				}
			}
			t.UpdatedAt = time.Now()
			if err := h.tenants.Update(ctx, t); err != nil {
				h.writeError(c, err)
				return
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{"tenant": t, "entries": entries})
}

// EndTrial handles POST /v1/tenants/:id/end-trial, converting the trial into
// a paid subscription.
func (h *Handler) EndTrial(c *gin.Context) {
	if h.billing == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "billing_disabled", "message": "no payment gateway configured"})
		return
	}
	t, err := h.billing.EndTrial(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// TenantPayments handles GET /v1/tenants/:id/payments?limit=N, the tenant's
// processed gateway event history, newest first.
func (h *Handler) TenantPayments(c *gin.Context) {
	if h.billing == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "billing_disabled", "message": "no payment gateway configured"})
		return
	}

	ctx := c.Request.Context()
	t, err := h.tenants.Get(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	events, err := h.billing.PaymentHistory(ctx, t.ID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if events == nil {
		events = []*billing.PaymentEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"payments": events})
}

// CancelTenant handles DELETE /v1/tenants/:id: a soft delete. The process
// stops, the port is freed, the gateway subscription is torn down, and the
// data stays until an operator purges it.
func (h *Handler) CancelTenant(c *gin.Context) {
	ctx := c.Request.Context()
	t, err := h.manager.Cancel(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	if h.billing != nil {
		if err := h.billing.TearDownSubscription(ctx, t.ID); err != nil {
			h.logger.Warn("failed to tear down subscription on cancel",
				"tenantId", t.ID, "error", err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// PurgeTenant handles POST /v1/tenants/:id/purge (operator only): the hard
// delete. The tenant is cancelled first, then routing entries, the database,
// and finally the row itself are removed in the background.
func (h *Handler) PurgeTenant(c *gin.Context) {
	ctx := c.Request.Context()
	t, err := h.manager.Cancel(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	go h.purge(*t)
	c.JSON(http.StatusAccepted, gin.H{"purging": t.ID})
}

// purge destroys everything the tenant owned. Steps run in dependency order
// and the row is deleted only after the rest succeeded, so a failed purge can
// simply be retried.
func (h *Handler) purge(t tenant.Tenant) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("panic in tenant purge", "tenantId", t.ID, "panic", rec)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
	defer cancel()

	if err := h.router.Detach(ctx, t.Slug, t.CustomDomain); err != nil {
		h.logger.Error("purge: detach routing failed", "tenantId", t.ID, "error", err)
		return
	}

	if t.ServerID != "" && t.DBName != "" {
		srv, err := h.servers.GetServer(ctx, t.ServerID)
		if err != nil {
			h.logger.Error("purge: resolve server failed", "tenantId", t.ID, "error", err)
			return
		}
		if err := h.dbadmin.DropDatabase(ctx, srv, t.DBName); err != nil {
			h.logger.Error("purge: drop database failed", "tenantId", t.ID, "error", err)
			return
		}
	}

	if err := h.servers.ReleasePort(ctx, t.ID); err != nil {
		h.logger.Error("purge: release port failed", "tenantId", t.ID, "error", err)
		return
	}

	if err := h.tenants.Delete(ctx, t.ID); err != nil && !errors.Is(err, tenant.ErrTenantNotFound) {
		h.logger.Error("purge: delete tenant row failed", "tenantId", t.ID, "error", err)
		return
	}

	h.logger.Info("tenant purged", "tenantId", t.ID, "slug", t.Slug)
}

// writeError maps domain errors onto HTTP responses.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, tenant.ErrTenantNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "tenant not found"})
	case errors.Is(err, fleet.ErrServerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "server not found"})
	case errors.Is(err, tenant.ErrSlugTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "slug_taken", "message": "that slug is already in use"})
	case errors.Is(err, lifecycle.ErrStateConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "state_conflict", "message": err.Error()})
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, lifecycle.ErrNotProvisioned):
		c.JSON(http.StatusConflict, gin.H{"error": "not_provisioned", "message": "tenant has no provisioned instance"})
	case errors.Is(err, provision.ErrTenantGone):
		c.JSON(http.StatusConflict, gin.H{"error": "tenant_cancelled", "message": "cancelled tenants cannot be provisioned"})
	case errors.Is(err, billing.ErrNotOnTrial):
		c.JSON(http.StatusConflict, gin.H{"error": "not_on_trial", "message": err.Error()})
	case errors.Is(err, billing.ErrNoPriceForPlan):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_plan", "message": err.Error()})
	case errors.Is(err, fleet.ErrServerInactive):
		c.JSON(http.StatusConflict, gin.H{"error": "server_inactive", "message": err.Error()})
	case errors.Is(err, fleet.ErrNoServerAvailable), errors.Is(err, fleet.ErrPortsExhausted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capacity_unavailable", "message": err.Error()})
	default:
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "something went wrong"})
	}
}
