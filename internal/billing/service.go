package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/perchplatform/perch/internal/idgen"
	"github.com/perchplatform/perch/internal/lifecycle"
	"github.com/perchplatform/perch/internal/tenant"
	"github.com/perchplatform/perch/internal/traces"
)

// Service drives billing flows initiated on our side rather than by the
// gateway: ending a trial and tearing down a subscription on cancellation.
type Service struct {
	store   Store
	tenants tenant.Store
	manager *lifecycle.Manager
	gateway Gateway
	logger  *slog.Logger
}

// NewService creates a billing service.
func NewService(store Store, tenants tenant.Store, manager *lifecycle.Manager, gateway Gateway, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		tenants: tenants,
		manager: manager,
		gateway: gateway,
		logger:  logger,
	}
}

// EndTrial converts a trial tenant into a paying one: a gateway customer and
// subscription are created for the tenant's plan and the tenant is activated.
// Trial tenants without a paid plan are subscribed to starter.
func (s *Service) EndTrial(ctx context.Context, tenantID string) (*tenant.Tenant, error) {
	ctx, span := traces.StartSpan(ctx, "billing.EndTrial")
	defer span.End()

	ten, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if ten.CommercialStatus != tenant.StatusTrial {
		return nil, fmt.Errorf("%w: tenant is %s", ErrNotOnTrial, ten.CommercialStatus)
	}

	plan := ten.Plan
	if plan == tenant.PlanTrial {
		plan = tenant.PlanStarter
	}
	priceID := tenant.Plans[plan].StripePriceID
	if priceID == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoPriceForPlan, plan)
	}

	customerID := ten.StripeCustomerID
	if customerID == "" {
		customerID, err = s.gateway.CreateCustomer(ctx, ten.Email, ten.Name)
		if err != nil {
			return nil, err
		}
		ten.StripeCustomerID = customerID
		ten.UpdatedAt = time.Now()
		if err := s.tenants.Update(ctx, ten); err != nil {
			return nil, fmt.Errorf("failed to record gateway customer: %w", err)
		}
	}

	gwSub, err := s.gateway.CreateSubscription(ctx, customerID, priceID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sub := &Subscription{
		ID:                   idgen.WithPrefix("sub_"),
		TenantID:             ten.ID,
		StripeSubscriptionID: gwSub.ID,
		StripeCustomerID:     customerID,
		Status:               SubActive,
		CurrentPeriodStart:   gwSub.PeriodStart,
		CurrentPeriodEnd:     gwSub.PeriodEnd,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	// Plan upgrade (trial → starter) is a tenant-row fact, not a status one.
	if ten.Plan != plan {
		ten.Plan = plan
		ten.UpdatedAt = time.Now()
		if err := s.tenants.Update(ctx, ten); err != nil {
			return nil, err
		}
	}

	s.logger.Info("trial ended",
		"tenantId", ten.ID,
		"slug", ten.Slug,
		"plan", plan,
	)
	return s.manager.Activate(ctx, ten.ID)
}

// maxPaymentHistory bounds one payment history page.
const maxPaymentHistory = 100

// PaymentHistory returns the tenant's processed gateway events, newest
// first. A limit outside (0, maxPaymentHistory] falls back to the cap.
func (s *Service) PaymentHistory(ctx context.Context, tenantID string, limit int) ([]*PaymentEvent, error) {
	if limit <= 0 || limit > maxPaymentHistory {
		limit = maxPaymentHistory
	}
	return s.store.ListEvents(ctx, tenantID, limit)
}

// TearDownSubscription cancels the tenant's gateway subscription, used when a
// tenant is cancelled from our side. Missing subscriptions are fine.
func (s *Service) TearDownSubscription(ctx context.Context, tenantID string) error {
	sub, err := s.store.GetSubscriptionByTenant(ctx, tenantID)
	if err != nil {
		return nil // nothing to tear down
	}

	if err := s.gateway.CancelSubscription(ctx, sub.StripeSubscriptionID); err != nil {
		// The gateway's own subscription.deleted webhook will reconcile later.
		s.logger.Warn("failed to cancel gateway subscription",
			"tenantId", tenantID, "subscriptionId", sub.ID, "error", err)
	}

	sub.Status = SubCancelled
	sub.UpdatedAt = time.Now()
	return s.store.UpdateSubscription(ctx, sub)
}
