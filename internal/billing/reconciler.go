package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/perchplatform/perch/internal/idgen"
	"github.com/perchplatform/perch/internal/lifecycle"
	"github.com/perchplatform/perch/internal/metrics"
	"github.com/perchplatform/perch/internal/notify"
	"github.com/perchplatform/perch/internal/tenant"
	"github.com/perchplatform/perch/internal/traces"
)

// Reconciler applies verified gateway events to tenant state. All status
// changes go through the lifecycle manager; the reconciler itself only writes
// billing rows.
type Reconciler struct {
	store    Store
	tenants  tenant.Store
	manager  *lifecycle.Manager
	notifier *notify.Notifier
	logger   *slog.Logger
}

// NewReconciler creates a billing reconciler.
func NewReconciler(store Store, tenants tenant.Store, manager *lifecycle.Manager, notifier *notify.Notifier, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		tenants:  tenants,
		manager:  manager,
		notifier: notifier,
		logger:   logger,
	}
}

// eventObject is the slice of a Stripe event payload the reconciler reads.
// The same struct covers checkout sessions, invoices, subscriptions and
// charges; absent fields stay zero.
type eventObject struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	ClientReferenceID  string `json:"client_reference_id"`
	Subscription       string `json:"subscription"`
	AttemptCount       int64  `json:"attempt_count"`
	AmountPaid         int64  `json:"amount_paid"`
	Amount             int64  `json:"amount"`
	Currency           string `json:"currency"`
	PeriodStart        int64  `json:"period_start"`
	PeriodEnd          int64  `json:"period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
}

// HandleEvent processes one verified gateway event. Duplicate deliveries and
// event types outside the closed enum return nil without side effects, so the
// gateway always gets a 2xx and stops retrying.
func (r *Reconciler) HandleEvent(ctx context.Context, event stripe.Event) error {
	ctx, span := traces.StartSpan(ctx, "billing.HandleEvent")
	defer span.End()

	kind, ok := KindFromStripe(string(event.Type))
	if !ok {
		metrics.WebhookEventsTotal.WithLabelValues("ignored").Inc()
		r.logger.Debug("ignoring gateway event outside enum", "eventId", event.ID, "type", event.Type)
		return nil
	}

	var obj eventObject
	if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to parse event %s payload: %w", event.ID, err)
	}

	seen, err := r.store.HasEvent(ctx, event.ID)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("error").Inc()
		return err
	}
	if seen {
		metrics.WebhookEventsTotal.WithLabelValues("duplicate").Inc()
		r.logger.Info("duplicate gateway delivery ignored", "eventId", event.ID)
		return nil
	}

	ten, err := r.resolveTenant(ctx, &obj)
	if err != nil {
		// No resolvable tenant: record for audit, then drop.
		metrics.WebhookEventsTotal.WithLabelValues("unmatched").Inc()
		r.logger.Warn("gateway event does not match any tenant",
			"eventId", event.ID, "type", event.Type, "customer", obj.Customer)
		_ = r.record(ctx, event.ID, kind, "", &obj)
		return nil
	}

	// Apply first, record second. The lifecycle actions are idempotent, so a
	// crash between the two only costs a redundant re-apply on redelivery; the
	// reverse order would swallow an event whose apply failed.
	if err := r.apply(ctx, kind, ten, &obj); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("error").Inc()
		return err
	}
	if err := r.record(ctx, event.ID, kind, ten.ID, &obj); err != nil && !errors.Is(err, ErrDuplicateEvent) {
		r.logger.Error("failed to record processed event", "eventId", event.ID, "error", err)
	}
	metrics.WebhookEventsTotal.WithLabelValues("ok").Inc()
	return nil
}

// apply is the total mapping from event kind to lifecycle action. Every
// member of the enum has a case; the default is unreachable.
func (r *Reconciler) apply(ctx context.Context, kind EventKind, ten *tenant.Tenant, obj *eventObject) error {
	switch kind {
	case KindActivation:
		return r.applyActivation(ctx, ten, obj)
	case KindInvoicePaid:
		return r.applyInvoicePaid(ctx, ten, obj)
	case KindInvoiceFailed:
		return r.applyInvoiceFailed(ctx, ten, obj)
	case KindSubscriptionDeleted:
		return r.applySubscriptionDeleted(ctx, ten, obj)
	case KindChargeCaptured, KindChargeFailed:
		// Recorded for the ledger; no lifecycle effect.
		return nil
	default:
		return fmt.Errorf("billing: unhandled event kind %q", kind)
	}
}

func (r *Reconciler) applyActivation(ctx context.Context, ten *tenant.Tenant, obj *eventObject) error {
	if ten.StripeCustomerID == "" && obj.Customer != "" {
		ten.StripeCustomerID = obj.Customer
		ten.UpdatedAt = time.Now()
		if err := r.tenants.Update(ctx, ten); err != nil {
			return fmt.Errorf("failed to record gateway customer: %w", err)
		}
	}

	if obj.Subscription != "" {
		if err := r.upsertSubscription(ctx, ten, obj.Subscription, obj.Customer, SubActive, obj); err != nil {
			return err
		}
	}

	ten, err := r.manager.Activate(ctx, ten.ID)
	if err != nil {
		return err
	}
	if ten.ProcessStatus == tenant.ProcessStopped {
		if _, err := r.manager.Start(ctx, ten.ID); err != nil {
			// Activation stands; the instance can be started manually.
			r.logger.Warn("failed to start instance after activation", "tenantId", ten.ID, "error", err)
		}
	}
	return nil
}

func (r *Reconciler) applyInvoicePaid(ctx context.Context, ten *tenant.Tenant, obj *eventObject) error {
	sub, err := r.subscriptionFor(ctx, ten, obj)
	if err == nil {
		sub.Status = SubActive
		if obj.PeriodStart > 0 {
			sub.CurrentPeriodStart = time.Unix(obj.PeriodStart, 0)
		}
		if obj.PeriodEnd > 0 {
			sub.CurrentPeriodEnd = time.Unix(obj.PeriodEnd, 0)
		}
		sub.UpdatedAt = time.Now()
		if err := r.store.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
	}

	// A paid invoice reinstates a tenant that was suspended for non-payment.
	if ten.CommercialStatus == tenant.StatusSuspended {
		if _, err := r.manager.Activate(ctx, ten.ID); err != nil {
			return err
		}
		if _, err := r.manager.Start(ctx, ten.ID); err != nil {
			r.logger.Warn("failed to start instance after payment", "tenantId", ten.ID, "error", err)
		}
	}
	return nil
}

func (r *Reconciler) applyInvoiceFailed(ctx context.Context, ten *tenant.Tenant, obj *eventObject) error {
	if obj.AttemptCount < failureThreshold {
		r.logger.Warn("payment attempt failed, gateway will retry",
			"tenantId", ten.ID, "attempt", obj.AttemptCount)
		return nil
	}

	if sub, err := r.subscriptionFor(ctx, ten, obj); err == nil {
		sub.Status = SubPastDue
		sub.UpdatedAt = time.Now()
		if err := r.store.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
	}

	if _, err := r.manager.Suspend(ctx, ten.ID, "payment past due"); err != nil {
		return err
	}
	r.notifier.PaymentRequired(ctx, ten.Email, ten.Name)
	return nil
}

func (r *Reconciler) applySubscriptionDeleted(ctx context.Context, ten *tenant.Tenant, obj *eventObject) error {
	if sub, err := r.store.GetSubscriptionByStripeID(ctx, obj.ID); err == nil {
		sub.Status = SubCancelled
		sub.UpdatedAt = time.Now()
		if err := r.store.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
	}

	_, err := r.manager.Suspend(ctx, ten.ID, "subscription cancelled")
	if errors.Is(err, lifecycle.ErrInvalidTransition) {
		// Already cancelled on our side; the gateway is just catching up.
		return nil
	}
	return err
}

func (r *Reconciler) resolveTenant(ctx context.Context, obj *eventObject) (*tenant.Tenant, error) {
	if obj.ClientReferenceID != "" {
		if ten, err := r.tenants.Get(ctx, obj.ClientReferenceID); err == nil {
			return ten, nil
		}
	}
	if obj.Customer != "" {
		return r.tenants.GetByStripeCustomer(ctx, obj.Customer)
	}
	return nil, tenant.ErrTenantNotFound
}

func (r *Reconciler) subscriptionFor(ctx context.Context, ten *tenant.Tenant, obj *eventObject) (*Subscription, error) {
	if obj.Subscription != "" {
		if sub, err := r.store.GetSubscriptionByStripeID(ctx, obj.Subscription); err == nil {
			return sub, nil
		}
	}
	return r.store.GetSubscriptionByTenant(ctx, ten.ID)
}

func (r *Reconciler) upsertSubscription(ctx context.Context, ten *tenant.Tenant, stripeSubID, customerID string, status SubscriptionStatus, obj *eventObject) error {
	now := time.Now()
	if sub, err := r.store.GetSubscriptionByStripeID(ctx, stripeSubID); err == nil {
		sub.Status = status
		sub.UpdatedAt = now
		return r.store.UpdateSubscription(ctx, sub)
	}

	sub := &Subscription{
		ID:                   idgen.WithPrefix("sub_"),
		TenantID:             ten.ID,
		StripeSubscriptionID: stripeSubID,
		StripeCustomerID:     customerID,
		Status:               status,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if obj.CurrentPeriodStart > 0 {
		sub.CurrentPeriodStart = time.Unix(obj.CurrentPeriodStart, 0)
	}
	if obj.CurrentPeriodEnd > 0 {
		sub.CurrentPeriodEnd = time.Unix(obj.CurrentPeriodEnd, 0)
	}
	return r.store.CreateSubscription(ctx, sub)
}

func (r *Reconciler) record(ctx context.Context, eventID string, kind EventKind, tenantID string, obj *eventObject) error {
	amount := obj.AmountPaid
	if amount == 0 {
		amount = obj.Amount
	}
	return r.store.RecordEvent(ctx, &PaymentEvent{
		ID:          eventID,
		TenantID:    tenantID,
		Kind:        kind,
		AmountCents: amount,
		Currency:    obj.Currency,
		ReceivedAt:  time.Now(),
	})
}
