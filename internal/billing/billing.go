// Package billing keeps tenant commercial state in sync with the payment
// gateway. Stripe webhooks are the source of truth: every delivery is
// verified, recorded once by its gateway event id, and mapped through a
// closed event-kind enum to a lifecycle action.
package billing

import (
	"errors"
	"time"
)

// Errors
var (
	ErrSubscriptionNotFound = errors.New("billing: subscription not found")
	ErrDuplicateEvent       = errors.New("billing: event already processed")
	ErrNotOnTrial           = errors.New("billing: tenant is not on trial")
	ErrNoPriceForPlan       = errors.New("billing: plan has no gateway price")
)

// SubscriptionStatus mirrors the gateway subscription state the orchestrator
// cares about.
type SubscriptionStatus string

const (
	SubActive    SubscriptionStatus = "active"
	SubPaused    SubscriptionStatus = "paused"
	SubPastDue   SubscriptionStatus = "past_due"
	SubCancelled SubscriptionStatus = "cancelled"
)

// Subscription links a tenant to its recurring charge on the gateway.
type Subscription struct {
	ID                   string             `json:"id"`
	TenantID             string             `json:"tenantId"`
	StripeSubscriptionID string             `json:"-"`
	StripeCustomerID     string             `json:"-"`
	Status               SubscriptionStatus `json:"status"`
	CurrentPeriodStart   time.Time          `json:"currentPeriodStart"`
	CurrentPeriodEnd     time.Time          `json:"currentPeriodEnd"`
	CreatedAt            time.Time          `json:"createdAt"`
	UpdatedAt            time.Time          `json:"updatedAt"`
}

// EventKind is the closed set of gateway events the reconciler acts on.
// Anything the gateway sends outside this set is logged and dropped before it
// reaches the reconciler.
type EventKind string

const (
	KindActivation          EventKind = "activation"
	KindInvoicePaid         EventKind = "invoice_paid"
	KindInvoiceFailed       EventKind = "invoice_failed"
	KindSubscriptionDeleted EventKind = "subscription_deleted"
	KindChargeCaptured      EventKind = "charge_captured"
	KindChargeFailed        EventKind = "charge_failed"
)

// KindFromStripe maps a Stripe event type onto the closed enum. ok is false
// for event types the reconciler does not handle.
func KindFromStripe(eventType string) (EventKind, bool) {
	switch eventType {
	case "checkout.session.completed":
		return KindActivation, true
	case "invoice.paid", "invoice.payment_succeeded":
		return KindInvoicePaid, true
	case "invoice.payment_failed":
		return KindInvoiceFailed, true
	case "customer.subscription.deleted":
		return KindSubscriptionDeleted, true
	case "charge.succeeded":
		return KindChargeCaptured, true
	case "charge.failed":
		return KindChargeFailed, true
	}
	return "", false
}

// PaymentEvent records one processed gateway delivery. ID is the gateway's
// event id, which makes duplicate deliveries a store-level no-op.
type PaymentEvent struct {
	ID          string    `json:"id"` // Stripe event id (evt_...)
	TenantID    string    `json:"tenantId,omitempty"`
	Kind        EventKind `json:"kind"`
	AmountCents int64     `json:"amountCents,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

// failureThreshold is the number of collection attempts on one invoice after
// which the tenant is suspended as past due.
const failureThreshold = 3
