package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// GatewaySubscription is the slice of the gateway's subscription object the
// orchestrator consumes.
type GatewaySubscription struct {
	ID          string
	Status      string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// Gateway abstracts the payment provider so the reconciler and the end-trial
// flow are testable without network calls.
type Gateway interface {
	CreateCustomer(ctx context.Context, email, name string) (string, error)
	CreateSubscription(ctx context.Context, customerID, priceID string) (*GatewaySubscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// StripeGateway is the production Gateway backed by the Stripe API.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway creates a Stripe-backed gateway client.
func NewStripeGateway(secretKey string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{api: api}
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, email, name string) (string, error) {
	params := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
		Email:  stripe.String(email),
		Name:   stripe.String(name),
	}
	cust, err := g.api.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create gateway customer: %w", err)
	}
	return cust.ID, nil
}

func (g *StripeGateway) CreateSubscription(ctx context.Context, customerID, priceID string) (*GatewaySubscription, error) {
	params := &stripe.SubscriptionParams{
		Params:   stripe.Params{Context: ctx},
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceID)},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
	}
	sub, err := g.api.Subscriptions.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway subscription: %w", err)
	}
	return &GatewaySubscription{
		ID:          sub.ID,
		Status:      string(sub.Status),
		PeriodStart: time.Unix(sub.CurrentPeriodStart, 0),
		PeriodEnd:   time.Unix(sub.CurrentPeriodEnd, 0),
	}, nil
}

func (g *StripeGateway) CancelSubscription(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionCancelParams{
		Params: stripe.Params{Context: ctx},
	}
	if _, err := g.api.Subscriptions.Cancel(subscriptionID, params); err != nil {
		return fmt.Errorf("failed to cancel gateway subscription: %w", err)
	}
	return nil
}

var _ Gateway = (*StripeGateway)(nil)
