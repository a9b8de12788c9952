package billing

import "context"

// Store persists subscriptions and processed payment events.
type Store interface {
	CreateSubscription(ctx context.Context, s *Subscription) error
	GetSubscriptionByTenant(ctx context.Context, tenantID string) (*Subscription, error)
	GetSubscriptionByStripeID(ctx context.Context, stripeSubID string) (*Subscription, error)
	UpdateSubscription(ctx context.Context, s *Subscription) error

	// RecordEvent inserts a processed event keyed by its gateway event id.
	// Returns ErrDuplicateEvent when the id was already recorded.
	RecordEvent(ctx context.Context, e *PaymentEvent) error
	// HasEvent reports whether the gateway event id was already processed.
	HasEvent(ctx context.Context, eventID string) (bool, error)
	ListEvents(ctx context.Context, tenantID string, limit int) ([]*PaymentEvent, error)
}
