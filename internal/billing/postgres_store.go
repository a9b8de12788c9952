package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore is the production billing store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed billing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, tenant_id, stripe_subscription_id, stripe_customer_id,
	status, current_period_start, current_period_end, created_at, updated_at`

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, tenant_id, stripe_subscription_id, stripe_customer_id,
			status, current_period_start, current_period_end, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sub.ID, sub.TenantID, sub.StripeSubscriptionID, sub.StripeCustomerID,
		sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubscriptionByTenant(ctx context.Context, tenantID string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE tenant_id = $1 AND status != 'cancelled'
		ORDER BY created_at DESC
		LIMIT 1`, tenantID)
	return scanSubscription(row)
}

func (s *PostgresStore) GetSubscriptionByStripeID(ctx context.Context, stripeSubID string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE stripe_subscription_id = $1`, stripeSubID)
	return scanSubscription(row)
}

func (s *PostgresStore) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = $2,
		    current_period_start = $3,
		    current_period_end = $4,
		    updated_at = $5
		WHERE id = $1`,
		sub.ID, sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (s *PostgresStore) RecordEvent(ctx context.Context, e *PaymentEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_events (id, tenant_id, kind, amount_cents, currency, received_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)`,
		e.ID, e.TenantID, e.Kind, e.AmountCents, e.Currency, e.ReceivedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("failed to record payment event: %w", err)
	}
	return nil
}

func (s *PostgresStore) HasEvent(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM payment_events WHERE id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check payment event: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, tenantID string, limit int) ([]*PaymentEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(tenant_id, ''), kind, amount_cents, currency, received_at
		FROM payment_events
		WHERE ($1 = '' OR tenant_id = $1)
		ORDER BY received_at DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*PaymentEvent
	for rows.Next() {
		var e PaymentEvent
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Kind, &e.AmountCents, &e.Currency, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func scanSubscription(row *sql.Row) (*Subscription, error) {
	var sub Subscription
	err := row.Scan(
		&sub.ID, &sub.TenantID, &sub.StripeSubscriptionID, &sub.StripeCustomerID,
		&sub.Status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	return &sub, nil
}

var _ Store = (*PostgresStore)(nil)
