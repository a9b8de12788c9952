package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchplatform/perch/internal/testutil"
)

func TestPostgresSubscriptionRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	now := time.Now().UTC().Truncate(time.Second)
	sub := &Subscription{
		ID:                   "sub_pg_1",
		TenantID:             "ten_pg_1",
		StripeSubscriptionID: "sub_gw_pg_1",
		StripeCustomerID:     "cus_pg_1",
		Status:               SubActive,
		CurrentPeriodStart:   now,
		CurrentPeriodEnd:     now.AddDate(0, 1, 0),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	require.NoError(t, store.CreateSubscription(ctx, sub))

	got, err := store.GetSubscriptionByTenant(ctx, "ten_pg_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_gw_pg_1", got.StripeSubscriptionID)
	assert.Equal(t, SubActive, got.Status)

	got.Status = SubCancelled
	got.UpdatedAt = time.Now().UTC()
	require.NoError(t, store.UpdateSubscription(ctx, got))

	// Cancelled subscriptions no longer resolve by tenant.
	_, err = store.GetSubscriptionByTenant(ctx, "ten_pg_1")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)

	byStripe, err := store.GetSubscriptionByStripeID(ctx, "sub_gw_pg_1")
	require.NoError(t, err)
	assert.Equal(t, SubCancelled, byStripe.Status)
}

func TestPostgresEventDedup(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	ev := &PaymentEvent{
		ID:          "evt_pg_1",
		TenantID:    "ten_pg_1",
		Kind:        KindInvoicePaid,
		AmountCents: 2900,
		Currency:    "usd",
		ReceivedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.RecordEvent(ctx, ev))
	assert.ErrorIs(t, store.RecordEvent(ctx, ev), ErrDuplicateEvent)

	seen, err := store.HasEvent(ctx, "evt_pg_1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = store.HasEvent(ctx, "evt_pg_missing")
	require.NoError(t, err)
	assert.False(t, seen)

	// Events without a tenant are allowed (unmatched deliveries kept for audit).
	require.NoError(t, store.RecordEvent(ctx, &PaymentEvent{
		ID: "evt_pg_2", Kind: KindChargeFailed, ReceivedAt: time.Now().UTC(),
	}))

	events, err := store.ListEvents(ctx, "ten_pg_1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt_pg_1", events[0].ID)
}
