package billing

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchplatform/perch/internal/tenant"
)

const testWebhookSecret = "whsec_test"

// signPayload builds a Stripe-Signature header the verifier accepts.
func signPayload(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func newWebhookRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := newFixture(t)
	h := NewHandler(f.reconciler, testWebhookSecret, slog.Default())

	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	return r, f
}

func postWebhook(r *gin.Engine, payload []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/v1/billing/webhook", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookValidSignature(t *testing.T) {
	r, f := newWebhookRouter(t)

	payload := []byte(`{
		"id": "evt_wh1",
		"api_version": "2025-02-24.acacia",
		"type": "checkout.session.completed",
		"data": {"object": {"customer": "cus_1", "client_reference_id": "ten_1", "subscription": "sub_gw1"}}
	}`)

	w := postWebhook(r, payload, signPayload(payload, testWebhookSecret))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	ten, err := f.tenants.Get(context.Background(), "ten_1")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusActive, ten.CommercialStatus)
}

func TestWebhookPinnedAPIVersionAccepted(t *testing.T) {
	r, f := newWebhookRouter(t)

	// Deliveries from an endpoint pinned to another API version still carry a
	// valid signature and must be applied, not bounced as invalid_signature.
	payload := []byte(`{
		"id": "evt_wh_pinned",
		"api_version": "2023-10-16",
		"type": "checkout.session.completed",
		"data": {"object": {"customer": "cus_1", "client_reference_id": "ten_1", "subscription": "sub_gw_pinned"}}
	}`)

	w := postWebhook(r, payload, signPayload(payload, testWebhookSecret))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	ten, err := f.tenants.Get(context.Background(), "ten_1")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusActive, ten.CommercialStatus)
}

func TestWebhookInvalidSignatureRejected(t *testing.T) {
	r, f := newWebhookRouter(t)

	payload := []byte(`{
		"id": "evt_wh2",
		"type": "customer.subscription.deleted",
		"data": {"object": {"id": "sub_gw1", "customer": "cus_1"}}
	}`)

	w := postWebhook(r, payload, signPayload(payload, "whsec_wrong"))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_signature")

	// No side effects.
	ten, err := f.tenants.Get(context.Background(), "ten_1")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusTrial, ten.CommercialStatus)
	seen, err := f.store.HasEvent(context.Background(), "evt_wh2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestWebhookMissingSignatureRejected(t *testing.T) {
	r, _ := newWebhookRouter(t)

	w := postWebhook(r, []byte(`{"id":"evt_wh3"}`), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookStaleSignatureRejected(t *testing.T) {
	r, _ := newWebhookRouter(t)

	payload := []byte(`{"id":"evt_wh4","type":"invoice.paid","data":{"object":{}}}`)
	ts := time.Now().Add(-time.Hour).Unix()
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	sig := fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))

	w := postWebhook(r, payload, sig)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
