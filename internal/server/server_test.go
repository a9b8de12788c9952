package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/perchplatform/perch/internal/config"
	"github.com/perchplatform/perch/internal/fleet"
	"github.com/perchplatform/perch/internal/routing"
	"github.com/perchplatform/perch/internal/supervisor"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeSupervisor implements supervisor.Client for testing.
type fakeSupervisor struct{}

func (fakeSupervisor) Start(context.Context, supervisor.StartSpec) error { return nil }
func (fakeSupervisor) Stop(context.Context, string, string) error       { return nil }
func (fakeSupervisor) Restart(context.Context, string, string) error    { return nil }
func (fakeSupervisor) TailLogs(context.Context, string, string, int) (string, error) {
	return "ready\n", nil
}

// fakeDBAdmin implements fleet.DBAdmin for testing.
type fakeDBAdmin struct{}

func (fakeDBAdmin) CreateDatabase(context.Context, *fleet.Server, string) error { return nil }
func (fakeDBAdmin) DropDatabase(context.Context, *fleet.Server, string) error   { return nil }
func (fakeDBAdmin) ApplySchema(context.Context, *fleet.Server, string) error    { return nil }
func (fakeDBAdmin) SeedAdminUser(context.Context, *fleet.Server, string, string, string) (bool, error) {
	return true, nil
}

// fakeRouter implements routing.Client for testing.
type fakeRouter struct{}

func (fakeRouter) Attach(context.Context, routing.AttachRequest) (*routing.AttachResult, error) {
	return &routing.AttachResult{}, nil
}
func (fakeRouter) Detach(context.Context, string, string) error { return nil }

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:         "0",
		Env:          "development",
		LogLevel:     "error",
		BaseDomain:   "perch.test",
		TrialDays:    14,
		RateLimitRPS: 1000,
	}
}

// newTestServer creates a server with fake external-system clients
func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(cfg,
		WithSupervisor(fakeSupervisor{}),
		WithRouting(fakeRouter{}),
		WithDBAdmin(fakeDBAdmin{}),
	)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestTenantRoutesRegistered(t *testing.T) {
	s := newTestServer(t, testConfig())

	routes := s.router.Routes()
	expected := map[string]bool{
		"POST:/v1/tenants":                 false,
		"GET:/v1/tenants":                  false,
		"GET:/v1/tenants/:id":              false,
		"PATCH:/v1/tenants/:id":            false,
		"DELETE:/v1/tenants/:id":           false,
		"POST:/v1/tenants/:id/provision":   false,
		"POST:/v1/tenants/:id/start":       false,
		"POST:/v1/tenants/:id/stop":        false,
		"POST:/v1/tenants/:id/restart":     false,
		"GET:/v1/tenants/:id/logs":         false,
		"POST:/v1/tenants/:id/domain":      false,
		"POST:/v1/tenants/:id/end-trial":   false,
		"GET:/v1/tenants/:id/payments":     false,
		"GET:/v1/events/ws":                false,
		"POST:/v1/admin/servers":           false,
		"POST:/v1/admin/tenants/:id/purge": false,
	}

	for _, route := range routes {
		key := route.Method + ":" + route.Path
		if _, ok := expected[key]; ok {
			expected[key] = true
		}
	}

	for route, found := range expected {
		if !found {
			t.Errorf("Route %s not registered", route)
		}
	}
}

func TestBillingRoutesDisabledWithoutGateway(t *testing.T) {
	s := newTestServer(t, testConfig())

	for _, route := range s.router.Routes() {
		if route.Path == "/v1/billing/webhook" {
			t.Error("Webhook route should not be registered without a gateway")
		}
	}
}

func TestBillingRoutesRegisteredWithGateway(t *testing.T) {
	cfg := testConfig()
	cfg.StripeSecretKey = "sk_test_123"
	cfg.StripeWebhookSecret = "whsec_123"
	s := newTestServer(t, cfg)

	found := false
	for _, route := range s.router.Routes() {
		if route.Method == "POST" && route.Path == "/v1/billing/webhook" {
			found = true
		}
	}
	if !found {
		t.Error("Webhook route not registered with a gateway configured")
	}
}

// ---------------------------------------------------------------------------
// Admin secret tests
// ---------------------------------------------------------------------------

func TestAdminRoutesRequireSecret(t *testing.T) {
	cfg := testConfig()
	cfg.AdminSecret = "s3cret"
	s := newTestServer(t, cfg)

	body := `{"name":"host-1","address":"10.0.0.1","agentUrl":"http://10.0.0.1:9000"}`

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/admin/servers", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without secret, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/admin/servers", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Secret", "wrong")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong secret, got %d", w.Code)
	}
}

func TestAdminRoutesOpenInDevelopment(t *testing.T) {
	// No admin secret configured: development leaves operator routes open.
	s := newTestServer(t, testConfig())

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/admin/servers", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 without secret in development, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Signup through the wired stack
// ---------------------------------------------------------------------------

func TestSignupAgainstWiredServer(t *testing.T) {
	cfg := testConfig()
	cfg.AdminSecret = "s3cret"
	s := newTestServer(t, cfg)

	serverBody := `{
		"name": "host-1",
		"address": "10.0.0.1",
		"agentUrl": "http://10.0.0.1:9000",
		"dbHost": "10.0.0.1",
		"dbUser": "postgres",
		"dbPassword": "pw"
	}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/admin/servers", strings.NewReader(serverBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Secret", "s3cret")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 registering server, got %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/admin/ports", strings.NewReader(`{"from":9100,"to":9110}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Secret", "s3cret")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 seeding ports, got %d: %s", w.Code, w.Body.String())
	}

	tenantBody := `{"name":"Acme Corp","slug":"acme","email":"owner@acme.com"}`
	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/tenants", strings.NewReader(tenantBody))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202 creating tenant, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Tenant struct {
			ID           string `json:"id"`
			Slug         string `json:"slug"`
			AssignedPort int    `json:"assignedPort"`
		} `json:"tenant"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Tenant.Slug != "acme" {
		t.Errorf("Expected slug acme, got %q", resp.Tenant.Slug)
	}
	if resp.Tenant.AssignedPort < 9100 || resp.Tenant.AssignedPort > 9110 {
		t.Errorf("Expected port in range, got %d", resp.Tenant.AssignedPort)
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
