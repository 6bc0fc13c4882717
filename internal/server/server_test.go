package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/qff/internal/config"
	"github.com/mbd888/qff/internal/firewall"
	"github.com/mbd888/qff/internal/quantum"
	"github.com/mbd888/qff/internal/rails"
	"github.com/mbd888/qff/internal/risk"
	"github.com/mbd888/qff/internal/security"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testAdminSecret = "test-admin-secret"

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	demoSeed := int64(42)
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		LogFormat:            "text",
		HistoryWindow:        500,
		InterceptProbability: 0,
		SessionTTL:           time.Hour,
		SweepInterval:        time.Minute,
		PQCBackend:           "simulated",
		AdminSecret:          testAdminSecret,
		RateLimitRPM:         6000,
		DemoSeed:             &demoSeed,
	}
}

// newTestServer creates a server over in-memory stores
func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWith(t, testConfig())
}

func newTestServerWith(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(cfg, WithDrainDelay(0))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() {
		s.rateLimiter.Stop()
		s.closeStores()
	})
	return s
}

func do(s *Server, method, path, body string, admin bool) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set(security.AdminHeader, testAdminSecret)
	}
	s.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/health", "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp.Status)
	}
	names := map[string]bool{}
	for _, c := range resp.Checks {
		names[c.Name] = true
	}
	for _, want := range []string{"ledger", "pqc"} {
		if !names[want] {
			t.Errorf("Expected %s health check, got %+v", want, resp.Checks)
		}
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	if w := do(s, "GET", "/health/live", "", false); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Server hasn't called Run() so ready is false
	if w := do(s, "GET", "/health/ready", "", false); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/metrics", "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "qff_") {
		t.Error("Expected qff metrics in exposition")
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/analyze",
		"GET:/v1/risk/assessments",
		"GET:/v1/transaction-types",
		"POST:/v1/quote",
		"POST:/v1/route",
		"POST:/v1/quantum/sessions",
		"GET:/v1/quantum/sessions/:id",
		"POST:/v1/quantum/sessions/:id/encrypt",
		"POST:/v1/quantum/sessions/:id/decrypt",
		"POST:/v1/quantum/sessions/:id/sign",
		"POST:/v1/quantum/sessions/:id/verify",
		"GET:/v1/quantum/status",
		"POST:/v1/execute",
		"GET:/v1/ledger/entries",
		"GET:/v1/ledger/entries/:id/audit",
		"POST:/v1/ledger/verify",
		"GET:/v1/security/status",
		"GET:/v1/security/alerts",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

func TestInfoEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/", "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), quantum.BackendSimulated) {
		t.Errorf("Expected backend name in info, got %s", w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header")
	}
}

// ---------------------------------------------------------------------------
// Pipeline tests
// ---------------------------------------------------------------------------

func TestAnalyzeEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "POST", "/v1/analyze",
		`{"sender":"a","receiver":"acct-clean","amount":"15000","currency":"USD","type":"BANK_TRANSFER"}`, false)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var a risk.Assessment
	if err := json.Unmarshal(w.Body.Bytes(), &a); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if a.Score > 80 || a.Recommendation == risk.RecommendBlock {
		t.Errorf("Unexpected assessment %+v", a)
	}
}

func TestExecuteThenVerifyChain(t *testing.T) {
	s := newTestServer(t)

	for i := 0; i < 3; i++ {
		w := do(s, "POST", "/v1/execute?intercept_prob=0",
			`{"receiver":"merchant-1","amount":"42.50","currency":"USD","type":"CARD_PAYMENT"}`, false)
		if w.Code != http.StatusOK {
			t.Fatalf("execute %d: got %d: %s", i, w.Code, w.Body.String())
		}
		var res firewall.Result
		if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
			t.Fatalf("Failed to parse response: %v", err)
		}
		if res.Outcome != firewall.OutcomeExecuted || res.Sequence != int64(i+1) {
			t.Fatalf("execute %d: unexpected result %+v", i, res)
		}
	}

	w := do(s, "POST", "/v1/ledger/verify", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("verify: got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"valid":true`) || !strings.Contains(w.Body.String(), `"checked":3`) {
		t.Errorf("Expected valid chain of 3, got %s", w.Body.String())
	}

	w = do(s, "GET", "/v1/ledger/entries?limit=10", "", false)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"count":3`) {
		t.Errorf("Expected 3 entries, got %d: %s", w.Code, w.Body.String())
	}
}

func TestExecuteBlockedLeavesLedgerEmpty(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "POST", "/v1/execute",
		`{"receiver":"0xdeadbeef","amount":"1","type":"CRYPTO_TRANSFER"}`, false)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"outcome":"BLOCKED"`) {
		t.Fatalf("Expected blocked outcome, got %d: %s", w.Code, w.Body.String())
	}
	n, err := s.ledger.Count(context.Background())
	if err != nil || n != 0 {
		t.Errorf("Expected empty ledger, got %d (%v)", n, err)
	}
}

func TestRailCircuitOpensAfterRepeatedFailures(t *testing.T) {
	s, err := New(testConfig(), WithDrainDelay(0),
		WithExecutor(rails.NewSimulatedExecutor(nil).WithRailDown(rails.RailCard)))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() {
		s.rateLimiter.Stop()
		s.closeStores()
	})

	card := `{"receiver":"merchant-1","amount":"10","type":"CARD_PAYMENT"}`
	for i := 0; i < railFailureThreshold; i++ {
		if w := do(s, "POST", "/v1/execute?intercept_prob=0", card, false); w.Code != http.StatusBadGateway {
			t.Fatalf("attempt %d: expected 502, got %d", i, w.Code)
		}
	}
	w := do(s, "POST", "/v1/execute?intercept_prob=0", card, false)
	if w.Code != http.StatusBadGateway || !strings.Contains(w.Body.String(), "circuit open") {
		t.Fatalf("Expected fast failure, got %d: %s", w.Code, w.Body.String())
	}

	w = do(s, "GET", "/v1/rails", "", false)
	if !strings.Contains(w.Body.String(), `"CARD":"open"`) {
		t.Errorf("Expected CARD circuit open, got %s", w.Body.String())
	}

	w = do(s, "GET", "/v1/security/alerts?limit=100", "", true)
	if !strings.Contains(w.Body.String(), "Rail circuit open") {
		t.Errorf("Expected rail alert, got %s", w.Body.String())
	}

	w = do(s, "POST", "/v1/execute?intercept_prob=0", `{"receiver":"acct-9","amount":"10","type":"UPI_PAYMENT"}`, false)
	if w.Code != http.StatusOK {
		t.Errorf("Expected other rails to keep working, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Admin guard tests
// ---------------------------------------------------------------------------

func TestAdminRoutesRequireSecret(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/v1/security/status", "/v1/security/alerts", "/v1/quantum/keys"} {
		if w := do(s, "GET", path, "", false); w.Code != http.StatusUnauthorized {
			t.Errorf("%s without secret: expected 401, got %d", path, w.Code)
		}
		if w := do(s, "GET", path, "", true); w.Code != http.StatusOK {
			t.Errorf("%s with secret: expected 200, got %d: %s", path, w.Code, w.Body.String())
		}
	}
}

func TestSecurityStatusOperational(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/v1/security/status", "", true)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"OPERATIONAL"`) {
		t.Errorf("Expected OPERATIONAL, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Storage selection tests
// ---------------------------------------------------------------------------

func TestSQLiteLedgerSurvivesRestart(t *testing.T) {
	cfg := testConfig()
	cfg.LedgerSQLitePath = filepath.Join(t.TempDir(), "ledger.db")

	first, err := New(cfg, WithDrainDelay(0))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	if w := do(first, "POST", "/v1/execute?intercept_prob=0",
		`{"receiver":"merchant-1","amount":"10","type":"UPI_PAYMENT"}`, false); w.Code != http.StatusOK {
		t.Fatalf("execute: got %d: %s", w.Code, w.Body.String())
	}
	first.rateLimiter.Stop()
	first.closeStores()

	second := newTestServerWith(t, cfg)
	n, err := second.ledger.Count(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Expected 1 persisted entry, got %d (%v)", n, err)
	}
	res, err := second.ledger.VerifyChain(context.Background(), 0)
	if err != nil || !res.Valid {
		t.Errorf("Expected valid persisted chain, got %+v (%v)", res, err)
	}
}

func TestInvalidRulesFileFailsStartup(t *testing.T) {
	cfg := testConfig()
	cfg.RulesFile = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := New(cfg); err == nil {
		t.Fatal("Expected error for missing rules file")
	}
}

func TestMaskDSN(t *testing.T) {
	tests := []struct{ in, want string }{
		{"postgres://qff:secret@db:5432/qff?sslmode=disable", "postgres://qff:xxxxx@db:5432/qff?sslmode=disable"},
		{"redis://:hunter2@cache:6379/0", "redis://:xxxxx@cache:6379/0"},
		{"redis://cache:6379/0", "redis://cache:6379/0"},
		{"postgres://qff@db/qff", "postgres://qff@db/qff"},
	}
	for _, tt := range tests {
		if got := maskDSN(tt.in); got != tt.want {
			t.Errorf("maskDSN(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	if w := do(s, "GET", "/v1/nonexistent", "", false); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle test
// ---------------------------------------------------------------------------

func TestRunStopsOnContextCancel(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !s.ready.Load() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !s.ready.Load() {
		t.Fatal("server never became ready")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if s.ready.Load() {
		t.Error("Expected not ready after shutdown")
	}
}
