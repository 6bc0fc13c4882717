package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewClient(Config{APIURL: ts.URL, AdminSecret: "admin-secret"})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func transferArgs() map[string]any {
	return map[string]any{
		"receiver": "acct-001",
		"amount":   "15000",
		"type":     "wire_transfer",
		"currency": "USD",
	}
}

// ============================================================
// Client tests
// ============================================================

func TestClient_AdminHeaderOnlyOnAdminCalls(t *testing.T) {
	var headers []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = append(headers, r.Header.Get("X-Admin-Secret"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, AdminSecret: "s3cret"})
	_, err := client.QuantumStatus(context.Background())
	require.NoError(t, err)
	_, err = client.VerifyLedger(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"", "s3cret"}, headers)
}

func TestClient_AdminCallWithoutSecret(t *testing.T) {
	var called bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	_, err := client.SecurityStatus(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QFF_ADMIN_SECRET")
	assert.False(t, called)
}

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "validation_failed",
			"message": "amount: must be a positive decimal",
		})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	_, err := client.Analyze(context.Background(), Transaction{Receiver: "r", Amount: "-1", Type: "WIRE_TRANSFER"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "amount: must be a positive decimal")
}

func TestClient_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	_, err := client.QuantumStatus(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_ConnectionRefused(t *testing.T) {
	client := NewClient(Config{APIURL: "http://127.0.0.1:1"})
	_, err := client.QuantumStatus(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_ExecuteInterceptQuery(t *testing.T) {
	var queries []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.RawQuery)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	tx := Transaction{Receiver: "r", Amount: "1", Type: "CARD_PAYMENT"}
	_, err := client.Execute(context.Background(), tx, -1)
	require.NoError(t, err)
	_, err = client.Execute(context.Background(), tx, 0.25)
	require.NoError(t, err)
	assert.Equal(t, []string{"", "intercept_prob=0.25"}, queries)
}

func TestClient_AuditTrailEscapesID(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, AdminSecret: "s"})
	_, err := client.AuditTrail(context.Background(), "led_a/b")
	require.NoError(t, err)
	assert.Equal(t, "/v1/ledger/entries/led_a%2Fb/audit", gotPath)
}

// ============================================================
// Tool handler tests
// ============================================================

func TestHandleAnalyzeTransaction(t *testing.T) {
	var body map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/analyze", r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		writeJSON(w, http.StatusOK, map[string]any{
			"score":          80,
			"riskLevel":      "MEDIUM",
			"recommendation": "PROCEED",
			"factors":        []string{"High-value transaction"},
			"narrative":      "Elevated amount; proceed with monitoring.",
		})
	}))
	defer cleanup()

	result, err := h.HandleAnalyzeTransaction(context.Background(), makeRequest(transferArgs()))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "80/100 (MEDIUM)")
	assert.Contains(t, text, "Recommendation: PROCEED")
	assert.Contains(t, text, "- High-value transaction")
	assert.Equal(t, "WIRE_TRANSFER", body["type"], "type is upper-cased")
	assert.Equal(t, "15000", body["amount"])
}

func TestHandleAnalyzeTransaction_NumericAmount(t *testing.T) {
	var body map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		writeJSON(w, http.StatusOK, map[string]any{"score": 100})
	}))
	defer cleanup()

	args := transferArgs()
	args["amount"] = 42.5
	result, err := h.HandleAnalyzeTransaction(context.Background(), makeRequest(args))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "42.5", body["amount"])
}

func TestHandleAnalyzeTransaction_MissingArgs(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	defer cleanup()

	for _, field := range []string{"receiver", "amount", "type"} {
		t.Run(field, func(t *testing.T) {
			args := transferArgs()
			delete(args, field)
			result, err := h.HandleAnalyzeTransaction(context.Background(), makeRequest(args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), field+" is required")
		})
	}
}

func TestHandleExecuteTransaction_Executed(t *testing.T) {
	var query string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query().Get("intercept_prob")
		writeJSON(w, http.StatusOK, map[string]any{
			"transactionId": "tx_abc",
			"outcome":       "EXECUTED",
			"message":       "Transaction executed over a quantum-safe session",
			"assessment":    map[string]any{"score": 95, "riskLevel": "LOW", "recommendation": "PROCEED"},
			"session":       map[string]any{"sessionId": "qss_1", "status": "ESTABLISHED", "algorithm": "ML-KEM-768"},
			"receipt":       map[string]any{"rail": "BANK", "backendReference": "bank_123", "totalFee": "5.5"},
			"ledgerEntryId": "led_1",
			"ledgerHash":    "abcd",
			"sequence":      7,
		})
	}))
	defer cleanup()

	args := transferArgs()
	args["intercept_probability"] = 0.0
	result, err := h.HandleExecuteTransaction(context.Background(), makeRequest(args))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Equal(t, "0", query)
	assert.Contains(t, text, "Transaction tx_abc: EXECUTED")
	assert.Contains(t, text, "Quantum Session qss_1: ESTABLISHED")
	assert.Contains(t, text, "Rail: BANK (ref bank_123, fee 5.5)")
	assert.Contains(t, text, "entry led_1 at sequence 7")
}

func TestHandleExecuteTransaction_Blocked(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		writeJSON(w, http.StatusOK, map[string]any{
			"transactionId": "tx_bad",
			"outcome":       "BLOCKED",
			"assessment":    map[string]any{"score": 0, "riskLevel": "CRITICAL", "recommendation": "BLOCK"},
		})
	}))
	defer cleanup()

	result, err := h.HandleExecuteTransaction(context.Background(), makeRequest(transferArgs()))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "BLOCKED")
	assert.NotContains(t, text, "Ledger:")
}

func TestHandleExecuteTransaction_BadIntercept(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	defer cleanup()

	args := transferArgs()
	args["intercept_probability"] = 1.5
	result, err := h.HandleExecuteTransaction(context.Background(), makeRequest(args))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "between 0 and 1")
}

func TestHandleExecuteTransaction_PipelineFailure(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "pipeline_failed",
			"message": "execute on rail: rail unavailable",
		})
	}))
	defer cleanup()

	result, err := h.HandleExecuteTransaction(context.Background(), makeRequest(transferArgs()))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "rail unavailable")
}

func TestHandleEstablishSession(t *testing.T) {
	var body map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/quantum/sessions", r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		writeJSON(w, http.StatusOK, map[string]any{
			"sessionId": "qss_9",
			"status":    "INTERCEPTED",
			"message":   "Eavesdropping detected; session aborted",
		})
	}))
	defer cleanup()

	result, err := h.HandleEstablishSession(context.Background(), makeRequest(map[string]any{"intercept_probability": 1.0}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "qss_9: INTERCEPTED")
	assert.Contains(t, text, "Eavesdropping detected")
	assert.Equal(t, 1.0, body["interceptProbability"])
}

func TestHandleQuantumStatus(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"backend":            "circl",
			"kemAlgorithm":       "ML-KEM-768",
			"signatureAlgorithm": "ML-DSA-65",
			"aeadAlgorithm":      "AES-256-GCM",
			"activeSessions":     3,
			"established":        10,
			"intercepted":        2,
		})
	}))
	defer cleanup()

	result, err := h.HandleQuantumStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Backend:    circl")
	assert.Contains(t, text, "Active sessions: 3")
	assert.Contains(t, text, "Established: 10, intercepted: 2")
}

func TestHandleListLedgerEntries(t *testing.T) {
	var limit string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit = r.URL.Query().Get("limit")
		writeJSON(w, http.StatusOK, map[string]any{
			"entries": []map[string]any{{
				"id":          "led_2",
				"sequence":    2,
				"riskScore":   60,
				"status":      "FLAGGED",
				"transaction": map[string]any{"type": "CRYPTO_TRANSFER", "amount": "15000", "currency": "USD", "receiver": "0xabc"},
			}},
			"count": 1,
		})
	}))
	defer cleanup()

	result, err := h.HandleListLedgerEntries(context.Background(), makeRequest(map[string]any{"limit": 5.0}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Equal(t, "5", limit)
	assert.Contains(t, text, "1 ledger entry")
	assert.Contains(t, text, "#2 led_2  CRYPTO_TRANSFER 15000 USD -> 0xabc  score 60  FLAGGED")
}

func TestHandleListLedgerEntries_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []any{}, "count": 0})
	}))
	defer cleanup()

	result, err := h.HandleListLedgerEntries(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "The ledger is empty.", resultText(t, result))
}

func TestHandleVerifyLedger_Intact(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "admin-secret", r.Header.Get("X-Admin-Secret"))
		writeJSON(w, http.StatusOK, map[string]any{"valid": true, "checked": 12, "violations": []any{}, "headHash": "ff00"})
	}))
	defer cleanup()

	result, err := h.HandleVerifyLedger(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Ledger intact: 12 entries verified.")
	assert.Contains(t, text, "Head: ff00")
}

func TestHandleVerifyLedger_Tampered(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"valid":   false,
			"checked": 5,
			"violations": []map[string]any{
				{"index": 2, "entryId": "led_3", "kind": "hash_mismatch", "detail": "stored hash does not match contents"},
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleVerifyLedger(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "LEDGER TAMPERED: 1 violation(s) in 5 entries checked.")
	assert.Contains(t, text, "[2] led_3 hash_mismatch")
}

func TestHandleGetAuditTrail(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"entry":         map[string]any{"id": "led_2", "sequence": 2, "hash": "aa"},
			"previousHash":  "bb",
			"predecessorId": "led_1",
			"computedHash":  "cc",
			"hashValid":     false,
			"linkValid":     true,
		})
	}))
	defer cleanup()

	result, err := h.HandleGetAuditTrail(context.Background(), makeRequest(map[string]any{"entry_id": "led_2"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Audit Trail for led_2 (sequence 2)")
	assert.Contains(t, text, "Computed hash: cc (MISMATCH)")
	assert.Contains(t, text, "Previous hash: bb from led_1 (OK)")
}

func TestHandleGetAuditTrail_NotFound(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "entry_not_found", "message": "No ledger entry with that id"})
	}))
	defer cleanup()

	result, err := h.HandleGetAuditTrail(context.Background(), makeRequest(map[string]any{"entry_id": "led_x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "No ledger entry with that id")

	result, err = h.HandleGetAuditTrail(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleSecurityStatus(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "DEGRADED", "ledgerLength": 4})
	}))
	defer cleanup()

	result, err := h.HandleSecurityStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Firewall status: DEGRADED")
	assert.Contains(t, text, `"ledgerLength": 4`)
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"})
	require.NotNil(t, s)

	names := []string{}
	for _, tool := range []mcp.Tool{
		ToolAnalyzeTransaction, ToolExecuteTransaction, ToolEstablishSession, ToolQuantumStatus,
		ToolListLedgerEntries, ToolVerifyLedger, ToolGetAuditTrail, ToolSecurityStatus,
	} {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{
		"analyze_transaction", "execute_transaction", "establish_session", "quantum_status",
		"list_ledger_entries", "verify_ledger", "get_audit_trail", "security_status",
	}, names)
	assert.Contains(t, ToolExecuteTransaction.InputSchema.Required, "receiver")
	assert.Contains(t, ToolExecuteTransaction.InputSchema.Properties, "intercept_probability")
}

func TestHandlers_NeverReturnGoError(t *testing.T) {
	h := NewHandlers(NewClient(Config{APIURL: "http://127.0.0.1:1", AdminSecret: "s"}))
	ctx := context.Background()
	tx := makeRequest(transferArgs())
	id := makeRequest(map[string]any{"entry_id": "led_1"})

	tests := map[string]func() (*mcp.CallToolResult, error){
		"analyze":   func() (*mcp.CallToolResult, error) { return h.HandleAnalyzeTransaction(ctx, tx) },
		"execute":   func() (*mcp.CallToolResult, error) { return h.HandleExecuteTransaction(ctx, tx) },
		"establish": func() (*mcp.CallToolResult, error) { return h.HandleEstablishSession(ctx, makeRequest(nil)) },
		"status":    func() (*mcp.CallToolResult, error) { return h.HandleQuantumStatus(ctx, makeRequest(nil)) },
		"entries":   func() (*mcp.CallToolResult, error) { return h.HandleListLedgerEntries(ctx, makeRequest(nil)) },
		"verify":    func() (*mcp.CallToolResult, error) { return h.HandleVerifyLedger(ctx, makeRequest(nil)) },
		"audit":     func() (*mcp.CallToolResult, error) { return h.HandleGetAuditTrail(ctx, id) },
		"security":  func() (*mcp.CallToolResult, error) { return h.HandleSecurityStatus(ctx, makeRequest(nil)) },
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			result, err := fn()
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}
