package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleAnalyzeTransaction scores a transaction.
func (h *Handlers) HandleAnalyzeTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tx, errResult := transactionArgs(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.Analyze(ctx, tx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Analysis failed: %v", err)), nil
	}

	text, err := formatAssessment(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse assessment: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleExecuteTransaction runs a transaction through the full pipeline.
func (h *Handlers) HandleExecuteTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tx, errResult := transactionArgs(req)
	if errResult != nil {
		return errResult, nil
	}
	p, errResult := interceptArg(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.Execute(ctx, tx, p)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Execution failed: %v", err)), nil
	}

	text, err := formatResult(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse result: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleEstablishSession negotiates a standalone session.
func (h *Handlers) HandleEstablishSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, errResult := interceptArg(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.EstablishSession(ctx, p)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Session negotiation failed: %v", err)), nil
	}

	var s map[string]any
	if err := json.Unmarshal(raw, &s); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session: %v", err)), nil
	}
	return mcp.NewToolResultText(formatSession(s)), nil
}

// HandleQuantumStatus reports the session manager summary.
func (h *Handlers) HandleQuantumStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.QuantumStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get quantum status: %v", err)), nil
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse status: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Quantum Layer:\n")
	sb.WriteString(fmt.Sprintf("  Backend:    %s\n", getString(m, "backend")))
	sb.WriteString(fmt.Sprintf("  KEM:        %s\n", getString(m, "kemAlgorithm")))
	sb.WriteString(fmt.Sprintf("  Signatures: %s\n", getString(m, "signatureAlgorithm")))
	sb.WriteString(fmt.Sprintf("  AEAD:       %s\n", getString(m, "aeadAlgorithm")))
	if v, ok := getFloat(m, "activeSessions"); ok {
		sb.WriteString(fmt.Sprintf("  Active sessions: %.0f\n", v))
	}
	est, _ := getFloat(m, "established")
	icp, _ := getFloat(m, "intercepted")
	sb.WriteString(fmt.Sprintf("  Established: %.0f, intercepted: %.0f\n", est, icp))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListLedgerEntries lists recent ledger entries.
func (h *Handlers) HandleListLedgerEntries(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 10)

	raw, err := h.client.RecentEntries(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list entries: %v", err)), nil
	}

	text, err := formatEntryList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse entries: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleVerifyLedger checks the chain for tampering.
func (h *Handlers) HandleVerifyLedger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.VerifyLedger(ctx, req.GetInt("limit", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Verification failed: %v", err)), nil
	}

	text, err := formatVerify(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse verification: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetAuditTrail shows one entry with its integrity checks.
func (h *Handlers) HandleGetAuditTrail(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("entry_id", "")
	if id == "" {
		return mcp.NewToolResultError("entry_id is required"), nil
	}

	raw, err := h.client.AuditTrail(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get audit trail: %v", err)), nil
	}

	text, err := formatAuditTrail(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse audit trail: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleSecurityStatus returns the security dashboard as indented JSON.
func (h *Handlers) HandleSecurityStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.SecurityStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get security status: %v", err)), nil
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse status: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Firewall status: %s\n\n%s", getString(m, "status"), formatJSON(raw))), nil
}

// --- Argument helpers ---

func transactionArgs(req mcp.CallToolRequest) (Transaction, *mcp.CallToolResult) {
	tx := Transaction{
		Receiver: req.GetString("receiver", ""),
		Amount:   req.GetString("amount", ""),
		Type:     strings.ToUpper(req.GetString("type", "")),
		Currency: req.GetString("currency", ""),
		Sender:   req.GetString("sender", ""),
	}
	// Models sometimes send the amount as a number.
	if tx.Amount == "" {
		if f, ok := getFloat(req.GetArguments(), "amount"); ok {
			tx.Amount = fmt.Sprintf("%g", f)
		}
	}
	switch {
	case tx.Receiver == "":
		return tx, mcp.NewToolResultError("receiver is required")
	case tx.Amount == "":
		return tx, mcp.NewToolResultError("amount is required")
	case tx.Type == "":
		return tx, mcp.NewToolResultError("type is required")
	}
	return tx, nil
}

// interceptArg returns -1 when the argument is absent.
func interceptArg(req mcp.CallToolRequest) (float64, *mcp.CallToolResult) {
	p, ok := getFloat(req.GetArguments(), "intercept_probability")
	if !ok {
		return -1, nil
	}
	if p < 0 || p > 1 {
		return 0, mcp.NewToolResultError("intercept_probability must be between 0 and 1")
	}
	return p, nil
}

// --- Formatting helpers ---

func formatAssessment(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}
	return writeAssessment(&strings.Builder{}, m), nil
}

func writeAssessment(sb *strings.Builder, m map[string]any) string {
	score, _ := getFloat(m, "score")
	sb.WriteString(fmt.Sprintf("Risk Assessment: %.0f/100 (%s)\n", score, getString(m, "riskLevel")))
	sb.WriteString(fmt.Sprintf("  Recommendation: %s\n", getString(m, "recommendation")))
	if factors, ok := m["factors"].([]any); ok && len(factors) > 0 {
		sb.WriteString("  Factors:\n")
		for _, f := range factors {
			sb.WriteString(fmt.Sprintf("    - %v\n", f))
		}
	}
	if v := getString(m, "narrative"); v != "" {
		sb.WriteString(fmt.Sprintf("  %s\n", v))
	}
	return sb.String()
}

func formatResult(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Transaction %s: %s\n", getString(m, "transactionId"), getString(m, "outcome")))
	if v := getString(m, "message"); v != "" {
		sb.WriteString(fmt.Sprintf("  %s\n", v))
	}
	sb.WriteString("\n")
	if a, ok := m["assessment"].(map[string]any); ok {
		writeAssessment(&sb, a)
	}
	if s, ok := m["session"].(map[string]any); ok {
		sb.WriteString("\n")
		sb.WriteString(formatSession(s))
	}
	if r, ok := m["receipt"].(map[string]any); ok {
		sb.WriteString(fmt.Sprintf("\nRail: %s (ref %s, fee %s)\n", getString(r, "rail"), getString(r, "backendReference"), getString(r, "totalFee")))
	}
	if id := getString(m, "ledgerEntryId"); id != "" {
		seq, _ := getFloat(m, "sequence")
		sb.WriteString(fmt.Sprintf("Ledger: entry %s at sequence %.0f\n", id, seq))
		sb.WriteString(fmt.Sprintf("  Hash: %s\n", getString(m, "ledgerHash")))
	}
	return sb.String(), nil
}

func formatSession(s map[string]any) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Quantum Session %s: %s\n", getString(s, "sessionId"), getString(s, "status")))
	if v := getString(s, "algorithm"); v != "" {
		sb.WriteString(fmt.Sprintf("  Algorithm: %s\n", v))
	}
	if v := getString(s, "expiresAt"); v != "" {
		sb.WriteString(fmt.Sprintf("  Expires:   %s\n", v))
	}
	if v := getString(s, "message"); v != "" {
		sb.WriteString(fmt.Sprintf("  %s\n", v))
	}
	return sb.String()
}

func formatEntryList(raw json.RawMessage) (string, error) {
	var resp struct {
		Entries []map[string]any `json:"entries"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Entries) == 0 {
		return "The ledger is empty.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d ledger entr%s (newest first):\n\n", len(resp.Entries), plural(len(resp.Entries), "y", "ies")))
	for _, e := range resp.Entries {
		seq, _ := getFloat(e, "sequence")
		score, _ := getFloat(e, "riskScore")
		tx, _ := e["transaction"].(map[string]any)
		sb.WriteString(fmt.Sprintf("#%.0f %s  %s %s %s -> %s  score %.0f  %s\n",
			seq, getString(e, "id"),
			getString(tx, "type"), getString(tx, "amount"), getString(tx, "currency"), getString(tx, "receiver"),
			score, getString(e, "status")))
	}
	return sb.String(), nil
}

func formatVerify(raw json.RawMessage) (string, error) {
	var res struct {
		Valid      bool   `json:"valid"`
		Checked    int    `json:"checked"`
		HeadHash   string `json:"headHash"`
		Violations []struct {
			Index   int    `json:"index"`
			EntryID string `json:"entryId"`
			Kind    string `json:"kind"`
			Detail  string `json:"detail"`
		} `json:"violations"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", err
	}

	var sb strings.Builder
	if res.Valid {
		sb.WriteString(fmt.Sprintf("Ledger intact: %d entr%s verified.\n", res.Checked, plural(res.Checked, "y", "ies")))
		if res.HeadHash != "" {
			sb.WriteString(fmt.Sprintf("  Head: %s\n", res.HeadHash))
		}
		return sb.String(), nil
	}
	sb.WriteString(fmt.Sprintf("LEDGER TAMPERED: %d violation(s) in %d entries checked.\n", len(res.Violations), res.Checked))
	for _, v := range res.Violations {
		sb.WriteString(fmt.Sprintf("  [%d] %s %s: %s\n", v.Index, v.EntryID, v.Kind, v.Detail))
	}
	return sb.String(), nil
}

func formatAuditTrail(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}
	entry, _ := m["entry"].(map[string]any)
	hashOK, _ := m["hashValid"].(bool)
	linkOK, _ := m["linkValid"].(bool)

	var sb strings.Builder
	seq, _ := getFloat(entry, "sequence")
	sb.WriteString(fmt.Sprintf("Audit Trail for %s (sequence %.0f):\n", getString(entry, "id"), seq))
	sb.WriteString(fmt.Sprintf("  Stored hash:   %s\n", getString(entry, "hash")))
	sb.WriteString(fmt.Sprintf("  Computed hash: %s (%s)\n", getString(m, "computedHash"), okWord(hashOK)))
	prev := getString(m, "previousHash")
	if pid := getString(m, "predecessorId"); pid != "" {
		prev += " from " + pid
	}
	sb.WriteString(fmt.Sprintf("  Previous hash: %s (%s)\n", prev, okWord(linkOK)))
	sb.WriteString("\nEntry:\n")
	if data, err := json.Marshal(entry); err == nil {
		sb.WriteString(formatJSON(data))
	}
	return sb.String(), nil
}

func okWord(ok bool) string {
	if ok {
		return "OK"
	}
	return "MISMATCH"
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
