package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/qff/internal/security"
)

// Config holds the configuration for connecting to a firewall node.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	AdminSecret string // Optional; unlocks ledger audit and security tools
}

// Transaction is the payload the tools submit for analysis or execution.
type Transaction struct {
	Sender   string `json:"sender,omitempty"`
	Receiver string `json:"receiver"`
	Amount   string `json:"amount"`
	Currency string `json:"currency,omitempty"`
	Type     string `json:"type"`
}

// Client is a plain HTTP client for the firewall API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for a firewall node.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the node.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any, admin bool) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		if c.cfg.AdminSecret == "" {
			return nil, fmt.Errorf("this tool needs QFF_ADMIN_SECRET to be set")
		}
		req.Header.Set(security.AdminHeader, c.cfg.AdminSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// Analyze scores a transaction without executing it.
func (c *Client) Analyze(ctx context.Context, tx Transaction) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/analyze", nil, tx, false)
}

// Execute runs a transaction through the full pipeline. interceptProb < 0
// leaves the node default in place.
func (c *Client) Execute(ctx context.Context, tx Transaction, interceptProb float64) (json.RawMessage, error) {
	var q url.Values
	if interceptProb >= 0 {
		q = url.Values{}
		q.Set("intercept_prob", strconv.FormatFloat(interceptProb, 'f', -1, 64))
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/execute", q, tx, false)
}

// EstablishSession negotiates a standalone quantum-safe session.
func (c *Client) EstablishSession(ctx context.Context, interceptProb float64) (json.RawMessage, error) {
	body := map[string]any{}
	if interceptProb >= 0 {
		body["interceptProbability"] = interceptProb
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/quantum/sessions", nil, body, false)
}

// QuantumStatus returns the session manager summary.
func (c *Client) QuantumStatus(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/quantum/status", nil, nil, false)
}

// RecentEntries lists the newest ledger entries.
func (c *Client) RecentEntries(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/ledger/entries", q, nil, false)
}

// VerifyLedger walks the chain and reports any integrity violations.
func (c *Client) VerifyLedger(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/ledger/verify", q, nil, true)
}

// AuditTrail returns one entry with its recomputed digest and link check.
func (c *Client) AuditTrail(ctx context.Context, entryID string) (json.RawMessage, error) {
	path := "/v1/ledger/entries/" + url.PathEscape(entryID) + "/audit"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil, true)
}

// SecurityStatus returns the aggregated security dashboard.
func (c *Client) SecurityStatus(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/security/status", nil, nil, true)
}
