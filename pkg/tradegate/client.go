// Package tradegate is a Go SDK for the tradegate-server REST API.
package tradegate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tradegate/internal/domain"
)

// Client provides a Go SDK for interacting with the tradegate-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new tradegate API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int                    `json:"-"`
	Message    string                 `json:"error"`
	Code       string                 `json:"code"`
	Assessment *domain.RiskAssessment `json:"assessment,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tradegate: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// SubmitResult is the response to a signal submission.
type SubmitResult struct {
	OrderID       string                 `json:"orderId,omitempty"`
	InitialStatus domain.OrderStatus     `json:"initialStatus,omitempty"`
	Assessment    *domain.RiskAssessment `json:"assessment"`
}

// AuditEntry is one ledger record with its payload left as raw JSON.
type AuditEntry struct {
	Sequence    uint64          `json:"sequence"`
	EntityType  string          `json:"entityType"`
	EntityID    string          `json:"entityId"`
	Action      string          `json:"action"`
	ActorID     string          `json:"actorId"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload"`
	PrevHash    string          `json:"prevHash"`
	ContentHash string          `json:"contentHash"`
}

// AuditQuery selects audit entries. Zero fields are omitted.
type AuditQuery struct {
	EntityType string
	EntityID   string
	Action     string
	ActorID    string
	FromSeq    uint64
	ToSeq      uint64
	Limit      int
}

// Verification is the result of re-walking the audit chain.
type Verification struct {
	Valid   bool   `json:"valid"`
	Entries int    `json:"entries"`
	Head    string `json:"head,omitempty"`
	Error   string `json:"error,omitempty"`
}

// VenueHealth is the last probe result for one venue.
type VenueHealth struct {
	Venue     string        `json:"venue"`
	Status    string        `json:"status"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checkedAt"`
	Error     string        `json:"error,omitempty"`
}

// SubmitSignal sends a trade signal through the risk firewall. A BLOCK
// verdict is returned as an *APIError carrying the assessment.
func (c *Client) SubmitSignal(ctx context.Context, sig domain.TradeSignal) (*SubmitResult, error) {
	var res SubmitResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/signals", nil, sig, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SimulateSignal is SubmitSignal forced onto the paper simulator.
func (c *Client) SimulateSignal(ctx context.Context, sig domain.TradeSignal) (*SubmitResult, error) {
	var res SubmitResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/signals/simulate", nil, sig, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetOrder returns the current state of an order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var o domain.Order
	if err := c.do(ctx, http.MethodGet, "/api/v1/orders/"+url.PathEscape(orderID), nil, nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// CancelOrder requests cancellation and returns the order as it stands
// afterwards.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var o domain.Order
	if err := c.do(ctx, http.MethodPost, "/api/v1/orders/"+url.PathEscape(orderID)+"/cancel", nil, nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// Outcomes lists terminal orders, newest first.
func (c *Client) Outcomes(ctx context.Context, userID, symbol string, since time.Time, limit int) ([]domain.Outcome, error) {
	q := url.Values{}
	setNonEmpty(q, "user", userID)
	setNonEmpty(q, "symbol", symbol)
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []domain.Outcome
	if err := c.do(ctx, http.MethodGet, "/api/v1/outcomes", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Policies returns the active policies, or the newest version of every
// policy when all is set.
func (c *Client) Policies(ctx context.Context, all bool) ([]domain.Policy, error) {
	q := url.Values{}
	if all {
		q.Set("all", "true")
	}
	var out []domain.Policy
	if err := c.do(ctx, http.MethodGet, "/api/v1/policies", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PolicyVersions returns every version of a policy, oldest first.
func (c *Client) PolicyVersions(ctx context.Context, policyID string) ([]domain.Policy, error) {
	var out []domain.Policy
	if err := c.do(ctx, http.MethodGet, "/api/v1/policies/"+url.PathEscape(policyID)+"/versions", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RollbackPolicy republishes an earlier version as the newest one.
func (c *Client) RollbackPolicy(ctx context.Context, policyID string, version int64, actorID string) (*domain.Policy, error) {
	body := map[string]any{"version": version, "actorId": actorID}
	var p domain.Policy
	if err := c.do(ctx, http.MethodPost, "/api/v1/policies/"+url.PathEscape(policyID)+"/rollback", nil, body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Audit returns ledger entries matching q in sequence order.
func (c *Client) Audit(ctx context.Context, aq AuditQuery) ([]AuditEntry, error) {
	q := url.Values{}
	setNonEmpty(q, "entity_type", aq.EntityType)
	setNonEmpty(q, "entity_id", aq.EntityID)
	setNonEmpty(q, "action", aq.Action)
	setNonEmpty(q, "actor", aq.ActorID)
	if aq.FromSeq > 0 {
		q.Set("from_seq", strconv.FormatUint(aq.FromSeq, 10))
	}
	if aq.ToSeq > 0 {
		q.Set("to_seq", strconv.FormatUint(aq.ToSeq, 10))
	}
	if aq.Limit > 0 {
		q.Set("limit", strconv.Itoa(aq.Limit))
	}
	var out []AuditEntry
	if err := c.do(ctx, http.MethodGet, "/api/v1/audit", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// VerifyAudit asks the server to re-walk the hash chain. A broken chain is
// reported in the result, not as an error.
func (c *Client) VerifyAudit(ctx context.Context) (*Verification, error) {
	var v Verification
	err := c.do(ctx, http.MethodGet, "/api/v1/audit/verify", nil, nil, &v)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusInternalServerError {
		return &Verification{Error: apiErr.Message}, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// BrokerHealth returns the latest probe result for every venue.
func (c *Client) BrokerHealth(ctx context.Context) ([]VenueHealth, error) {
	var out []VenueHealth
	if err := c.do(ctx, http.MethodGet, "/api/v1/brokers/health", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func setNonEmpty(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
