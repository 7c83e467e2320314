package missionlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Missionline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	// Nonce, when set, is sent as X-Nonce on the next mutating call and then
	// cleared. Use NextNonce to supply one per request.
	nonce string
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// NextNonce sets the replay-guard nonce for the next mutating request.
func (c *Client) NextNonce(n string) *Client {
	c.nonce = n
	return c
}

// Deal is the API deal model (partial).
type Deal struct {
	ID             string `json:"id"`
	AgentID        string `json:"agent_id"`
	Title          string `json:"title"`
	RewardCents    int64  `json:"reward_cents"`
	FeePercent     int    `json:"fee_percent"`
	PaymentModel   string `json:"payment_model"`
	SlotsTotal     int    `json:"slots_total"`
	SlotsSelected  int    `json:"slots_selected"`
	SlotsRemaining int    `json:"slots_remaining"`
	Status         string `json:"status"`
}

type Application struct {
	ID         string `json:"id"`
	DealID     string `json:"deal_id"`
	OperatorID string `json:"operator_id"`
	Status     string `json:"status"`
	AppliedAt  string `json:"applied_at"`
}

type Mission struct {
	ID               string `json:"id"`
	DealID           string `json:"deal_id"`
	OperatorID       string `json:"operator_id"`
	Status           string `json:"status"`
	PayoutDeadlineAt string `json:"payout_deadline_at,omitempty"`
	PaidAt           string `json:"paid_at,omitempty"`
}

type AgentProfile struct {
	ID                string  `json:"id"`
	PaidCount         int     `json:"paid_count"`
	OverdueCount      int     `json:"overdue_count"`
	AvgPayTimeSeconds float64 `json:"avg_pay_time_seconds"`
	Suspended         bool    `json:"suspended"`
	TrustLevel        string  `json:"trust_level"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	RetryAfter string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateDeal publishes a deal for the authenticated agent.
func (c *Client) CreateDeal(ctx context.Context, title string, rewardCents int64, slots int, activate bool) (Deal, error) {
	body := map[string]any{
		"title":        title,
		"reward_cents": rewardCents,
		"slots_total":  slots,
		"activate":     activate,
	}
	var resp Deal
	err := c.do(ctx, http.MethodPost, "deals", body, &resp)
	return resp, err
}

// ListDeals returns deals, optionally filtered by status.
func (c *Client) ListDeals(ctx context.Context, status string) ([]Deal, error) {
	endpoint := "deals"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Deal
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Apply creates an application for the authenticated operator.
func (c *Client) Apply(ctx context.Context, dealID, message string) (Application, error) {
	body := map[string]any{"message": message}
	var resp Application
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("deals/%s/applications", url.PathEscape(dealID)), body, &resp)
	return resp, err
}

// Select selects an application, consuming a deal slot.
func (c *Client) Select(ctx context.Context, applicationID string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("applications/%s/select", url.PathEscape(applicationID)), nil, &resp)
	return resp, err
}

// Submit submits work for verification.
func (c *Client) Submit(ctx context.Context, missionID, workURL, content string) (Mission, error) {
	body := map[string]any{"url": workURL, "content": content}
	var resp Mission
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("missions/%s/submit", url.PathEscape(missionID)), body, &resp)
	return resp, err
}

// Approve approves a verified mission, opening the fee payment.
func (c *Client) Approve(ctx context.Context, missionID string, deadlineHours int) (Mission, error) {
	body := map[string]any{}
	if deadlineHours > 0 {
		body["deadline_hours"] = deadlineHours
	}
	var resp Mission
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("missions/%s/approve", url.PathEscape(missionID)), body, &resp)
	return resp, err
}

// UnlockAddress confirms the fee payment and unlocks the payout address.
func (c *Client) UnlockAddress(ctx context.Context, missionID, txHash, chain, token string) (Mission, error) {
	body := map[string]any{"tx_hash": txHash, "chain": chain, "token": token}
	var resp Mission
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("missions/%s/unlock", url.PathEscape(missionID)), body, &resp)
	return resp, err
}

// ConfirmPayout confirms the payout, closing the mission.
func (c *Client) ConfirmPayout(ctx context.Context, missionID, txHash, chain, token string) (Mission, error) {
	body := map[string]any{"tx_hash": txHash, "chain": chain, "token": token}
	var resp Mission
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("missions/%s/confirm", url.PathEscape(missionID)), body, &resp)
	return resp, err
}

// Agent returns an agent profile including the derived trust level.
func (c *Client) Agent(ctx context.Context, agentID string) (AgentProfile, error) {
	var resp AgentProfile
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("agents/%s", url.PathEscape(agentID)), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	if c.nonce != "" && method != http.MethodGet {
		req.Header.Set("X-Nonce", c.nonce)
		c.nonce = ""
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{
			StatusCode: resp.StatusCode,
			RetryAfter: resp.Header.Get("Retry-After"),
			Body:       string(b),
		}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
