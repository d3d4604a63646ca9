package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when the server has no such order or wallet.
var ErrNotFound = errors.New("not found")

// Order is a rotation order as reported by the server.
type Order struct {
	ID         string          `json:"id"`
	Mint       string          `json:"mint"`
	OrderSize  decimal.Decimal `json:"order_size"`
	Status     string          `json:"status"` // pending, running, stopped, halted, completed
	WorkflowID *string         `json:"workflow_id,omitempty"`
	RingSize   int             `json:"ring_size"`
	Members    []string        `json:"members,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Step is one recorded hop of a rotation.
type Step struct {
	StepID           string          `json:"step_id"`
	OrderID          string          `json:"order_id"`
	Index            int             `json:"index"`
	From             string          `json:"from"`
	To               string          `json:"to"`
	RelativeNative   decimal.Decimal `json:"relative_native"`
	Action           string          `json:"action"`
	TradeAmount      uint64          `json:"trade_amount"`
	TradeSignature   string          `json:"trade_signature,omitempty"`
	TradeError       string          `json:"trade_error,omitempty"`
	ForwardSignature string          `json:"forward_signature,omitempty"`
	ForwardLamports  uint64          `json:"forward_lamports"`
	ForwardTokens    uint64          `json:"forward_tokens"`
	ForwardProbable  bool            `json:"forward_probable"`
	Status           string          `json:"status"` // completed, failed, halted
	Error            string          `json:"error,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	FinishedAt       time.Time       `json:"finished_at"`
}

// Balance is a wallet's SOL and token holdings.
type Balance struct {
	Owner          string          `json:"owner"`
	Mint           string          `json:"mint"`
	TokenAccount   string          `json:"token_account"`
	Lamports       uint64          `json:"lamports"`
	TokenAmount    uint64          `json:"token_amount"`
	Decimals       uint8           `json:"decimals"`
	NativeUI       decimal.Decimal `json:"native_ui"`
	TokenUI        decimal.Decimal `json:"token_ui"`
	RelativeNative decimal.Decimal `json:"relative_native"`
	RelativeToken  decimal.Decimal `json:"relative_token"`
}

// StartOptions tune a rotation started through the server.
type StartOptions struct {
	Start    int  `json:"start"`
	MaxSteps *int `json:"max_steps,omitempty"` // nil uses the server default
	Force    bool `json:"force"`               // restart a halted order
}

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// Is matches ErrNotFound for 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Client is the HTTP client for the orbitt service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new orbitt service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Health reports whether the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, http.StatusOK, nil)
}

// GetOrder retrieves an order with its ring addresses.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	if err := c.do(ctx, http.MethodGet, "/api/v1/orders/"+url.PathEscape(orderID), nil, http.StatusOK, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrders retrieves orders, optionally filtered by status.
func (c *Client) ListOrders(ctx context.Context, status string) ([]*Order, error) {
	path := "/api/v1/orders"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Orders []*Order `json:"orders"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	c.logger.Debug("orders listed", "count", len(resp.Orders))
	return resp.Orders, nil
}

// ListSteps retrieves an order's most recent steps, newest first. A limit of
// zero uses the server default.
func (c *Client) ListSteps(ctx context.Context, orderID string, limit int) ([]*Step, error) {
	path := fmt.Sprintf("/api/v1/orders/%s/steps", url.PathEscape(orderID))
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Steps []*Step `json:"steps"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Steps, nil
}

// GetBalance reads a wallet's holdings of SOL and mint.
func (c *Client) GetBalance(ctx context.Context, address, mint string) (*Balance, error) {
	path := fmt.Sprintf("/api/v1/balances/%s?mint=%s", url.PathEscape(address), url.QueryEscape(mint))
	var balance Balance
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &balance); err != nil {
		return nil, err
	}
	return &balance, nil
}

// StartRotation starts rotating an order.
func (c *Client) StartRotation(ctx context.Context, orderID string, opts StartOptions) (*Order, error) {
	var order Order
	path := fmt.Sprintf("/api/v1/orders/%s/rotation", url.PathEscape(orderID))
	if err := c.do(ctx, http.MethodPost, path, opts, http.StatusAccepted, &order); err != nil {
		return nil, err
	}
	c.logger.Debug("rotation started", "order_id", orderID, "workflow_id", order.WorkflowID)
	return &order, nil
}

// StopRotation stops an order's rotation.
func (c *Client) StopRotation(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	path := fmt.Sprintf("/api/v1/orders/%s/rotation", url.PathEscape(orderID))
	if err := c.do(ctx, http.MethodDelete, path, nil, http.StatusOK, &order); err != nil {
		return nil, err
	}
	c.logger.Debug("rotation stopped", "order_id", orderID)
	return &order, nil
}

// do sends a request with an optional JSON body and decodes the response
// into out when it is non-nil.
func (c *Client) do(ctx context.Context, method, path string, in interface{}, want int, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
}
