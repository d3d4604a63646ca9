package swap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/brojonat/orbitt/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

// DefaultBaseURL is the public Jupiter v6 swap API.
const DefaultBaseURL = "https://quote-api.jup.ag/v6"

// QuoteRequest asks the router for the best route of Amount raw units of
// InputMint into OutputMint.
type QuoteRequest struct {
	InputMint   solanago.PublicKey
	OutputMint  solanago.PublicKey
	Amount      uint64
	SlippageBps int
}

// Quote is a routed price. Raw holds the response verbatim; it is posted
// back unchanged when building the swap transaction.
type Quote struct {
	InputMint            string `json:"inputMint"`
	OutputMint           string `json:"outputMint"`
	InAmount             string `json:"inAmount"`
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	SlippageBps          int    `json:"slippageBps"`
	PriceImpactPct       string `json:"priceImpactPct"`

	Raw json.RawMessage `json:"-"`
}

// Transaction is an unsigned, pre-built swap transaction.
type Transaction struct {
	SwapTransaction           string `json:"swapTransaction"` // base64
	LastValidBlockHeight      uint64 `json:"lastValidBlockHeight"`
	PrioritizationFeeLamports uint64 `json:"prioritizationFeeLamports"`
}

// Router is a swap-routing service.
type Router interface {
	Quote(ctx context.Context, req QuoteRequest) (*Quote, error)
	BuildSwap(ctx context.Context, quote *Quote, user solanago.PublicKey) (*Transaction, error)
}

// Jupiter is the HTTP client for a Jupiter-compatible routing API.
type Jupiter struct {
	baseURL     string
	priorityFee string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewJupiter creates a Jupiter client. priorityFee is either "auto" or a
// fixed number of lamports; empty means "auto".
func NewJupiter(baseURL, priorityFee string, httpClient *http.Client, logger *slog.Logger) *Jupiter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if priorityFee == "" {
		priorityFee = "auto"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Jupiter{
		baseURL:     baseURL,
		priorityFee: priorityFee,
		httpClient:  httpClient,
		logger:      logger,
	}
}

// Quote fetches a route for req.
func (j *Jupiter) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	params := url.Values{}
	params.Set("inputMint", req.InputMint.String())
	params.Set("outputMint", req.OutputMint.String())
	params.Set("amount", strconv.FormatUint(req.Amount, 10))
	params.Set("slippageBps", strconv.Itoa(req.SlippageBps))
	params.Set("onlyDirectRoutes", "false")
	params.Set("asLegacyTransaction", "false")

	httpReq, err := http.NewRequestWithContext(ctx, "GET", j.baseURL+"/quote?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", solana.ErrQuoteUnavailable, err)
	}

	raw, err := j.do(httpReq)
	if err != nil {
		return nil, err
	}

	var q Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, fmt.Errorf("%w: failed to decode quote: %v", solana.ErrQuoteUnavailable, err)
	}
	if q.OutAmount == "" {
		return nil, fmt.Errorf("%w: no route for %s -> %s", solana.ErrQuoteUnavailable, req.InputMint, req.OutputMint)
	}
	q.Raw = raw

	j.logger.DebugContext(ctx, "swap quote received",
		"input_mint", q.InputMint,
		"output_mint", q.OutputMint,
		"in_amount", q.InAmount,
		"out_amount", q.OutAmount,
		"price_impact_pct", q.PriceImpactPct,
	)
	return &q, nil
}

// BuildSwap asks the router to build the transaction executing quote for user.
func (j *Jupiter) BuildSwap(ctx context.Context, quote *Quote, user solanago.PublicKey) (*Transaction, error) {
	var fee interface{} = j.priorityFee
	if n, err := strconv.ParseUint(j.priorityFee, 10, 64); err == nil {
		fee = n
	}

	body, err := json.Marshal(map[string]interface{}{
		"quoteResponse":             quote.Raw,
		"userPublicKey":             user.String(),
		"dynamicComputeUnitLimit":   false,
		"prioritizationFeeLamports": fee,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal request: %v", solana.ErrQuoteUnavailable, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", j.baseURL+"/swap", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", solana.ErrQuoteUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	raw, err := j.do(httpReq)
	if err != nil {
		return nil, err
	}

	var tx Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("%w: failed to decode swap: %v", solana.ErrQuoteUnavailable, err)
	}
	if tx.SwapTransaction == "" {
		return nil, fmt.Errorf("%w: empty swap transaction", solana.ErrQuoteUnavailable)
	}
	return &tx, nil
}

func (j *Jupiter) do(req *http.Request) ([]byte, error) {
	resp, err := j.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %v", solana.ErrQuoteUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", solana.ErrQuoteUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error     string `json:"error"`
			ErrorCode string `json:"errorCode"`
		}
		if json.Unmarshal(raw, &errResp) == nil && errResp.Error != "" {
			return nil, fmt.Errorf("%w: %s (status %d)", solana.ErrQuoteUnavailable, errResp.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: status %d", solana.ErrQuoteUnavailable, resp.StatusCode)
	}
	return raw, nil
}
