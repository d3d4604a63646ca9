package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/orbitt/service/metrics"
	"github.com/brojonat/orbitt/service/wait"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetFeeForMessage(ctx context.Context, message string, commitment rpc.CommitmentType) (*rpc.GetFeeForMessageResult, error)
	SendRawTransaction(ctx context.Context, raw []byte, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTransaction(ctx context.Context, signature solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	SimulateRawTransaction(ctx context.Context, raw []byte, opts *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error)
}

// Client wraps the RPC client with the reads and writes the submission layer
// needs. Reads are retried here with exponential backoff; sends are never
// retried by the client (resubmission is the waiter's job).
type Client struct {
	rpc        RPCClient
	commitment rpc.CommitmentType
	logger     *slog.Logger
	metrics    *metrics.Metrics
	endpoint   string // RPC endpoint identifier for metrics (e.g., "mainnet", "devnet", rpc host)

	readAttempts int
	backoff      time.Duration
}

// NewClient creates a new Solana client.
// The endpoint parameter is used for metrics labeling (e.g., "mainnet", "devnet", or RPC hostname).
// An empty commitment defaults to confirmed. If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, endpoint string, commitment rpc.CommitmentType, m *metrics.Metrics, logger *slog.Logger) *Client {
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	return &Client{
		rpc:          rpcClient,
		commitment:   commitment,
		logger:       logger,
		metrics:      m,
		endpoint:     endpoint,
		readAttempts: 3,
		backoff:      time.Second,
	}
}

// Commitment returns the commitment level used for reads and confirmation.
func (c *Client) Commitment() rpc.CommitmentType {
	return c.commitment
}

// observe records call metrics.
func (c *Client) observe(method string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRPCCall(method, status, c.endpoint, time.Since(start).Seconds())
}

// read runs fn with retries. rpc.ErrNotFound and context errors are returned
// immediately; 429 responses back off twice as long as other errors.
func (c *Client) read(ctx context.Context, method string, fn func() error) error {
	var err error
	for attempt := range c.readAttempts {
		start := time.Now()
		err = fn()
		c.observe(method, start, err)
		if err == nil || errors.Is(err, rpc.ErrNotFound) || ctx.Err() != nil {
			return err
		}
		if attempt == c.readAttempts-1 {
			break
		}

		backoff := wait.Exponential(c.backoff, attempt)
		reason := "error"
		if isRateLimited(err) {
			backoff = wait.Exponential(2*c.backoff, attempt)
			reason = "rate_limit"
			if c.metrics != nil {
				c.metrics.RecordRateLimitHit(c.endpoint)
			}
		}
		c.logger.WarnContext(ctx, "rpc read failed, retrying",
			"method", method,
			"attempt", attempt+1,
			"backoff_seconds", backoff.Seconds(),
			"error", err,
		)
		if c.metrics != nil {
			c.metrics.RecordRPCRetry(method, reason)
		}
		if werr := wait.Wait(ctx, backoff); werr != nil {
			return werr
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", method, c.readAttempts, err)
}

// Account fetches an account. A missing account yields ErrAccountNotFound.
func (c *Client) Account(ctx context.Context, address solana.PublicKey) (*rpc.Account, error) {
	var out *rpc.GetAccountInfoResult
	err := c.read(ctx, "GetAccountInfo", func() (err error) {
		out, err = c.rpc.GetAccountInfo(ctx, address, &rpc.GetAccountInfoOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: c.commitment,
		})
		return err
	})
	if errors.Is(err, rpc.ErrNotFound) || (err == nil && (out == nil || out.Value == nil)) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	if err != nil {
		return nil, err
	}
	return out.Value, nil
}

// Lamports returns the native balance of address. Unlike Account it reports
// zero (not an error) for accounts that do not exist, which is what balance
// probes want after an account was drained.
func (c *Client) Lamports(ctx context.Context, address solana.PublicKey) (uint64, error) {
	var out *rpc.GetBalanceResult
	err := c.read(ctx, "GetBalance", func() (err error) {
		out, err = c.rpc.GetBalance(ctx, address, c.commitment)
		return err
	})
	if err != nil {
		return 0, err
	}
	return out.Value, nil
}

// TokenAccount fetches and decodes an SPL token account.
func (c *Client) TokenAccount(ctx context.Context, address solana.PublicKey) (*token.Account, error) {
	acct, err := c.Account(ctx, address)
	if errors.Is(err, ErrAccountNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTokenAccountNotFound, address)
	}
	if err != nil {
		return nil, err
	}
	if acct.Data == nil {
		return nil, fmt.Errorf("%w: %s has no data", ErrTokenAccountNotFound, address)
	}
	var ta token.Account
	if err := bin.NewBinDecoder(acct.Data.GetBinary()).Decode(&ta); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrTokenAccountNotFound, address, err)
	}
	return &ta, nil
}

// MintDecimals reads the decimals field of a mint account.
func (c *Client) MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	acct, err := c.Account(ctx, mint)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrDecimalsUnavailable, mint, err)
	}
	if acct.Data == nil {
		return 0, fmt.Errorf("%w: %s has no data", ErrDecimalsUnavailable, mint)
	}
	var m token.Mint
	if err := bin.NewBinDecoder(acct.Data.GetBinary()).Decode(&m); err != nil {
		return 0, fmt.Errorf("%w: decode %s: %v", ErrDecimalsUnavailable, mint, err)
	}
	return m.Decimals, nil
}

// LatestBlockhash returns a fresh blockhash and its last valid block height.
func (c *Client) LatestBlockhash(ctx context.Context) (*rpc.LatestBlockhashResult, error) {
	var out *rpc.GetLatestBlockhashResult
	err := c.read(ctx, "GetLatestBlockhash", func() (err error) {
		out, err = c.rpc.GetLatestBlockhash(ctx, c.commitment)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil || out.Value == nil {
		return nil, fmt.Errorf("GetLatestBlockhash returned no value")
	}
	return out.Value, nil
}

// BlockHeight returns the current block height. It is polled by the waiter,
// so it is not retried.
func (c *Client) BlockHeight(ctx context.Context) (uint64, error) {
	start := time.Now()
	h, err := c.rpc.GetBlockHeight(ctx, c.commitment)
	c.observe("GetBlockHeight", start, err)
	return h, err
}

// FeeForMessage asks the node what msg would cost. ok is false when the node
// has no answer (e.g. the blockhash is unknown to it).
func (c *Client) FeeForMessage(ctx context.Context, msg *solana.Message) (fee uint64, ok bool, err error) {
	var out *rpc.GetFeeForMessageResult
	err = c.read(ctx, "GetFeeForMessage", func() (err error) {
		out, err = c.rpc.GetFeeForMessage(ctx, msg.ToBase64(), c.commitment)
		return err
	})
	if err != nil {
		return 0, false, err
	}
	if out == nil || out.Value == nil {
		return 0, false, nil
	}
	return *out.Value, true, nil
}

// SendRaw broadcasts an already-signed transaction with preflight disabled.
func (c *Client) SendRaw(ctx context.Context, raw []byte) (solana.Signature, error) {
	start := time.Now()
	sig, err := c.rpc.SendRawTransaction(ctx, raw, rpc.TransactionOpts{
		SkipPreflight:       true,
		PreflightCommitment: c.commitment,
	})
	c.observe("SendTransaction", start, err)
	return sig, err
}

// SignatureStatus returns the status of sig, or nil if the node has not seen it.
func (c *Client) SignatureStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error) {
	start := time.Now()
	out, err := c.rpc.GetSignatureStatuses(ctx, false, sig)
	c.observe("GetSignatureStatuses", start, err)
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Value) == 0 {
		return nil, nil
	}
	return out.Value[0], nil
}

// TransactionRecord fetches a transaction at confirmed commitment. A single
// call; callers decide how often to ask.
func (c *Client) TransactionRecord(ctx context.Context, sig solana.Signature) (*rpc.GetTransactionResult, error) {
	start := time.Now()
	maxVersion := uint64(0)
	out, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	c.observe("GetTransaction", start, err)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, rpc.ErrNotFound
	}
	return out, nil
}

// Simulate runs raw against current state with its blockhash replaced, at
// processed commitment.
func (c *Client) Simulate(ctx context.Context, raw []byte) (*rpc.SimulateTransactionResult, error) {
	var out *rpc.SimulateTransactionResponse
	err := c.read(ctx, "SimulateTransaction", func() (err error) {
		out, err = c.rpc.SimulateRawTransaction(ctx, raw, &rpc.SimulateTransactionOpts{
			Commitment:             rpc.CommitmentProcessed,
			ReplaceRecentBlockhash: true,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil || out.Value == nil {
		return nil, fmt.Errorf("SimulateTransaction returned no value")
	}
	return out.Value, nil
}
