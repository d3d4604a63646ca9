package solana

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
)

// realRPCClient adapts the actual solana-go RPC client to our RPCClient interface.
// This adapter allows us to control the interface and makes testing easier.
type realRPCClient struct {
	client *rpc.Client
}

// NewRPCClient creates a new RPCClient that wraps the solana-go RPC client.
// For premium RPC endpoints that require API keys, include the key in the URL:
// - Helius: https://mainnet.helius-rpc.com/?api-key=YOUR-KEY
// - QuickNode: https://YOUR-ENDPOINT.quiknode.pro/YOUR-KEY/
func NewRPCClient(rpcURL string) RPCClient {
	return &realRPCClient{
		client: rpc.New(rpcURL),
	}
}

func (r *realRPCClient) GetAccountInfo(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	return r.client.GetAccountInfoWithOpts(ctx, account, opts)
}

func (r *realRPCClient) GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	return r.client.GetBalance(ctx, account, commitment)
}

func (r *realRPCClient) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return r.client.GetLatestBlockhash(ctx, commitment)
}

func (r *realRPCClient) GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	return r.client.GetBlockHeight(ctx, commitment)
}

func (r *realRPCClient) GetFeeForMessage(ctx context.Context, message string, commitment rpc.CommitmentType) (*rpc.GetFeeForMessageResult, error) {
	return r.client.GetFeeForMessage(ctx, message, commitment)
}

func (r *realRPCClient) SendRawTransaction(ctx context.Context, raw []byte, opts rpc.TransactionOpts) (solana.Signature, error) {
	return r.client.SendRawTransactionWithOpts(ctx, raw, opts)
}

func (r *realRPCClient) GetSignatureStatuses(ctx context.Context, searchHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	return r.client.GetSignatureStatuses(ctx, searchHistory, sigs...)
}

func (r *realRPCClient) GetTransaction(ctx context.Context, signature solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	return r.client.GetTransaction(ctx, signature, opts)
}

func (r *realRPCClient) SimulateRawTransaction(ctx context.Context, raw []byte, opts *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error) {
	return r.client.SimulateRawTransactionWithOpts(ctx, raw, opts)
}

// SignatureSubscriber waits for the network to push a signature notification.
// It returns the on-chain execution error (nil on success).
type SignatureSubscriber interface {
	WaitForSignature(ctx context.Context, sig solana.Signature, commitment rpc.CommitmentType) (txErr interface{}, err error)
}

// wsSubscriber implements SignatureSubscriber over the RPC websocket.
// Each wait opens its own connection; waits are rare and short-lived.
type wsSubscriber struct {
	url    string
	logger *slog.Logger
}

// NewSignatureSubscriber returns a websocket-backed SignatureSubscriber.
// An empty url returns nil, which makes the waiter fall back to polling only.
func NewSignatureSubscriber(wsURL string, logger *slog.Logger) SignatureSubscriber {
	if wsURL == "" {
		return nil
	}
	return &wsSubscriber{url: wsURL, logger: logger}
}

func (s *wsSubscriber) WaitForSignature(ctx context.Context, sig solana.Signature, commitment rpc.CommitmentType) (interface{}, error) {
	conn, err := ws.Connect(ctx, s.url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect websocket: %w", err)
	}
	defer conn.Close()

	sub, err := conn.SignatureSubscribe(sig, commitment)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to signature: %w", err)
	}
	defer sub.Unsubscribe()

	res, err := sub.Recv(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "signature notification received",
		"signature", sig.String(),
		"slot", res.Context.Slot,
	)
	return res.Value.Err, nil
}
