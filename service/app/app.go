// Package app assembles the service components from configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/brojonat/orbitt/service/config"
	"github.com/brojonat/orbitt/service/db"
	"github.com/brojonat/orbitt/service/metrics"
	"github.com/brojonat/orbitt/service/rotation"
	"github.com/brojonat/orbitt/service/solana"
	"github.com/brojonat/orbitt/service/swap"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Core is the transaction core: RPC access, confirmation, transfers, swaps
// and the rotation stepper built on them.
type Core struct {
	Client    *solana.Client
	Waiter    *solana.Waiter
	Inspector *solana.Inspector
	Fees      *solana.FeeEstimator
	Transfers *solana.TransferExecutor
	Swaps     *swap.Executor
	Stepper   *rotation.Stepper
}

// NewCore builds the core from cfg. m may be nil.
func NewCore(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *Core {
	return NewCoreWithRPC(cfg, solana.NewRPCClient(cfg.SolanaRPCURL), m, logger)
}

// NewCoreWithRPC builds the core against rpcClient.
func NewCoreWithRPC(cfg *config.Config, rpcClient solana.RPCClient, m *metrics.Metrics, logger *slog.Logger) *Core {
	client := solana.NewClient(rpcClient, EndpointLabel(cfg.SolanaRPCURL), cfg.Commitment(), m, logger)

	var subscriber solana.SignatureSubscriber
	if cfg.SolanaWSURL != "" {
		subscriber = solana.NewSignatureSubscriber(cfg.SolanaWSURL, logger)
	}
	waiter := solana.NewWaiter(client, subscriber, cfg.WaiterConfig(), m, logger)

	inspector := solana.NewInspector(client, waiter, logger)
	fees := solana.NewFeeEstimator(client, uint64(cfg.LamportsPerSignature), logger)
	transfers := solana.NewTransferExecutor(client, waiter, fees, cfg.TransferAttempts, m, logger)
	router := swap.NewJupiter(cfg.SwapAPIURL, cfg.SwapPriorityFee, nil, logger)
	swaps := swap.NewExecutor(router, client, waiter, m, logger)

	return &Core{
		Client:    client,
		Waiter:    waiter,
		Inspector: inspector,
		Fees:      fees,
		Transfers: transfers,
		Swaps:     swaps,
		Stepper:   rotation.NewStepper(inspector, swaps, transfers, cfg.RotationConfig(), m, logger),
	}
}

// OpenStore connects to the database, checks the connection and applies the
// schema. The caller closes the returned pool.
func OpenStore(ctx context.Context, databaseURL string, m *metrics.Metrics, logger *slog.Logger) (*db.Store, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	store := db.NewStore(pool).WithMetrics(m)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("connected to database")
	return store, pool, nil
}

// RingLoader loads an order's ring with its keys.
type RingLoader interface {
	GetRing(ctx context.Context, orderID string) (rotation.Ring, error)
}

// Rings returns the configured credential source. store may be nil when
// credentials come from a file.
func Rings(cfg *config.Config, store *db.Store) (RingLoader, error) {
	switch cfg.CredentialSource {
	case config.CredentialsFile:
		rf, err := config.LoadRingFile(cfg.RingFile)
		if err != nil {
			return nil, err
		}
		return rf, nil
	case config.CredentialsDB:
		if store == nil {
			return nil, fmt.Errorf("credential source %q needs a database", cfg.CredentialSource)
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown credential source %q", cfg.CredentialSource)
}

// EndpointLabel extracts a short identifier from an RPC URL for metrics
// labeling, so API keys in the URL never reach a label.
//   - "https://api.mainnet-beta.solana.com" -> "mainnet"
//   - "https://mainnet.helius-rpc.com/?api-key=..." -> "helius"
func EndpointLabel(rpcURL string) string {
	parsed, err := url.Parse(rpcURL)
	if err != nil || parsed.Hostname() == "" {
		return "unknown"
	}
	host := parsed.Hostname()

	for _, provider := range []string{"helius", "quiknode", "quicknode", "alchemy", "triton", "rpcpool"} {
		if strings.Contains(host, provider) {
			if provider == "quicknode" {
				return "quiknode"
			}
			return provider
		}
	}
	for _, cluster := range []string{"mainnet", "devnet", "testnet"} {
		if strings.Contains(host, cluster) {
			return cluster
		}
	}
	if host == "localhost" || host == "127.0.0.1" {
		return "local"
	}
	return host
}
