package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/shopspring/decimal"
)

// lamportsPerSOL is the native unit scale.
var lamportsPerSOL = decimal.New(1, 9)

// Snapshot is the portfolio composition of one owner for one token.
type Snapshot struct {
	Owner        solana.PublicKey `json:"owner"`
	Mint         solana.PublicKey `json:"mint"`
	TokenAccount solana.PublicKey `json:"token_account"`
	Lamports     uint64           `json:"lamports"`
	TokenAmount  uint64           `json:"token_amount"`
	Decimals     uint8            `json:"decimals"`

	NativeValue    decimal.Decimal `json:"native_value"`
	TokenValue     decimal.Decimal `json:"token_value"`
	TotalValue     decimal.Decimal `json:"total_value"`
	RelativeNative decimal.Decimal `json:"relative_native"`
	RelativeToken  decimal.Decimal `json:"relative_token"`
}

// NativeUI returns the native balance in whole SOL.
func (s *Snapshot) NativeUI() decimal.Decimal {
	return decimal.NewFromUint64(s.Lamports).Div(lamportsPerSOL)
}

// TokenUI returns the token balance in whole tokens.
func (s *Snapshot) TokenUI() decimal.Decimal {
	return decimal.NewFromUint64(s.TokenAmount).Shift(-int32(s.Decimals))
}

// NewSnapshot normalises raw balances. The token side is expressed in the
// native unit scale (ui amount × 10^decimals / 10^9) so the two are summed
// on one scale. A zero total yields ErrEmptyPortfolio.
func NewSnapshot(owner, mint, tokenAccount solana.PublicKey, lamports, tokenAmount uint64, decimals uint8) (*Snapshot, error) {
	s := &Snapshot{
		Owner:        owner,
		Mint:         mint,
		TokenAccount: tokenAccount,
		Lamports:     lamports,
		TokenAmount:  tokenAmount,
		Decimals:     decimals,
	}
	s.NativeValue = s.NativeUI()
	s.TokenValue = s.TokenUI().Mul(decimal.New(1, int32(decimals))).Div(lamportsPerSOL)
	s.TotalValue = s.NativeValue.Add(s.TokenValue)
	if s.TotalValue.IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrEmptyPortfolio, owner)
	}
	s.RelativeNative = s.NativeValue.Div(s.TotalValue)
	s.RelativeToken = s.TokenValue.Div(s.TotalValue)
	return s, nil
}

// Inspector reads portfolio snapshots and makes sure token accounts exist.
type Inspector struct {
	client *Client
	waiter *Waiter
	logger *slog.Logger

	mu       sync.Mutex
	decimals map[solana.PublicKey]uint8
}

// NewInspector creates an Inspector. waiter is used to submit token account
// creation; it may be nil for read-only use (Peek).
func NewInspector(client *Client, waiter *Waiter, logger *slog.Logger) *Inspector {
	return &Inspector{
		client:   client,
		waiter:   waiter,
		logger:   logger.With("component", "balance_inspector"),
		decimals: make(map[solana.PublicKey]uint8),
	}
}

// Decimals returns the mint's decimals, fetched once per mint.
func (i *Inspector) Decimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	i.mu.Lock()
	d, ok := i.decimals[mint]
	i.mu.Unlock()
	if ok {
		return d, nil
	}

	d, err := i.client.MintDecimals(ctx, mint)
	if err != nil {
		return 0, err
	}

	i.mu.Lock()
	i.decimals[mint] = d
	i.mu.Unlock()
	return d, nil
}

// Inspect returns the snapshot for signer's wallet, creating its token
// account for mint on-chain first if it does not exist.
func (i *Inspector) Inspect(ctx context.Context, signer solana.PrivateKey, mint solana.PublicKey) (*Snapshot, error) {
	owner := signer.PublicKey()

	acct, err := i.client.Account(ctx, owner)
	if err != nil {
		return nil, err
	}

	ata, err := i.EnsureTokenAccount(ctx, signer, owner, mint)
	if err != nil {
		return nil, err
	}

	return i.snapshot(ctx, owner, mint, ata, acct.Lamports, false)
}

// Peek is the read-only variant of Inspect: it never creates accounts, and a
// missing token account reads as zero tokens.
func (i *Inspector) Peek(ctx context.Context, owner, mint solana.PublicKey) (*Snapshot, error) {
	acct, err := i.client.Account(ctx, owner)
	if err != nil {
		return nil, err
	}
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive token account: %w", err)
	}
	return i.snapshot(ctx, owner, mint, ata, acct.Lamports, true)
}

func (i *Inspector) snapshot(ctx context.Context, owner, mint, ata solana.PublicKey, lamports uint64, allowMissing bool) (*Snapshot, error) {
	decimals, err := i.Decimals(ctx, mint)
	if err != nil {
		return nil, err
	}
	var tokens uint64
	ta, err := i.client.TokenAccount(ctx, ata)
	switch {
	case err == nil:
		tokens = ta.Amount
	case allowMissing && errors.Is(err, ErrTokenAccountNotFound):
	default:
		return nil, err
	}

	snap, err := NewSnapshot(owner, mint, ata, lamports, tokens, decimals)
	if err != nil {
		return nil, err
	}

	i.logger.DebugContext(ctx, "balance snapshot",
		"owner", owner.String(),
		"lamports", snap.Lamports,
		"token_amount", snap.TokenAmount,
		"relative_native", snap.RelativeNative.StringFixed(4),
	)
	return snap, nil
}

// EnsureTokenAccount returns owner's associated token account for mint,
// creating it (paid by payer) when it does not exist yet.
func (i *Inspector) EnsureTokenAccount(ctx context.Context, payer solana.PrivateKey, owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive token account: %w", err)
	}

	_, err = i.client.TokenAccount(ctx, ata)
	if err == nil {
		return ata, nil
	}
	if !errors.Is(err, ErrTokenAccountNotFound) {
		return solana.PublicKey{}, err
	}
	if i.waiter == nil {
		return solana.PublicKey{}, err
	}

	i.logger.InfoContext(ctx, "creating token account",
		"owner", owner.String(),
		"mint", mint.String(),
		"token_account", ata.String(),
	)

	ix := associatedtokenaccount.NewCreateInstruction(payer.PublicKey(), owner, mint).Build()
	tx, err := i.client.BuildSigned(ctx, payer, ix)
	if err != nil {
		return solana.PublicKey{}, err
	}
	outcome, err := i.waiter.SendAndConfirm(ctx, tx.Raw, tx.LastValidBlockHeight)
	if err != nil {
		i.logger.WarnContext(ctx, "token account creation not confirmed", "token_account", ata.String(), "error", err)
	} else if outcome.Status != StatusConfirmed {
		i.logger.WarnContext(ctx, "token account creation not confirmed", "token_account", ata.String(), "status", outcome.Status)
	}

	// The account is what matters, not how the submission ended.
	if _, err := i.client.TokenAccount(ctx, ata); err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %s after creation attempt", ErrTokenAccountNotFound, ata)
	}
	return ata, nil
}
