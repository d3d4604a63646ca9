package solana

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

const (
	// throwawayLamports is the amount used in the unsent fee-estimation transfer.
	throwawayLamports = 10_000

	// DefaultLamportsPerSignature is the base fee per signature on mainnet.
	DefaultLamportsPerSignature = 5_000

	// TokenAccountRentLamports is the rent-exempt minimum of a 165-byte SPL
	// token account, paid by whoever creates a recipient's token account.
	TokenAccountRentLamports = 2_039_280
)

// FeeEstimator computes transaction fees without submitting anything.
type FeeEstimator struct {
	client               *Client
	lamportsPerSignature uint64
	logger               *slog.Logger
}

// NewFeeEstimator creates a FeeEstimator. lamportsPerSignature is the fallback
// used when the node cannot price a message; zero means DefaultLamportsPerSignature.
func NewFeeEstimator(client *Client, lamportsPerSignature uint64, logger *slog.Logger) *FeeEstimator {
	if lamportsPerSignature == 0 {
		lamportsPerSignature = DefaultLamportsPerSignature
	}
	return &FeeEstimator{
		client:               client,
		lamportsPerSignature: lamportsPerSignature,
		logger:               logger,
	}
}

// NativeTransferFee prices a plain native transfer from -> to by building and
// signing a throwaway transfer of a small fixed amount.
func (f *FeeEstimator) NativeTransferFee(ctx context.Context, from solana.PrivateKey, to solana.PublicKey) (uint64, error) {
	ix := system.NewTransferInstruction(throwawayLamports, from.PublicKey(), to).Build()
	return f.MessageFee(ctx, from, ix)
}

// MessageFee prices the transaction made of ixs, paid and signed by payer.
// The node's answer is preferred; otherwise fee = lamports per signature ×
// number of signatures.
func (f *FeeEstimator) MessageFee(ctx context.Context, payer solana.PrivateKey, ixs ...solana.Instruction) (uint64, error) {
	tx, err := f.client.BuildSigned(ctx, payer, ixs...)
	if err != nil {
		return 0, fmt.Errorf("failed to build fee estimation transaction: %w", err)
	}

	signatures := uint64(tx.Message.Header.NumRequiredSignatures)
	fallback := f.lamportsPerSignature * signatures

	fee, ok, err := f.client.FeeForMessage(ctx, tx.Message)
	if err != nil {
		f.logger.WarnContext(ctx, "fee lookup failed, using per-signature fallback",
			"signatures", signatures,
			"fee", fallback,
			"error", err,
		)
		return fallback, nil
	}
	if !ok {
		return fallback, nil
	}
	return fee, nil
}
