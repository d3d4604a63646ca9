package solana

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// SignedTx is a fully signed, serialized transaction ready to broadcast.
type SignedTx struct {
	Raw                  []byte
	Signature            solana.Signature // first signature; identifies the transaction
	LastValidBlockHeight uint64
	Message              *solana.Message
}

// BuildSigned assembles ixs against a fresh blockhash, with payer as fee payer
// and sole signer.
func (c *Client) BuildSigned(ctx context.Context, payer solana.PrivateKey, ixs ...solana.Instruction) (*SignedTx, error) {
	if len(ixs) == 0 {
		return nil, fmt.Errorf("no instructions to build")
	}
	bh, err := c.LatestBlockhash(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	return signWith(payer, bh.Blockhash, bh.LastValidBlockHeight, ixs)
}

func signWith(payer solana.PrivateKey, blockhash solana.Hash, lastValid uint64, ixs []solana.Instruction) (*SignedTx, error) {
	tx, err := solana.NewTransaction(ixs, blockhash, solana.TransactionPayer(payer.PublicKey()))
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}
	sigs, err := tx.Sign(signerFor(payer))
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return &SignedTx{
		Raw:                  raw,
		Signature:            sigs[0],
		LastValidBlockHeight: lastValid,
		Message:              &tx.Message,
	}, nil
}
