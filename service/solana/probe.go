package solana

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
)

// Holdings is a point-in-time balance of an owner: native lamports plus the
// raw amount held in one token account (zero when no token account is probed).
type Holdings struct {
	Lamports uint64 `json:"lamports"`
	Tokens   uint64 `json:"tokens"`
}

// ProbablySucceeded reports whether a transfer that looked like it failed
// most likely landed anyway, judged by the sender's holdings going down.
func ProbablySucceeded(before, after Holdings) bool {
	return after.Lamports < before.Lamports || after.Tokens < before.Tokens
}

// Probe reads owner's holdings. tokenAccount may be nil; a missing token
// account counts as zero tokens.
func (c *Client) Probe(ctx context.Context, owner solana.PublicKey, tokenAccount *solana.PublicKey) (Holdings, error) {
	var h Holdings
	lamports, err := c.Lamports(ctx, owner)
	if err != nil {
		return h, err
	}
	h.Lamports = lamports

	if tokenAccount != nil {
		ta, err := c.TokenAccount(ctx, *tokenAccount)
		switch {
		case errors.Is(err, ErrTokenAccountNotFound):
		case err != nil:
			return h, err
		default:
			h.Tokens = ta.Amount
		}
	}
	return h, nil
}
