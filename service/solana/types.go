package solana

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

// Status is the terminal state reported by the confirmation waiter.
type Status string

const (
	// StatusConfirmed means the network reported the signature at the
	// configured commitment and the transaction record was retrieved.
	StatusConfirmed Status = "confirmed"
	// StatusExpired means the block height passed the deadline first.
	StatusExpired Status = "expired"
	// StatusUnknown means confirmation was signalled but the record could
	// not be retrieved within the lookup budget.
	StatusUnknown Status = "unknown"
)

// Outcome is what SendAndConfirm reports for one submitted transaction.
type Outcome struct {
	Status    Status           `json:"status"`
	Signature solana.Signature `json:"signature"`
	Record    *Transaction     `json:"record,omitempty"`
}

// Transaction is a summary of a confirmed on-chain transaction.
// This is our domain model, independent of the RPC response format.
type Transaction struct {
	Signature string     `json:"signature"`
	Slot      uint64     `json:"slot"`
	BlockTime time.Time  `json:"block_time"`
	Fee       uint64     `json:"fee"`
	Transfers []Transfer `json:"transfers,omitempty"`
	Err       *string    `json:"err,omitempty"` // nil if the transaction succeeded
}

// Transfer is a single system or token transfer found in a transaction.
type Transfer struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Amount uint64  `json:"amount"`
	Mint   *string `json:"mint,omitempty"` // nil for native SOL
}

// Failed reports whether the record carries an execution error.
func (t *Transaction) Failed() bool {
	return t != nil && t.Err != nil
}
