// Package rotation moves funds around a ring of wallets, rebalancing each
// wallet between SOL and one token before forwarding to the next member.
package rotation

import (
	"fmt"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Action is the trade decided for one step.
type Action string

const (
	ActionBuy  Action = "buy"  // spend SOL on the token
	ActionSell Action = "sell" // sell the token for SOL
	ActionHold Action = "hold"
)

// Thresholds classify a wallet by its native share of value.
type Thresholds struct {
	Low  decimal.Decimal
	High decimal.Decimal
	// HoldInBand returns ActionHold between Low and High instead of selling.
	HoldInBand bool
}

// DefaultThresholds returns the 30% / 50% band.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Low:  decimal.RequireFromString("0.3"),
		High: decimal.RequireFromString("0.5"),
	}
}

// Decide returns the trade for a wallet whose value is relativeNative SOL.
// Below Low it sells tokens; above High it buys them. In between it sells,
// or holds when HoldInBand is set.
func Decide(relativeNative decimal.Decimal, th Thresholds) Action {
	switch {
	case relativeNative.LessThan(th.Low):
		return ActionSell
	case relativeNative.GreaterThan(th.High):
		return ActionBuy
	case th.HoldInBand:
		return ActionHold
	}
	return ActionSell
}

// Percent returns floor(amount * percent / 100).
func Percent(amount uint64, percent decimal.Decimal) uint64 {
	if percent.Sign() <= 0 {
		return 0
	}
	v := decimal.NewFromUint64(amount).Mul(percent).Div(decimal.NewFromInt(100)).Floor()
	return v.BigInt().Uint64()
}

// Ring is the ordered set of wallets an order rotates through.
type Ring struct {
	OrderID string
	Mint    solanago.PublicKey
	Members []solanago.PrivateKey
}

// Validate checks the ring can rotate.
func (r Ring) Validate() error {
	if r.OrderID == "" {
		return fmt.Errorf("ring has no order id")
	}
	if r.Mint.IsZero() {
		return fmt.Errorf("ring %s has no token mint", r.OrderID)
	}
	if len(r.Members) < 2 {
		return fmt.Errorf("ring %s needs at least 2 members, has %d", r.OrderID, len(r.Members))
	}
	return nil
}

// Next returns the position after i, wrapping around.
func (r Ring) Next(i int) int {
	return (i + 1) % len(r.Members)
}

// Addresses returns the members' public addresses in ring order.
func (r Ring) Addresses() []string {
	out := make([]string, len(r.Members))
	for i, m := range r.Members {
		out[i] = m.PublicKey().String()
	}
	return out
}

// StepStatus is the result of one rotation step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepHalted    StepStatus = "halted" // ambiguous outcome, needs an operator
)

// Step records one hop of the rotation.
type Step struct {
	ID             uuid.UUID       `json:"id"`
	OrderID        string          `json:"order_id"`
	Index          int             `json:"index"`
	From           string          `json:"from"`
	To             string          `json:"to"`
	RelativeNative decimal.Decimal `json:"relative_native"`
	Action         Action          `json:"action"`

	TradeAmount    uint64 `json:"trade_amount"`
	TradeSignature string `json:"trade_signature,omitempty"`
	TradeError     string `json:"trade_error,omitempty"`

	ForwardSignature string `json:"forward_signature,omitempty"`
	ForwardLamports  uint64 `json:"forward_lamports"`
	ForwardTokens    uint64 `json:"forward_tokens"`
	ForwardProbable  bool   `json:"forward_probable"`

	Status     StepStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
}
