package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brojonat/orbitt/service/metrics"
	"github.com/brojonat/orbitt/service/rotation"
	"github.com/brojonat/orbitt/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// Application error types that stop a rotation instead of being retried.
const (
	ErrTypeAmbiguousOutcome  = "AmbiguousOutcome"
	ErrTypeSimulationFailed  = "SimulationFailed"
	ErrTypeQuoteUnavailable  = "QuoteUnavailable"
	ErrTypeInsufficientFunds = "InsufficientFunds"
	ErrTypeInvalidInput      = "InvalidInput"
)

// StepInput identifies one ring member of an order. Activities load the keys
// themselves so no key material ever enters workflow history.
type StepInput struct {
	OrderID string `json:"order_id"`
	Index   int    `json:"index"`
}

// ExecuteTradeInput carries the snapshot the trade decision is made on.
type ExecuteTradeInput struct {
	OrderID  string           `json:"order_id"`
	Index    int              `json:"index"`
	Snapshot *solana.Snapshot `json:"snapshot"`
}

// TradeResult is the outcome of the trade phase of a step.
type TradeResult struct {
	Action    rotation.Action `json:"action"`
	Amount    uint64          `json:"amount"`
	Signature string          `json:"signature,omitempty"`
	Error     string          `json:"error,omitempty"` // expired swap; the step still forwards
}

// ForwardResult is the outcome of the forward phase of a step.
type ForwardResult struct {
	Signature string `json:"signature"`
	Lamports  uint64 `json:"lamports"`
	Tokens    uint64 `json:"tokens"`
	Probable  bool   `json:"probable"`
	To        string `json:"to"`
	NextIndex int    `json:"next_index"`
}

// RecordStepInput contains a finished step.
type RecordStepInput struct {
	Step rotation.Step `json:"step"`
}

// UpdateOrderStatusInput sets an order's status.
type UpdateOrderStatusInput struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// RingSource loads an order's ring with its keys.
type RingSource interface {
	GetRing(ctx context.Context, orderID string) (rotation.Ring, error)
}

// OrderStatusUpdater records order status changes.
type OrderStatusUpdater interface {
	SetOrderStatus(ctx context.Context, orderID, status string) error
}

// Activities holds the dependencies needed by Temporal activities.
// Following go-kit pattern, all dependencies are explicit.
type Activities struct {
	rings   RingSource
	stepper *rotation.Stepper
	ledger  rotation.Ledger         // optional
	events  rotation.EventPublisher // optional
	orders  OrderStatusUpdater      // optional
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(
	rings RingSource,
	stepper *rotation.Stepper,
	ledger rotation.Ledger,
	events rotation.EventPublisher,
	orders OrderStatusUpdater,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		rings:   rings,
		stepper: stepper,
		ledger:  ledger,
		events:  events,
		orders:  orders,
		metrics: m,
		logger:  logger,
	}
}

func (a *Activities) record(activity string, err error) {
	if a.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	a.metrics.RecordActivity(activity, status)
}

// member loads the ring and returns the signer at index.
func (a *Activities) member(ctx context.Context, orderID string, index int) (rotation.Ring, solanago.PrivateKey, error) {
	ring, err := a.rings.GetRing(ctx, orderID)
	if err != nil {
		return rotation.Ring{}, nil, fmt.Errorf("failed to load ring: %w", err)
	}
	if err := ring.Validate(); err != nil {
		return rotation.Ring{}, nil, temporalsdk.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidInput, err)
	}
	if index < 0 || index >= len(ring.Members) {
		err := fmt.Errorf("index %d out of range for ring of %d", index, len(ring.Members))
		return rotation.Ring{}, nil, temporalsdk.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidInput, err)
	}
	return ring, ring.Members[index], nil
}

// InspectBalance reads the member's portfolio, creating its token account if
// it doesn't exist yet.
func (a *Activities) InspectBalance(ctx context.Context, input StepInput) (snap *solana.Snapshot, err error) {
	defer func() { a.record("InspectBalance", err) }()

	ring, signer, err := a.member(ctx, input.OrderID, input.Index)
	if err != nil {
		return nil, err
	}
	snap, err = a.stepper.Inspect(ctx, signer, ring.Mint)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to inspect balance",
			"order_id", input.OrderID,
			"owner", signer.PublicKey().String(),
			"error", err,
		)
		return nil, classify(err)
	}
	a.logger.InfoContext(ctx, "inspected balance",
		"order_id", input.OrderID,
		"owner", snap.Owner.String(),
		"lamports", snap.Lamports,
		"tokens", snap.TokenAmount,
		"relative_native", snap.RelativeNative.StringFixed(4),
	)
	return snap, nil
}

// ExecuteTrade decides and executes the member's trade. An expired swap is
// reported in TradeResult.Error. Any other swap failure fails the activity,
// and with it the step.
func (a *Activities) ExecuteTrade(ctx context.Context, input ExecuteTradeInput) (result *TradeResult, err error) {
	defer func() { a.record("ExecuteTrade", err) }()

	if input.Snapshot == nil {
		return nil, temporalsdk.NewNonRetryableApplicationError("snapshot is required", ErrTypeInvalidInput, nil)
	}
	_, signer, err := a.member(ctx, input.OrderID, input.Index)
	if err != nil {
		return nil, err
	}
	if !input.Snapshot.Owner.Equals(signer.PublicKey()) {
		err := fmt.Errorf("snapshot owner %s is not ring member %d", input.Snapshot.Owner, input.Index)
		return nil, temporalsdk.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidInput, err)
	}

	trade, err := a.stepper.Trade(ctx, signer, input.Snapshot)
	result = &TradeResult{
		Action:    trade.Action,
		Amount:    trade.Amount,
		Signature: trade.Signature,
	}
	if trade.Err != nil {
		result.Error = trade.Err.Error()
	}
	if err != nil {
		return nil, classify(err)
	}
	return result, nil
}

// ForwardFunds sends the configured share of both balances to the next member.
func (a *Activities) ForwardFunds(ctx context.Context, input StepInput) (result *ForwardResult, err error) {
	defer func() { a.record("ForwardFunds", err) }()

	ring, signer, err := a.member(ctx, input.OrderID, input.Index)
	if err != nil {
		return nil, err
	}
	next := ring.Next(input.Index)
	to := ring.Members[next].PublicKey()

	res, err := a.stepper.Forward(ctx, signer, to, ring.Mint)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to forward funds",
			"order_id", input.OrderID,
			"from", signer.PublicKey().String(),
			"to", to.String(),
			"error", err,
		)
		return nil, classify(err)
	}
	return &ForwardResult{
		Signature: res.Signature.String(),
		Lamports:  res.Lamports,
		Tokens:    res.Tokens,
		Probable:  res.Probable,
		To:        to.String(),
		NextIndex: next,
	}, nil
}

// RecordStep stores the step and publishes it. Publishing failures are logged
// only; the ledger is the source of truth.
func (a *Activities) RecordStep(ctx context.Context, input RecordStepInput) (err error) {
	defer func() { a.record("RecordStep", err) }()

	step := input.Step
	if a.ledger != nil {
		if err := a.ledger.RecordStep(ctx, &step); err != nil {
			return fmt.Errorf("failed to record step: %w", err)
		}
	}
	if a.events != nil {
		if err := a.events.PublishStep(ctx, &step); err != nil {
			a.logger.WarnContext(ctx, "failed to publish step", "step_id", step.ID.String(), "error", err)
		}
	}
	return nil
}

// UpdateOrderStatus sets the order's status.
func (a *Activities) UpdateOrderStatus(ctx context.Context, input UpdateOrderStatusInput) (err error) {
	defer func() { a.record("UpdateOrderStatus", err) }()

	if a.orders == nil {
		return nil
	}
	if err := a.orders.SetOrderStatus(ctx, input.OrderID, input.Status); err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	a.logger.InfoContext(ctx, "order status updated", "order_id", input.OrderID, "status", input.Status)
	return nil
}

// classify turns errors that retrying cannot fix into non-retryable
// application errors.
func classify(err error) error {
	var errType string
	switch {
	case errors.Is(err, solana.ErrAmbiguousOutcome):
		errType = ErrTypeAmbiguousOutcome
	case errors.Is(err, solana.ErrSimulationFailed):
		errType = ErrTypeSimulationFailed
	case errors.Is(err, solana.ErrQuoteUnavailable):
		errType = ErrTypeQuoteUnavailable
	case errors.Is(err, solana.ErrInsufficientFunds), errors.Is(err, solana.ErrEmptyPortfolio):
		errType = ErrTypeInsufficientFunds
	default:
		return err
	}
	return temporalsdk.NewNonRetryableApplicationError(err.Error(), errType, err)
}
