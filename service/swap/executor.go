package swap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brojonat/orbitt/service/metrics"
	"github.com/brojonat/orbitt/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

// Request is a single swap of Amount raw units of InputMint into OutputMint.
type Request struct {
	Signer      solanago.PrivateKey
	InputMint   solanago.PublicKey
	OutputMint  solanago.PublicKey
	Amount      uint64
	SlippageBps int
}

// Direction labels a swap relative to the native asset.
func (r Request) Direction() string {
	switch {
	case r.InputMint.Equals(solanago.WrappedSol):
		return "buy"
	case r.OutputMint.Equals(solanago.WrappedSol):
		return "sell"
	}
	return "other"
}

// Executor quotes, signs, simulates and submits swaps.
type Executor struct {
	router  Router
	client  *solana.Client
	waiter  *solana.Waiter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewExecutor creates an Executor. If metrics is nil, no metrics are recorded.
func NewExecutor(router Router, client *solana.Client, waiter *solana.Waiter, m *metrics.Metrics, logger *slog.Logger) *Executor {
	return &Executor{
		router:  router,
		client:  client,
		waiter:  waiter,
		metrics: m,
		logger:  logger.With("component", "swap_executor"),
	}
}

// Swap executes req. Nothing is broadcast unless simulation of the signed
// transaction is clean. An expired swap is returned together with an error
// wrapping solana.ErrExpired. An Unknown outcome is returned with an
// *solana.AmbiguousOutcomeError: the swap was confirmed but may have failed.
func (e *Executor) Swap(ctx context.Context, req Request) (*solana.Outcome, error) {
	direction := req.Direction()
	user := req.Signer.PublicKey()
	logger := e.logger.With(
		"owner", user.String(),
		"direction", direction,
		"input_mint", req.InputMint.String(),
		"output_mint", req.OutputMint.String(),
		"amount", req.Amount,
	)

	if req.Amount == 0 {
		e.record(direction, "rejected")
		return nil, fmt.Errorf("%w: swap amount is zero", solana.ErrInsufficientFunds)
	}

	quote, err := e.router.Quote(ctx, QuoteRequest{
		InputMint:   req.InputMint,
		OutputMint:  req.OutputMint,
		Amount:      req.Amount,
		SlippageBps: req.SlippageBps,
	})
	if err != nil {
		e.record(direction, "no_quote")
		return nil, err
	}

	built, err := e.router.BuildSwap(ctx, quote, user)
	if err != nil {
		e.record(direction, "no_quote")
		return nil, err
	}

	tx, err := solanago.TransactionFromBase64(built.SwapTransaction)
	if err != nil {
		e.record(direction, "no_quote")
		return nil, fmt.Errorf("%w: failed to decode swap transaction: %v", solana.ErrQuoteUnavailable, err)
	}
	if _, err := tx.Sign(func(key solanago.PublicKey) *solanago.PrivateKey {
		if key.Equals(user) {
			return &req.Signer
		}
		return nil
	}); err != nil {
		e.record(direction, "error")
		return nil, fmt.Errorf("failed to sign swap transaction: %w", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		e.record(direction, "error")
		return nil, fmt.Errorf("failed to serialize swap transaction: %w", err)
	}

	sim, err := e.client.Simulate(ctx, raw)
	if err != nil {
		e.record(direction, "error")
		return nil, fmt.Errorf("failed to simulate swap: %w", err)
	}
	if sim.Err != nil {
		logger.ErrorContext(ctx, "swap simulation failed, not submitting",
			"error", sim.Err,
			"logs", sim.Logs,
		)
		if e.metrics != nil {
			e.metrics.RecordSimulationFailure()
		}
		e.record(direction, "simulation_failed")
		return nil, &solana.SimulationError{Err: sim.Err, Logs: sim.Logs}
	}

	logger.InfoContext(ctx, "submitting swap",
		"out_amount", quote.OutAmount,
		"signature", tx.Signatures[0].String(),
	)

	outcome, err := e.waiter.SendAndConfirm(ctx, raw, built.LastValidBlockHeight)
	if err != nil {
		e.record(direction, "send_error")
		return nil, err
	}

	switch outcome.Status {
	case solana.StatusConfirmed:
		if outcome.Record.Failed() {
			e.record(direction, "failed")
			return outcome, &solana.TransactionFailedError{Signature: outcome.Signature, Err: *outcome.Record.Err}
		}
	case solana.StatusExpired:
		e.record(direction, string(outcome.Status))
		return outcome, fmt.Errorf("%w: swap %s", solana.ErrExpired, outcome.Signature)
	case solana.StatusUnknown:
		logger.ErrorContext(ctx, "swap confirmed but record unavailable, manual review required",
			"signature", outcome.Signature.String(),
		)
		e.record(direction, string(outcome.Status))
		if e.metrics != nil {
			e.metrics.RecordAmbiguousOutcome("swap")
		}
		return outcome, &solana.AmbiguousOutcomeError{
			Owner:     user,
			Candidate: outcome.Signature,
			Reason:    "swap confirmed but its execution result could not be read",
		}
	}

	e.record(direction, string(outcome.Status))
	return outcome, nil
}

func (e *Executor) record(direction, result string) {
	if e.metrics != nil {
		e.metrics.RecordSwap(direction, result)
	}
}
