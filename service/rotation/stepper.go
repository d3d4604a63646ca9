package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/orbitt/service/metrics"
	"github.com/brojonat/orbitt/service/solana"
	"github.com/brojonat/orbitt/service/swap"
	"github.com/brojonat/orbitt/service/wait"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Inspector reads a wallet's portfolio, creating its token account if needed.
type Inspector interface {
	Inspect(ctx context.Context, signer solanago.PrivateKey, mint solanago.PublicKey) (*solana.Snapshot, error)
}

// Swapper executes a single swap.
type Swapper interface {
	Swap(ctx context.Context, req swap.Request) (*solana.Outcome, error)
}

// Forwarder moves SOL and tokens atomically.
type Forwarder interface {
	SendCombined(ctx context.Context, req solana.CombinedTransfer) (*solana.TransferResult, error)
}

// Config tunes a rotation.
type Config struct {
	Thresholds     Thresholds
	TradePercent   decimal.Decimal // share of the sold asset traded per step
	ForwardPercent decimal.Decimal // share of both balances forwarded per step
	SlippageBps    int
	SettleDelay    time.Duration // between the trade and the forward
	StepDelay      time.Duration // between steps
	CoolDown       time.Duration // before retrying a failed step
	MaxSteps       int           // completed steps before Run returns; 0 runs until cancelled
}

// DefaultConfig returns the standard rotation settings.
func DefaultConfig() Config {
	return Config{
		Thresholds:     DefaultThresholds(),
		TradePercent:   decimal.NewFromInt(10),
		ForwardPercent: decimal.NewFromInt(90),
		SlippageBps:    50,
		SettleDelay:    3 * time.Second,
		StepDelay:      60 * time.Second,
		CoolDown:       60 * time.Second,
	}
}

// Trade is the decision and result of the trade phase of a step.
type Trade struct {
	Action    Action
	Amount    uint64
	Signature string
	Err       error
}

// Stepper executes single rotation steps.
type Stepper struct {
	inspector Inspector
	swapper   Swapper
	forwarder Forwarder
	cfg       Config
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewStepper creates a Stepper. If metrics is nil, no metrics are recorded.
func NewStepper(inspector Inspector, swapper Swapper, forwarder Forwarder, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Stepper {
	return &Stepper{
		inspector: inspector,
		swapper:   swapper,
		forwarder: forwarder,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.With("component", "rotation_stepper"),
	}
}

// Config returns the stepper's configuration.
func (s *Stepper) Config() Config {
	return s.cfg
}

// Inspect returns the wallet's snapshot and records its native share.
func (s *Stepper) Inspect(ctx context.Context, signer solanago.PrivateKey, mint solanago.PublicKey) (*solana.Snapshot, error) {
	snap, err := s.inspector.Inspect(ctx, signer, mint)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		share, _ := snap.RelativeNative.Float64()
		s.metrics.RecordNativeShare(snap.Owner.String(), share)
	}
	return snap, nil
}

// Trade decides and executes the trade for snap. Quote, simulation and
// submission failures abort the step and are returned. An expired swap never
// landed, so it is only noted in Trade.Err and the step goes on to forward.
func (s *Stepper) Trade(ctx context.Context, signer solanago.PrivateKey, snap *solana.Snapshot) (Trade, error) {
	t := Trade{Action: Decide(snap.RelativeNative, s.cfg.Thresholds)}
	logger := s.logger.With("owner", snap.Owner.String(), "action", t.Action)

	req := swap.Request{
		Signer:      signer,
		SlippageBps: s.cfg.SlippageBps,
	}
	switch t.Action {
	case ActionHold:
		logger.InfoContext(ctx, "holding", "relative_native", snap.RelativeNative.StringFixed(4))
		return t, nil
	case ActionBuy:
		req.InputMint, req.OutputMint = solanago.WrappedSol, snap.Mint
		t.Amount = Percent(snap.Lamports, s.cfg.TradePercent)
	case ActionSell:
		req.InputMint, req.OutputMint = snap.Mint, solanago.WrappedSol
		t.Amount = Percent(snap.TokenAmount, s.cfg.TradePercent)
	}
	if t.Amount == 0 {
		logger.InfoContext(ctx, "nothing to trade")
		return t, nil
	}
	req.Amount = t.Amount

	out, err := s.swapper.Swap(ctx, req)
	if out != nil {
		t.Signature = out.Signature.String()
	}
	switch {
	case err == nil:
		logger.InfoContext(ctx, "trade executed", "amount", t.Amount, "signature", t.Signature)
		return t, nil
	case errors.Is(err, solana.ErrExpired) && ctx.Err() == nil:
		logger.WarnContext(ctx, "trade expired, continuing with forward", "amount", t.Amount, "signature", t.Signature)
		t.Err = err
		return t, nil
	default:
		return t, fmt.Errorf("failed to trade: %w", err)
	}
}

// Forward re-reads the wallet and forwards ForwardPercent of both balances
// to the next ring member in one transaction.
func (s *Stepper) Forward(ctx context.Context, signer solanago.PrivateKey, to, mint solanago.PublicKey) (*solana.TransferResult, error) {
	snap, err := s.Inspect(ctx, signer, mint)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh balances: %w", err)
	}
	return s.forwarder.SendCombined(ctx, solana.CombinedTransfer{
		From:     signer,
		To:       to,
		Mint:     mint,
		Lamports: Percent(snap.Lamports, s.cfg.ForwardPercent),
		Tokens:   Percent(snap.TokenAmount, s.cfg.ForwardPercent),
	})
}

// Step runs one hop for the member at index: inspect, trade, settle, then
// forward to the next member. The returned Step is always non-nil.
func (s *Stepper) Step(ctx context.Context, ring Ring, index int) (*Step, error) {
	signer := ring.Members[index]
	to := ring.Members[ring.Next(index)].PublicKey()
	step := &Step{
		ID:        uuid.New(),
		OrderID:   ring.OrderID,
		Index:     index,
		From:      signer.PublicKey().String(),
		To:        to.String(),
		StartedAt: time.Now(),
	}
	logger := s.logger.With("order_id", ring.OrderID, "index", index, "from", step.From, "to", step.To)

	err := s.step(ctx, step, signer, to, ring.Mint)
	step.FinishedAt = time.Now()
	switch {
	case err == nil:
		step.Status = StepCompleted
		logger.InfoContext(ctx, "rotation step completed",
			"action", step.Action,
			"forward_lamports", step.ForwardLamports,
			"forward_tokens", step.ForwardTokens,
			"forward_signature", step.ForwardSignature,
		)
	case errors.Is(err, solana.ErrAmbiguousOutcome):
		step.Status = StepHalted
		step.Error = err.Error()
		logger.ErrorContext(ctx, "rotation step outcome is ambiguous", "error", err)
	default:
		step.Status = StepFailed
		step.Error = err.Error()
		logger.WarnContext(ctx, "rotation step failed", "error", err)
	}
	if s.metrics != nil {
		s.metrics.RecordRotationStep(string(step.Status), step.FinishedAt.Sub(step.StartedAt).Seconds())
	}
	return step, err
}

func (s *Stepper) step(ctx context.Context, step *Step, signer solanago.PrivateKey, to, mint solanago.PublicKey) error {
	snap, err := s.Inspect(ctx, signer, mint)
	if err != nil {
		return fmt.Errorf("failed to inspect balances: %w", err)
	}
	step.RelativeNative = snap.RelativeNative

	trade, err := s.Trade(ctx, signer, snap)
	step.Action = trade.Action
	step.TradeAmount = trade.Amount
	step.TradeSignature = trade.Signature
	if trade.Err != nil {
		step.TradeError = trade.Err.Error()
	}
	if err != nil {
		return err
	}

	if trade.Action != ActionHold && trade.Amount > 0 {
		if err := wait.Wait(ctx, s.cfg.SettleDelay); err != nil {
			return err
		}
	}

	res, err := s.Forward(ctx, signer, to, mint)
	if err != nil {
		return fmt.Errorf("failed to forward funds: %w", err)
	}
	step.ForwardSignature = res.Signature.String()
	step.ForwardLamports = res.Lamports
	step.ForwardTokens = res.Tokens
	step.ForwardProbable = res.Probable
	return nil
}
