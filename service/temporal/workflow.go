package temporal

import (
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/orbitt/service/rotation"
	"github.com/brojonat/orbitt/service/solana"
	"github.com/google/uuid"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// Order statuses set by the workflow. They match the values in service/db.
const (
	statusHalted    = "halted"
	statusCompleted = "completed"
)

// RotationInput is the durable state of a rotation. It carries positions
// and timings only, never keys.
type RotationInput struct {
	OrderID     string        `json:"order_id"`
	Index       int           `json:"index"`
	Completed   int           `json:"completed"`     // completed steps across runs
	MaxSteps    int           `json:"max_steps"`     // 0 rotates until cancelled
	StepsPerRun int           `json:"steps_per_run"` // steps before continue-as-new
	SettleDelay time.Duration `json:"settle_delay"`
	StepDelay   time.Duration `json:"step_delay"`
	CoolDown    time.Duration `json:"cool_down"`
}

// RotationResult summarises a finished rotation run.
type RotationResult struct {
	OrderID   string `json:"order_id"`
	Index     int    `json:"index"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Halted    bool   `json:"halted"`
}

// RotationWorkflow drives an order's ring one step at a time: inspect, trade,
// settle, forward, record. A failed step is retried on the same member after
// the cool-down. An ambiguous outcome halts the order and fails the workflow.
// History is bounded by continuing as new every StepsPerRun steps.
func RotationWorkflow(ctx workflow.Context, input RotationInput) (*RotationResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("RotationWorkflow started", "order_id", input.OrderID, "index", input.Index, "completed", input.Completed)

	result := &RotationResult{
		OrderID:   input.OrderID,
		Index:     input.Index,
		Completed: input.Completed,
	}

	// Reads and bookkeeping are safe to retry.
	readCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})
	// Submissions retry internally; a second activity attempt could move
	// funds twice.
	writeCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	// Steps are recorded even when the workflow is being cancelled.
	recordCtx, _ := workflow.NewDisconnectedContext(readCtx)

	steps := 0
	for {
		step, next, err := runStep(ctx, readCtx, writeCtx, input.OrderID, result.Index, input.SettleDelay)

		if recErr := workflow.ExecuteActivity(recordCtx, a.RecordStep, RecordStepInput{Step: *step}).Get(recordCtx, nil); recErr != nil {
			logger.Warn("failed to record step", "order_id", input.OrderID, "step_id", step.ID.String(), "error", recErr)
		}

		if err != nil {
			if temporalsdk.IsCanceledError(err) {
				return result, err
			}
			if step.Status == rotation.StepHalted {
				result.Halted = true
				logger.Error("rotation halted, manual review required", "order_id", input.OrderID, "index", result.Index, "error", err)
				_ = workflow.ExecuteActivity(readCtx, a.UpdateOrderStatus, UpdateOrderStatusInput{
					OrderID: input.OrderID,
					Status:  statusHalted,
				}).Get(ctx, nil)
				return result, temporalsdk.NewNonRetryableApplicationError(
					fmt.Sprintf("rotation %s halted at member %d", input.OrderID, result.Index),
					ErrTypeAmbiguousOutcome, err)
			}
			result.Failed++
			logger.Warn("rotation step failed, cooling down", "order_id", input.OrderID, "index", result.Index, "error", err)
			if err := workflow.Sleep(ctx, input.CoolDown); err != nil {
				return result, err
			}
			continue
		}

		result.Completed++
		result.Index = next
		steps++

		if input.MaxSteps > 0 && result.Completed >= input.MaxSteps {
			if err := workflow.ExecuteActivity(readCtx, a.UpdateOrderStatus, UpdateOrderStatusInput{
				OrderID: input.OrderID,
				Status:  statusCompleted,
			}).Get(ctx, nil); err != nil {
				logger.Warn("failed to mark order completed", "order_id", input.OrderID, "error", err)
			}
			logger.Info("RotationWorkflow completed", "order_id", input.OrderID, "completed", result.Completed)
			return result, nil
		}

		if err := workflow.Sleep(ctx, input.StepDelay); err != nil {
			return result, err
		}

		if input.StepsPerRun > 0 && steps >= input.StepsPerRun {
			logger.Info("continuing as new", "order_id", input.OrderID, "index", result.Index, "completed", result.Completed)
			cont := input
			cont.Index = result.Index
			cont.Completed = result.Completed
			return result, workflow.NewContinueAsNewError(ctx, RotationWorkflow, cont)
		}
	}
}

// runStep executes one step and returns it with the next member's index.
// The step is always non-nil and carries its final status.
func runStep(ctx, readCtx, writeCtx workflow.Context, orderID string, index int, settle time.Duration) (*rotation.Step, int, error) {
	var id uuid.UUID
	encoded := workflow.SideEffect(ctx, func(workflow.Context) interface{} { return uuid.New() })
	if err := encoded.Get(&id); err != nil {
		id = uuid.Nil
	}

	step := &rotation.Step{
		ID:        id,
		OrderID:   orderID,
		Index:     index,
		StartedAt: workflow.Now(ctx),
	}
	next, err := stepPhases(ctx, readCtx, writeCtx, step, settle)
	step.FinishedAt = workflow.Now(ctx)

	switch {
	case err == nil:
		step.Status = rotation.StepCompleted
	case isAmbiguous(err):
		step.Status = rotation.StepHalted
		step.Error = err.Error()
	default:
		step.Status = rotation.StepFailed
		step.Error = err.Error()
	}
	return step, next, err
}

func stepPhases(ctx, readCtx, writeCtx workflow.Context, step *rotation.Step, settle time.Duration) (int, error) {
	in := StepInput{OrderID: step.OrderID, Index: step.Index}

	var snap solana.Snapshot
	if err := workflow.ExecuteActivity(readCtx, a.InspectBalance, in).Get(ctx, &snap); err != nil {
		return 0, fmt.Errorf("failed to inspect balances: %w", err)
	}
	step.From = snap.Owner.String()
	step.RelativeNative = snap.RelativeNative

	var trade TradeResult
	err := workflow.ExecuteActivity(writeCtx, a.ExecuteTrade, ExecuteTradeInput{
		OrderID:  step.OrderID,
		Index:    step.Index,
		Snapshot: &snap,
	}).Get(ctx, &trade)
	if err != nil {
		return 0, fmt.Errorf("failed to trade: %w", err)
	}
	step.Action = trade.Action
	step.TradeAmount = trade.Amount
	step.TradeSignature = trade.Signature
	step.TradeError = trade.Error

	if trade.Action != rotation.ActionHold && trade.Amount > 0 {
		if err := workflow.Sleep(ctx, settle); err != nil {
			return 0, err
		}
	}

	var fwd ForwardResult
	if err := workflow.ExecuteActivity(writeCtx, a.ForwardFunds, in).Get(ctx, &fwd); err != nil {
		return 0, fmt.Errorf("failed to forward funds: %w", err)
	}
	step.To = fwd.To
	step.ForwardSignature = fwd.Signature
	step.ForwardLamports = fwd.Lamports
	step.ForwardTokens = fwd.Tokens
	step.ForwardProbable = fwd.Probable
	return fwd.NextIndex, nil
}

func isAmbiguous(err error) bool {
	var appErr *temporalsdk.ApplicationError
	return errors.As(err, &appErr) && appErr.Type() == ErrTypeAmbiguousOutcome
}

// NewRotationInput returns the initial state of a rotation starting at member
// start, taking its timings and step limit from cfg.
func NewRotationInput(orderID string, start int, cfg rotation.Config, stepsPerRun int) RotationInput {
	return RotationInput{
		OrderID:     orderID,
		Index:       start,
		MaxSteps:    cfg.MaxSteps,
		StepsPerRun: stepsPerRun,
		SettleDelay: cfg.SettleDelay,
		StepDelay:   cfg.StepDelay,
		CoolDown:    cfg.CoolDown,
	}
}
