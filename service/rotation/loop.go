package rotation

import (
	"context"
	"errors"
	"log/slog"

	"github.com/brojonat/orbitt/service/solana"
	"github.com/brojonat/orbitt/service/wait"
)

// Ledger persists rotation steps.
type Ledger interface {
	RecordStep(ctx context.Context, step *Step) error
}

// EventPublisher announces rotation steps.
type EventPublisher interface {
	PublishStep(ctx context.Context, step *Step) error
}

// Loop drives a ring around indefinitely, one Stepper step at a time.
type Loop struct {
	stepper *Stepper
	ledger  Ledger         // optional
	events  EventPublisher // optional
	logger  *slog.Logger
}

// NewLoop creates a Loop. ledger and events may be nil.
func NewLoop(stepper *Stepper, ledger Ledger, events EventPublisher, logger *slog.Logger) *Loop {
	return &Loop{
		stepper: stepper,
		ledger:  ledger,
		events:  events,
		logger:  logger.With("component", "rotation_loop"),
	}
}

// Run rotates ring starting at member start until ctx is cancelled or
// MaxSteps steps have completed. A failed step is retried on the same member
// after the cool-down. An ambiguous outcome stops the loop and is returned:
// the funds may or may not have moved and only an operator can tell.
func (l *Loop) Run(ctx context.Context, ring Ring, start int) error {
	if err := ring.Validate(); err != nil {
		return err
	}
	cfg := l.stepper.Config()
	index := start % len(ring.Members)
	completed := 0

	l.logger.InfoContext(ctx, "rotation started",
		"order_id", ring.OrderID,
		"mint", ring.Mint.String(),
		"members", len(ring.Members),
		"start", index,
	)

	for {
		step, err := l.stepper.Step(ctx, ring, index)
		l.record(ctx, step)

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, solana.ErrAmbiguousOutcome) {
				l.logger.ErrorContext(ctx, "rotation halted, manual review required",
					"order_id", ring.OrderID,
					"index", index,
					"error", err,
				)
				return err
			}
			l.logger.WarnContext(ctx, "rotation step failed, cooling down",
				"order_id", ring.OrderID,
				"index", index,
				"cool_down", cfg.CoolDown,
			)
			if err := wait.Wait(ctx, cfg.CoolDown); err != nil {
				return err
			}
			continue
		}

		completed++
		if cfg.MaxSteps > 0 && completed >= cfg.MaxSteps {
			l.logger.InfoContext(ctx, "rotation finished", "order_id", ring.OrderID, "steps", completed)
			return nil
		}
		index = ring.Next(index)
		if err := wait.Wait(ctx, cfg.StepDelay); err != nil {
			return err
		}
	}
}

// record hands step to the ledger and publisher. Their failures are logged,
// never fatal to the rotation.
func (l *Loop) record(ctx context.Context, step *Step) {
	if step == nil {
		return
	}
	// A cancelled rotation still records its last step.
	ctx = context.WithoutCancel(ctx)
	if l.ledger != nil {
		if err := l.ledger.RecordStep(ctx, step); err != nil {
			l.logger.WarnContext(ctx, "failed to record rotation step", "step_id", step.ID.String(), "error", err)
		}
	}
	if l.events != nil {
		if err := l.events.PublishStep(ctx, step); err != nil {
			l.logger.WarnContext(ctx, "failed to publish rotation step", "step_id", step.ID.String(), "error", err)
		}
	}
}
