package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/brojonat/orbitt/client"
	"github.com/brojonat/orbitt/service/app"
	"github.com/brojonat/orbitt/service/db"
	natspkg "github.com/brojonat/orbitt/service/nats"
	"github.com/brojonat/orbitt/service/rotation"
	"github.com/brojonat/orbitt/service/solana"
	"github.com/brojonat/orbitt/service/temporal"
	"github.com/urfave/cli/v2"
)

func runRotationCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Rotate an order's ring in this process until interrupted",
		ArgsUsage: "ORDER_ID",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "start",
				Usage: "Ring member to start from",
			},
			&cli.IntFlag{
				Name:  "max-steps",
				Usage: "Stop after this many completed steps (0 runs until interrupted)",
			},
		},
		Action: func(c *cli.Context) error {
			orderID, err := requireArg(c, "ORDER_ID")
			if err != nil {
				return err
			}
			if c.Int("start") < 0 || c.Int("max-steps") < 0 {
				return fmt.Errorf("--start and --max-steps cannot be negative")
			}
			logger := getLogger(c)

			cfg, core, err := getCore(c)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			var (
				store  *db.Store
				ledger rotation.Ledger
				events rotation.EventPublisher
			)
			if cfg.DatabaseURL != "" {
				s, pool, err := app.OpenStore(ctx, cfg.DatabaseURL, nil, logger)
				if err != nil {
					return err
				}
				defer pool.Close()
				store, ledger = s, s
			}
			if url := c.String("nats-url"); url != "" {
				publisher, err := natspkg.NewPublisher(url, nil, logger)
				if err != nil {
					return err
				}
				defer publisher.Close()
				events = publisher
			}

			rings, err := app.Rings(cfg, store)
			if err != nil {
				return err
			}
			ring, err := rings.GetRing(ctx, orderID)
			if err != nil {
				return fmt.Errorf("failed to load ring: %w", err)
			}

			rcfg := cfg.RotationConfig()
			rcfg.MaxSteps = c.Int("max-steps")
			stepper := rotation.NewStepper(core.Inspector, core.Swaps, core.Transfers, rcfg, nil, logger)

			fmt.Fprintf(os.Stderr, "Rotating %s across %d members (Ctrl+C to stop)\n", orderID, len(ring.Members))
			err = rotation.NewLoop(stepper, ledger, events, logger).Run(ctx, ring, c.Int("start"))
			if store != nil {
				setOrderStatus(c, store, orderID, err)
			}
			if ctx.Err() != nil && errors.Is(err, context.Canceled) {
				fmt.Fprintln(os.Stderr, "Rotation stopped")
				return nil
			}
			return err
		},
	}
}

// setOrderStatus mirrors a local run's outcome onto the order.
func setOrderStatus(c *cli.Context, store *db.Store, orderID string, runErr error) {
	var status string
	switch {
	case runErr == nil:
		status = db.OrderCompleted
	case errors.Is(runErr, context.Canceled):
		status = db.OrderStopped
	case errors.Is(runErr, solana.ErrAmbiguousOutcome):
		status = db.OrderHalted
	default:
		return
	}
	if _, err := store.UpdateOrderStatus(context.WithoutCancel(c.Context), orderID, status, nil); err != nil && !errors.Is(err, db.ErrNotFound) {
		getLogger(c).Warn("failed to update order status", "order_id", orderID, "error", err)
	}
}

func startRotationCommand() *cli.Command {
	defaults := rotation.DefaultConfig()
	return &cli.Command{
		Name:      "start",
		Usage:     "Start an order's rotation workflow",
		ArgsUsage: "ORDER_ID",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "start",
				Usage: "Ring member to start from",
			},
			&cli.IntFlag{
				Name:  "max-steps",
				Usage: "Stop after this many completed steps (0 runs until stopped)",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Restart a halted order",
			},
			&cli.DurationFlag{
				Name:  "step-delay",
				Usage: "Pause between steps",
				Value: defaults.StepDelay,
			},
			&cli.DurationFlag{
				Name:  "settle-delay",
				Usage: "Pause between a trade and the forward",
				Value: defaults.SettleDelay,
			},
			&cli.DurationFlag{
				Name:  "cool-down",
				Usage: "Pause before retrying a failed step",
				Value: defaults.CoolDown,
			},
			&cli.IntFlag{
				Name:  "steps-per-run",
				Usage: "Workflow steps before continue-as-new",
				Value: 100,
			},
		},
		Action: func(c *cli.Context) error {
			orderID, err := requireArg(c, "ORDER_ID")
			if err != nil {
				return err
			}
			if c.Int("start") < 0 || c.Int("max-steps") < 0 {
				return fmt.Errorf("--start and --max-steps cannot be negative")
			}
			if c.Int("steps-per-run") < 1 {
				return fmt.Errorf("--steps-per-run must be at least 1")
			}

			if serverURL := c.String("server-url"); serverURL != "" {
				opts := client.StartOptions{Start: c.Int("start"), Force: c.Bool("force")}
				if c.IsSet("max-steps") {
					maxSteps := c.Int("max-steps")
					opts.MaxSteps = &maxSteps
				}
				order, err := client.NewClient(serverURL, nil, getLogger(c)).StartRotation(c.Context, orderID, opts)
				if err != nil {
					return fmt.Errorf("failed to start rotation: %w", err)
				}
				return printRotationOrder(c, "started", order.ID, order.Status, order.WorkflowID)
			}

			rotations, closer, err := getRotations(c)
			if err != nil {
				return err
			}
			defer closer()

			input := temporal.RotationInput{
				OrderID:     orderID,
				Index:       c.Int("start"),
				MaxSteps:    c.Int("max-steps"),
				StepsPerRun: c.Int("steps-per-run"),
				SettleDelay: c.Duration("settle-delay"),
				StepDelay:   c.Duration("step-delay"),
				CoolDown:    c.Duration("cool-down"),
			}
			order, err := rotations.Start(c.Context, input, c.Bool("force"))
			if err != nil {
				return fmt.Errorf("failed to start rotation: %w", err)
			}
			return printRotationOrder(c, "started", order.ID, order.Status, order.WorkflowID)
		},
	}
}

func stopRotationCommand() *cli.Command {
	return &cli.Command{
		Name:      "stop",
		Usage:     "Stop an order's rotation workflow",
		ArgsUsage: "ORDER_ID",
		Action: func(c *cli.Context) error {
			orderID, err := requireArg(c, "ORDER_ID")
			if err != nil {
				return err
			}

			if serverURL := c.String("server-url"); serverURL != "" {
				order, err := client.NewClient(serverURL, nil, getLogger(c)).StopRotation(c.Context, orderID)
				if err != nil {
					return fmt.Errorf("failed to stop rotation: %w", err)
				}
				return printRotationOrder(c, "stopped", order.ID, order.Status, order.WorkflowID)
			}

			rotations, closer, err := getRotations(c)
			if err != nil {
				return err
			}
			defer closer()

			order, err := rotations.Stop(c.Context, orderID)
			if err != nil {
				return fmt.Errorf("failed to stop rotation: %w", err)
			}
			return printRotationOrder(c, "stopped", order.ID, order.Status, order.WorkflowID)
		},
	}
}

// getRotations connects to the database and Temporal.
func getRotations(c *cli.Context) (*temporal.OrderRotations, func(), error) {
	store, closeStore, err := getStore(c)
	if err != nil {
		return nil, nil, err
	}
	tc, err := temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		getLogger(c),
	)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	closer := func() {
		tc.Close()
		closeStore()
	}
	return temporal.NewOrderRotations(tc, store), closer, nil
}

func printRotationOrder(c *cli.Context, verb, orderID, status string, workflowID *string) error {
	if c.Bool("json") {
		return outputJSON(map[string]interface{}{
			"order_id":    orderID,
			"status":      status,
			"workflow_id": workflowID,
		})
	}
	fmt.Printf("Rotation %s\n", verb)
	fmt.Printf("  Order:    %s\n", orderID)
	fmt.Printf("  Status:   %s\n", status)
	fmt.Printf("  Workflow: %s\n", formatOptional(workflowID))
	return nil
}
