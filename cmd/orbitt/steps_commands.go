package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/brojonat/orbitt/client"
	natspkg "github.com/brojonat/orbitt/service/nats"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

func stepsCommand() *cli.Command {
	return &cli.Command{
		Name:      "steps",
		Usage:     "List or follow an order's rotation steps",
		ArgsUsage: "[ORDER_ID]",
		Description: `Lists recorded steps from the database, or from the server when
--server-url is set. With --follow, streams new steps from NATS instead;
ORDER_ID may then be omitted to follow every order.

Each --jq filter is evaluated against the step's JSON and must be truthy
for the step to be shown, for example:

  orbitt steps order-1 --jq '.status == "halted"'
  orbitt steps --follow --jq '.forward_lamports > 1000000000'`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Value:   50,
				Usage:   "Maximum number of steps to list",
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter steps must satisfy (repeatable; all must match)",
			},
			&cli.BoolFlag{
				Name:    "follow",
				Aliases: []string{"f"},
				Usage:   "Stream new steps from NATS",
			},
			&cli.BoolFlag{
				Name:  "replay",
				Usage: "With --follow, deliver retained steps before new ones",
			},
		},
		Action: func(c *cli.Context) error {
			orderID := c.Args().First()
			filters, err := compileFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}
			if c.Bool("follow") {
				return followSteps(c, orderID, filters)
			}
			if orderID == "" {
				return fmt.Errorf("ORDER_ID is required")
			}
			limit := c.Int("limit")
			if limit < 1 || limit > 1000 {
				return fmt.Errorf("--limit must be between 1 and 1000")
			}

			steps, err := loadSteps(c, orderID, limit)
			if err != nil {
				return err
			}
			steps, err = filters.Filter(steps)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(steps)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "FINISHED\tINDEX\tFROM\tTO\tACTION\tSTATUS\tFORWARD\tERROR")
			for _, s := range steps {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					s.FinishedAt.Format(time.RFC3339),
					s.Index,
					shortAddress(s.From),
					shortAddress(s.To),
					s.Action,
					s.Status,
					shortAddress(s.ForwardSignature),
					s.Error,
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d steps\n", len(steps))
			return nil
		},
	}
}

// loadSteps reads steps from the server when --server-url is set, otherwise
// from the database. Newest first.
func loadSteps(c *cli.Context, orderID string, limit int) ([]*natspkg.StepEvent, error) {
	if serverURL := c.String("server-url"); serverURL != "" {
		steps, err := client.NewClient(serverURL, nil, getLogger(c)).ListSteps(c.Context, orderID, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to list steps: %w", err)
		}
		out := make([]*natspkg.StepEvent, len(steps))
		for i, s := range steps {
			out[i] = stepEventFromClient(s)
		}
		return out, nil
	}

	store, closer, err := getStore(c)
	if err != nil {
		return nil, err
	}
	defer closer()

	steps, err := store.ListSteps(c.Context, orderID, int32(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	out := make([]*natspkg.StepEvent, len(steps))
	for i, s := range steps {
		out[i] = natspkg.FromStep(s)
	}
	return out, nil
}

func followSteps(c *cli.Context, orderID string, filters stepFilters) error {
	natsURL := c.String("nats-url")
	if natsURL == "" {
		return fmt.Errorf("--follow needs nats-url (set NATS_URL env var or use --nats-url)")
	}
	logger := getLogger(c)

	nc, js, err := natspkg.Connect(natsURL, "orbitt-cli")
	if err != nil {
		return err
	}
	defer nc.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	target := orderID
	if target == "" {
		target = "all orders"
	}
	fmt.Fprintf(os.Stderr, "Following steps for %s (Ctrl+C to stop)\n", target)

	enc := json.NewEncoder(os.Stdout)
	err = natspkg.Follow(ctx, js, natspkg.FollowOptions{OrderID: orderID, All: c.Bool("replay")}, logger, func(ev *natspkg.StepEvent) {
		ok, err := filters.Match(ev)
		if err != nil {
			logger.Debug("jq filter error", "step_id", ev.StepID, "error", err)
			return
		}
		if !ok {
			return
		}
		if c.Bool("json") {
			_ = enc.Encode(ev)
			return
		}
		fmt.Printf("[%s] %s #%d %s -> %s %s %s",
			ev.FinishedAt.Format(time.RFC3339),
			ev.OrderID,
			ev.Index,
			shortAddress(ev.From),
			shortAddress(ev.To),
			ev.Action,
			ev.Status,
		)
		if ev.Error != "" {
			fmt.Printf(" (%s)", ev.Error)
		}
		fmt.Println()
	})
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// stepFilters are compiled jq filters; a step matches when every filter's
// first result is truthy.
type stepFilters []*gojq.Code

func compileFilters(exprs []string) (stepFilters, error) {
	filters := make(stepFilters, len(exprs))
	for i, expr := range exprs {
		query, err := gojq.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
		}
		filters[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
		}
	}
	return filters, nil
}

// Match reports whether ev satisfies every filter.
func (f stepFilters) Match(ev *natspkg.StepEvent) (bool, error) {
	if len(f) == 0 {
		return true, nil
	}
	// gojq runs on plain JSON values.
	data, err := json.Marshal(ev)
	if err != nil {
		return false, err
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return false, err
	}

	for _, code := range f {
		iter := code.RunWithContext(context.Background(), v)
		result, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if err, isErr := result.(error); isErr {
			return false, err
		}
		if !isTruthy(result) {
			return false, nil
		}
	}
	return true, nil
}

// Filter returns the steps that match. A filter error fails the whole list.
func (f stepFilters) Filter(steps []*natspkg.StepEvent) ([]*natspkg.StepEvent, error) {
	if len(f) == 0 {
		return steps, nil
	}
	out := make([]*natspkg.StepEvent, 0, len(steps))
	for _, s := range steps {
		ok, err := f.Match(s)
		if err != nil {
			return nil, fmt.Errorf("jq filter failed on step %s: %w", s.StepID, err)
		}
		if ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// isTruthy follows jq: only false and null are falsy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func stepEventFromClient(s *client.Step) *natspkg.StepEvent {
	return &natspkg.StepEvent{
		StepID:           s.StepID,
		OrderID:          s.OrderID,
		Index:            s.Index,
		From:             s.From,
		To:               s.To,
		RelativeNative:   s.RelativeNative.StringFixed(4),
		Action:           s.Action,
		TradeAmount:      s.TradeAmount,
		TradeSignature:   s.TradeSignature,
		TradeError:       s.TradeError,
		ForwardSignature: s.ForwardSignature,
		ForwardLamports:  s.ForwardLamports,
		ForwardTokens:    s.ForwardTokens,
		ForwardProbable:  s.ForwardProbable,
		Status:           s.Status,
		Error:            s.Error,
		StartedAt:        s.StartedAt,
		FinishedAt:       s.FinishedAt,
	}
}

func shortAddress(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:4] + ".." + s[len(s)-4:]
}
