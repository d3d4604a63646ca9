package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/orbitt/service/metrics"
	"github.com/brojonat/orbitt/service/wait"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/sync/errgroup"
)

// WaiterConfig controls the submit-and-confirm loop.
type WaiterConfig struct {
	ResendInterval time.Duration // rebroadcast period while unconfirmed
	PollInterval   time.Duration // status / block height polling period
	SafetyMargin   uint64        // blocks subtracted from the last valid block height
	LookupAttempts int           // GetTransaction attempts after confirmation
	LookupSpacing  time.Duration // spacing between lookup attempts
}

// DefaultWaiterConfig returns the production timings.
func DefaultWaiterConfig() WaiterConfig {
	return WaiterConfig{
		ResendInterval: 2 * time.Second,
		PollInterval:   2 * time.Second,
		SafetyMargin:   150,
		LookupAttempts: 5,
		LookupSpacing:  time.Second,
	}
}

// Waiter submits a signed transaction and drives it to a terminal Outcome.
type Waiter struct {
	client     *Client
	subscriber SignatureSubscriber // optional
	cfg        WaiterConfig
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewWaiter creates a Waiter. subscriber may be nil, in which case only
// polling is used to detect confirmation.
func NewWaiter(client *Client, subscriber SignatureSubscriber, cfg WaiterConfig, m *metrics.Metrics, logger *slog.Logger) *Waiter {
	return &Waiter{
		client:     client,
		subscriber: subscriber,
		cfg:        cfg,
		metrics:    m,
		logger:     logger.With("component", "confirmation_waiter"),
	}
}

// signal is what a watcher reports when it reaches a verdict.
type signal struct {
	status Status
	source string
}

// SendAndConfirm broadcasts raw, keeps rebroadcasting it, and waits until the
// network confirms it or the block height passes lastValidBlockHeight minus
// the safety margin. An initial broadcast failure is returned as an error;
// expiry is an Outcome, not an error.
func (w *Waiter) SendAndConfirm(ctx context.Context, raw []byte, lastValidBlockHeight uint64) (*Outcome, error) {
	start := time.Now()

	sig, err := w.client.SendRaw(ctx, raw)
	if err != nil {
		if w.metrics != nil {
			w.metrics.RecordSubmission("error")
		}
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}
	if w.metrics != nil {
		w.metrics.RecordSubmission("success")
	}

	var deadline uint64
	if lastValidBlockHeight > w.cfg.SafetyMargin {
		deadline = lastValidBlockHeight - w.cfg.SafetyMargin
	}

	w.logger.InfoContext(ctx, "transaction submitted",
		"signature", sig.String(),
		"last_valid_block_height", lastValidBlockHeight,
		"deadline_block_height", deadline,
	)

	verdict, err := w.race(ctx, sig, raw, deadline)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start).Seconds()
	if verdict.status == StatusExpired {
		w.logger.WarnContext(ctx, "transaction expired before confirmation",
			"signature", sig.String(),
			"deadline_block_height", deadline,
		)
		if w.metrics != nil {
			w.metrics.RecordConfirmation(string(StatusExpired), verdict.source, elapsed)
		}
		return &Outcome{Status: StatusExpired, Signature: sig}, nil
	}

	outcome, err := w.lookup(ctx, sig)
	if w.metrics != nil {
		w.metrics.RecordConfirmation(string(outcome.Status), verdict.source, elapsed)
	}
	return outcome, err
}

// race runs the resubmitter and the confirmation watchers until one watcher
// reports. All goroutines are stopped and joined before returning, so nothing
// is rebroadcast after race returns.
func (w *Waiter) race(ctx context.Context, sig solana.Signature, raw []byte, deadline uint64) (signal, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	signals := make(chan signal, 2)
	report := func(s signal) {
		select {
		case signals <- s:
		default:
		}
	}

	g, gctx := errgroup.WithContext(raceCtx)

	g.Go(func() error {
		w.resend(gctx, sig, raw)
		return nil
	})

	if w.subscriber != nil {
		g.Go(func() error {
			_, err := w.subscriber.WaitForSignature(gctx, sig, w.client.Commitment())
			if err != nil {
				if gctx.Err() == nil {
					w.logger.WarnContext(ctx, "signature subscription failed, relying on polling",
						"signature", sig.String(),
						"error", err,
					)
				}
				return nil
			}
			report(signal{status: StatusConfirmed, source: "subscription"})
			return nil
		})
	}

	g.Go(func() error {
		if s, ok := w.poll(gctx, sig, deadline); ok {
			report(s)
		}
		return nil
	})

	var verdict signal
	var err error
	select {
	case verdict = <-signals:
	case <-ctx.Done():
		err = ctx.Err()
	}
	cancel()
	_ = g.Wait()
	return verdict, err
}

// resend rebroadcasts raw every ResendInterval until ctx is cancelled.
// Errors are expected (duplicate, already processed) and only logged.
func (w *Waiter) resend(ctx context.Context, sig solana.Signature, raw []byte) {
	for {
		if err := wait.Wait(ctx, w.cfg.ResendInterval); err != nil {
			return
		}
		_, err := w.client.SendRaw(ctx, raw)
		status := "success"
		if err != nil {
			status = "error"
			if ctx.Err() != nil {
				return
			}
			w.logger.DebugContext(ctx, "rebroadcast failed",
				"signature", sig.String(),
				"error", err,
			)
		}
		if w.metrics != nil {
			w.metrics.RecordResubmission(status)
		}
	}
}

// poll checks signature status and block height every PollInterval.
func (w *Waiter) poll(ctx context.Context, sig solana.Signature, deadline uint64) (signal, bool) {
	for {
		status, err := w.client.SignatureStatus(ctx, sig)
		if err != nil && ctx.Err() == nil {
			w.logger.DebugContext(ctx, "signature status check failed", "signature", sig.String(), "error", err)
		}
		if status != nil && reachedCommitment(status.ConfirmationStatus, w.client.Commitment()) {
			return signal{status: StatusConfirmed, source: "poll"}, true
		}

		height, err := w.client.BlockHeight(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.DebugContext(ctx, "block height check failed", "error", err)
		}
		if err == nil && height > deadline {
			return signal{status: StatusExpired, source: "deadline"}, true
		}

		if err := wait.Wait(ctx, w.cfg.PollInterval); err != nil {
			return signal{}, false
		}
	}
}

// lookup fetches the confirmed record with bounded retries.
func (w *Waiter) lookup(ctx context.Context, sig solana.Signature) (*Outcome, error) {
	var result *rpc.GetTransactionResult
	err := wait.Retry(ctx, w.cfg.LookupAttempts, w.cfg.LookupSpacing, func(attempt int) (bool, error) {
		var err error
		result, err = w.client.TransactionRecord(ctx, sig)
		if err != nil {
			w.logger.DebugContext(ctx, "transaction lookup failed",
				"signature", sig.String(),
				"attempt", attempt+1,
				"error", err,
			)
			return false, err
		}
		return true, nil
	})
	if err != nil {
		if !errors.Is(err, wait.ErrExhausted) {
			return &Outcome{Status: StatusUnknown, Signature: sig}, err
		}
		w.logger.WarnContext(ctx, "confirmed transaction could not be retrieved",
			"signature", sig.String(),
			"attempts", w.cfg.LookupAttempts,
		)
		return &Outcome{Status: StatusUnknown, Signature: sig}, nil
	}

	record, err := parseRecord(sig, result)
	if err != nil {
		w.logger.WarnContext(ctx, "failed to parse transaction record", "signature", sig.String(), "error", err)
		record = &Transaction{Signature: sig.String(), Slot: result.Slot}
		if result.Meta != nil && result.Meta.Err != nil {
			msg := fmt.Sprintf("%v", result.Meta.Err)
			record.Err = &msg
		}
	}

	w.logger.InfoContext(ctx, "transaction confirmed",
		"signature", sig.String(),
		"slot", record.Slot,
		"fee", record.Fee,
		"failed", record.Failed(),
	)
	return &Outcome{Status: StatusConfirmed, Signature: sig, Record: record}, nil
}

// reachedCommitment reports whether status is at least as final as want.
func reachedCommitment(status rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	rank := func(s string) int {
		switch s {
		case "processed":
			return 1
		case "confirmed":
			return 2
		case "finalized":
			return 3
		}
		return 0
	}
	got := rank(string(status))
	return got > 0 && got >= rank(string(want))
}
