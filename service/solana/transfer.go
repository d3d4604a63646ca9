package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brojonat/orbitt/service/metrics"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
)

// NativeTransfer moves SOL. The fee is deducted from Lamports, so the
// recipient receives Lamports minus the fee. All sends the whole balance.
type NativeTransfer struct {
	From     solana.PrivateKey
	To       solana.PublicKey
	Lamports uint64
	All      bool
}

// TokenTransfer moves raw token units between the owners' associated token accounts.
type TokenTransfer struct {
	From   solana.PrivateKey
	To     solana.PublicKey
	Mint   solana.PublicKey
	Amount uint64
	All    bool
}

// CombinedTransfer moves SOL and tokens in one atomic transaction. Explicit
// amounts are sent as-is; AllNative sends the native balance minus the fee
// (and the rent of the recipient's token account if it has to be created).
type CombinedTransfer struct {
	From      solana.PrivateKey
	To        solana.PublicKey
	Mint      solana.PublicKey
	Lamports  uint64
	Tokens    uint64
	AllNative bool
	AllTokens bool
}

// TransferResult describes a submitted transfer.
type TransferResult struct {
	Signature solana.Signature `json:"signature"`
	Lamports  uint64           `json:"lamports"`
	Tokens    uint64           `json:"tokens"`
	Fee       uint64           `json:"fee"`
	// Probable is set when the transfer was never confirmed but the sender's
	// balance dropped, so the last accepted signature most likely landed.
	Probable bool         `json:"probable"`
	Record   *Transaction `json:"record,omitempty"`
}

// TransferExecutor builds, submits and recovers transfers.
type TransferExecutor struct {
	client   *Client
	waiter   *Waiter
	fees     *FeeEstimator
	attempts int
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewTransferExecutor creates a TransferExecutor. attempts is the number of
// submissions tried before giving up (3 if zero).
func NewTransferExecutor(client *Client, waiter *Waiter, fees *FeeEstimator, attempts int, m *metrics.Metrics, logger *slog.Logger) *TransferExecutor {
	if attempts <= 0 {
		attempts = 3
	}
	return &TransferExecutor{
		client:   client,
		waiter:   waiter,
		fees:     fees,
		attempts: attempts,
		metrics:  m,
		logger:   logger.With("component", "transfer_executor"),
	}
}

// SendNative transfers SOL.
func (e *TransferExecutor) SendNative(ctx context.Context, req NativeTransfer) (*TransferResult, error) {
	from := req.From.PublicKey()

	amount := req.Lamports
	if req.All {
		balance, err := e.client.Lamports(ctx, from)
		if err != nil {
			return nil, fmt.Errorf("failed to read balance: %w", err)
		}
		amount = balance
	}

	fee, err := e.fees.NativeTransferFee(ctx, req.From, req.To)
	if err != nil {
		return nil, err
	}
	if amount <= fee {
		return nil, fmt.Errorf("%w: %d lamports does not cover fee of %d", ErrInsufficientFunds, amount, fee)
	}
	send := amount - fee

	e.logger.InfoContext(ctx, "sending native transfer",
		"from", from.String(),
		"to", req.To.String(),
		"lamports", send,
		"fee", fee,
	)

	ix := system.NewTransferInstruction(send, from, req.To).Build()
	res, err := e.submitWithRecovery(ctx, "native", req.From, nil, func(ctx context.Context) (*SignedTx, error) {
		return e.client.BuildSigned(ctx, req.From, ix)
	})
	if err != nil {
		return nil, err
	}
	res.Lamports = send
	if res.Fee == 0 {
		res.Fee = fee
	}
	return res, nil
}

// SendToken transfers tokens, creating the recipient's token account in the
// same transaction when needed.
func (e *TransferExecutor) SendToken(ctx context.Context, req TokenTransfer) (*TransferResult, error) {
	from := req.From.PublicKey()
	fromATA, _, err := solana.FindAssociatedTokenAddress(from, req.Mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive source token account: %w", err)
	}

	src, err := e.client.TokenAccount(ctx, fromATA)
	if err != nil {
		return nil, err
	}
	amount := req.Amount
	if req.All {
		amount = src.Amount
	}
	if amount == 0 || amount > src.Amount {
		return nil, fmt.Errorf("%w: want %d tokens, have %d", ErrInsufficientFunds, amount, src.Amount)
	}

	e.logger.InfoContext(ctx, "sending token transfer",
		"from", from.String(),
		"to", req.To.String(),
		"mint", req.Mint.String(),
		"amount", amount,
	)

	res, err := e.submitWithRecovery(ctx, "token", req.From, &fromATA, func(ctx context.Context) (*SignedTx, error) {
		ixs, _, err := e.tokenInstructions(ctx, from, fromATA, req.To, req.Mint, amount)
		if err != nil {
			return nil, err
		}
		return e.client.BuildSigned(ctx, req.From, ixs...)
	})
	if err != nil {
		return nil, err
	}
	res.Tokens = amount
	return res, nil
}

// SendCombined transfers SOL and tokens atomically.
func (e *TransferExecutor) SendCombined(ctx context.Context, req CombinedTransfer) (*TransferResult, error) {
	from := req.From.PublicKey()
	fromATA, _, err := solana.FindAssociatedTokenAddress(from, req.Mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive source token account: %w", err)
	}

	held, err := e.client.Probe(ctx, from, &fromATA)
	if err != nil {
		return nil, fmt.Errorf("failed to read balances: %w", err)
	}

	tokens := req.Tokens
	if req.AllTokens {
		tokens = held.Tokens
	}
	if tokens > held.Tokens {
		return nil, fmt.Errorf("%w: want %d tokens, have %d", ErrInsufficientFunds, tokens, held.Tokens)
	}

	// Price the transaction shape we are about to send. The placeholder native
	// amount does not change the fee.
	ixs, creates, err := e.combinedInstructions(ctx, from, fromATA, req.To, req.Mint, 1, tokens)
	if err != nil {
		return nil, err
	}
	fee, err := e.fees.MessageFee(ctx, req.From, ixs...)
	if err != nil {
		return nil, err
	}
	reserve := fee
	if creates {
		reserve += TokenAccountRentLamports
	}

	lamports := req.Lamports
	if req.AllNative {
		if held.Lamports <= reserve {
			lamports = 0
		} else {
			lamports = held.Lamports - reserve
		}
	}
	if lamports+reserve > held.Lamports {
		return nil, fmt.Errorf("%w: want %d lamports plus %d reserved, have %d", ErrInsufficientFunds, lamports, reserve, held.Lamports)
	}
	if lamports == 0 && tokens == 0 {
		return nil, fmt.Errorf("%w: nothing to send", ErrInsufficientFunds)
	}

	e.logger.InfoContext(ctx, "sending combined transfer",
		"from", from.String(),
		"to", req.To.String(),
		"mint", req.Mint.String(),
		"lamports", lamports,
		"tokens", tokens,
		"fee", fee,
	)

	res, err := e.submitWithRecovery(ctx, "combined", req.From, &fromATA, func(ctx context.Context) (*SignedTx, error) {
		ixs, _, err := e.combinedInstructions(ctx, from, fromATA, req.To, req.Mint, lamports, tokens)
		if err != nil {
			return nil, err
		}
		return e.client.BuildSigned(ctx, req.From, ixs...)
	})
	if err != nil {
		return nil, err
	}
	res.Lamports = lamports
	res.Tokens = tokens
	if res.Fee == 0 {
		res.Fee = fee
	}
	return res, nil
}

// tokenInstructions returns [create recipient ATA?, token transfer] and
// whether the create instruction was included.
func (e *TransferExecutor) tokenInstructions(ctx context.Context, from, fromATA, to, mint solana.PublicKey, amount uint64) ([]solana.Instruction, bool, error) {
	toATA, _, err := solana.FindAssociatedTokenAddress(to, mint)
	if err != nil {
		return nil, false, fmt.Errorf("failed to derive recipient token account: %w", err)
	}

	var ixs []solana.Instruction
	creates := false
	_, err = e.client.TokenAccount(ctx, toATA)
	switch {
	case errors.Is(err, ErrTokenAccountNotFound):
		ixs = append(ixs, associatedtokenaccount.NewCreateInstruction(from, to, mint).Build())
		creates = true
	case err != nil:
		return nil, false, err
	}

	ixs = append(ixs, token.NewTransferInstruction(amount, fromATA, toATA, from, []solana.PublicKey{}).Build())
	return ixs, creates, nil
}

func (e *TransferExecutor) combinedInstructions(ctx context.Context, from, fromATA, to, mint solana.PublicKey, lamports, tokens uint64) ([]solana.Instruction, bool, error) {
	var ixs []solana.Instruction
	if lamports > 0 {
		ixs = append(ixs, system.NewTransferInstruction(lamports, from, to).Build())
	}
	if tokens == 0 {
		return ixs, false, nil
	}
	tix, creates, err := e.tokenInstructions(ctx, from, fromATA, to, mint, tokens)
	if err != nil {
		return nil, false, err
	}
	return append(ixs, tix...), creates, nil
}

// submitWithRecovery submits the transaction produced by build up to
// e.attempts times (each with a fresh blockhash). Before every attempt the
// sender's holdings are recorded; after a failed attempt they are read again
// and, if they went down, that attempt's transaction is treated as probably
// landed. A drop during an attempt whose send was never accepted is ambiguous.
func (e *TransferExecutor) submitWithRecovery(
	ctx context.Context,
	kind string,
	signer solana.PrivateKey,
	tokenAccount *solana.PublicKey,
	build func(context.Context) (*SignedTx, error),
) (*TransferResult, error) {
	owner := signer.PublicKey()
	var lastErr error

	for attempt := range e.attempts {
		logger := e.logger.With("kind", kind, "owner", owner.String(), "attempt", attempt+1)

		before, err := e.client.Probe(ctx, owner, tokenAccount)
		if err != nil {
			lastErr = fmt.Errorf("failed to snapshot balance: %w", err)
			logger.WarnContext(ctx, "transfer attempt failed", "error", lastErr)
			e.recordAttempt(kind, "probe_error")
			continue
		}

		tx, err := build(ctx)
		if err != nil {
			lastErr = err
			logger.WarnContext(ctx, "transfer attempt failed", "error", err)
			e.recordAttempt(kind, "build_error")
			continue
		}
		candidate := tx.Signature
		var accepted solana.Signature

		outcome, err := e.waiter.SendAndConfirm(ctx, tx.Raw, tx.LastValidBlockHeight)
		if err == nil && outcome.Status == StatusConfirmed {
			if outcome.Record.Failed() {
				e.recordAttempt(kind, "failed")
				return nil, &TransactionFailedError{Signature: outcome.Signature, Err: *outcome.Record.Err}
			}
			e.recordAttempt(kind, "confirmed")
			return &TransferResult{
				Signature: outcome.Signature,
				Fee:       outcome.Record.Fee,
				Record:    outcome.Record,
			}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if err == nil {
			accepted = outcome.Signature
			if outcome.Status == StatusExpired {
				lastErr = fmt.Errorf("%w: %s", ErrExpired, outcome.Signature)
			} else {
				lastErr = fmt.Errorf("confirmed %s but record unavailable", outcome.Signature)
			}
			e.recordAttempt(kind, string(outcome.Status))
		} else {
			lastErr = err
			e.recordAttempt(kind, "send_error")
		}
		logger.WarnContext(ctx, "transfer attempt did not confirm", "error", lastErr)

		after, perr := e.client.Probe(ctx, owner, tokenAccount)
		if perr != nil {
			logger.WarnContext(ctx, "failed to re-read balance after attempt", "error", perr)
		} else if ProbablySucceeded(before, after) {
			if !accepted.IsZero() {
				logger.WarnContext(ctx, "balance decreased, treating transfer as landed",
					"signature", accepted.String(),
					"lamports_before", before.Lamports,
					"lamports_after", after.Lamports,
				)
				return &TransferResult{Signature: accepted, Probable: true}, nil
			}
			return nil, e.ambiguous(ctx, kind, owner, candidate, before, after, lastErr)
		}

		if err == nil && outcome.Status == StatusUnknown {
			// The network confirmed something we can't see and nothing moved
			// yet. Resubmitting could double-spend.
			return nil, e.ambiguous(ctx, kind, owner, candidate, before, after, lastErr)
		}
	}

	return nil, fmt.Errorf("%w: %s transfer from %s after %d attempts: %w", ErrSubmissionExhausted, kind, owner, e.attempts, lastErr)
}

func (e *TransferExecutor) ambiguous(ctx context.Context, kind string, owner solana.PublicKey, candidate solana.Signature, before, after Holdings, cause error) error {
	err := &AmbiguousOutcomeError{
		Owner:     owner,
		Candidate: candidate,
		Before:    before.Lamports,
		After:     after.Lamports,
		Cause:     cause,
	}
	e.logger.ErrorContext(ctx, "ambiguous transfer outcome, manual review required",
		"kind", kind,
		"owner", owner.String(),
		"candidate_signature", candidate.String(),
		"lamports_before", before.Lamports,
		"lamports_after", after.Lamports,
		"tokens_before", before.Tokens,
		"tokens_after", after.Tokens,
	)
	if e.metrics != nil {
		e.metrics.RecordAmbiguousOutcome(kind)
	}
	return err
}

func (e *TransferExecutor) recordAttempt(kind, result string) {
	if e.metrics != nil {
		e.metrics.RecordTransferAttempt(kind, result)
	}
}
