package solana

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// Sentinel errors. Match with errors.Is; the typed errors below also match
// their sentinel so callers can branch on category without errors.As.
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrAccountNotFound      = errors.New("account not found")
	ErrTokenAccountNotFound = errors.New("token account not found")
	ErrDecimalsUnavailable  = errors.New("token decimals unavailable")
	ErrEmptyPortfolio       = errors.New("portfolio is empty")
	ErrQuoteUnavailable     = errors.New("swap quote unavailable")
	ErrSimulationFailed     = errors.New("transaction simulation failed")
	ErrSubmissionExhausted  = errors.New("submission attempts exhausted")
	ErrExpired              = errors.New("transaction expired")
	ErrAmbiguousOutcome     = errors.New("ambiguous transaction outcome")
	ErrTransactionFailed    = errors.New("transaction failed on-chain")
)

// AmbiguousOutcomeError is returned when a transaction may or may not have
// landed: the sender's balance went down without an accepted signature, or
// the network confirmed a signature whose record never became readable. It
// must not be resubmitted automatically.
type AmbiguousOutcomeError struct {
	Owner     solana.PublicKey
	Candidate solana.Signature // locally computed signature of the last attempt, may be zero
	Before    uint64
	After     uint64
	Reason    string // overrides the balance description when set
	Cause     error
}

func (e *AmbiguousOutcomeError) Error() string {
	msg := fmt.Sprintf("%s: balance of %s moved %d -> %d without an accepted signature",
		ErrAmbiguousOutcome, e.Owner, e.Before, e.After)
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s: %s", ErrAmbiguousOutcome, e.Owner, e.Reason)
	}
	if !e.Candidate.IsZero() {
		msg += fmt.Sprintf(" (candidate %s)", e.Candidate)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *AmbiguousOutcomeError) Is(target error) bool { return target == ErrAmbiguousOutcome }

func (e *AmbiguousOutcomeError) Unwrap() error { return e.Cause }

// SimulationError carries the simulated error and program logs of a rejected transaction.
type SimulationError struct {
	Err  interface{}
	Logs []string
}

func (e *SimulationError) Error() string {
	return fmt.Sprintf("%s: %v\n%s", ErrSimulationFailed, e.Err, strings.Join(e.Logs, "\n"))
}

func (e *SimulationError) Is(target error) bool { return target == ErrSimulationFailed }

// TransactionFailedError is returned when a confirmed transaction carries an
// execution error in its metadata. Fees were paid; nothing else happened.
type TransactionFailedError struct {
	Signature solana.Signature
	Err       string
}

func (e *TransactionFailedError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrTransactionFailed, e.Signature, e.Err)
}

func (e *TransactionFailedError) Is(target error) bool { return target == ErrTransactionFailed }

// isRateLimited reports whether err looks like an HTTP 429 from the RPC node.
func isRateLimited(err error) bool {
	return err != nil && strings.Contains(err.Error(), "429")
}
