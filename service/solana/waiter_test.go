package solana

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brojonat/orbitt/service/solana/solanatest"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWaiterConfig() WaiterConfig {
	return WaiterConfig{
		ResendInterval: 10 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		SafetyMargin:   150,
		LookupAttempts: 5,
		LookupSpacing:  time.Millisecond,
	}
}

// fakeSubscriber reports a notification (or an error) immediately.
type fakeSubscriber struct {
	err error
}

func (s *fakeSubscriber) WaitForSignature(ctx context.Context, sig solana.Signature, commitment rpc.CommitmentType) (interface{}, error) {
	if s.err != nil {
		return nil, s.err
	}
	return nil, nil
}

func TestWaiter_ConfirmedByPolling(t *testing.T) {
	fake := solanatest.NewFakeRPC()
	fake.ConfirmOnSend = rpc.ConfirmationStatusConfirmed
	fake.AutoRecord = true
	w := NewWaiter(newTestClient(fake), nil, testWaiterConfig(), nil, testLogger())

	from := newTestKey(t)
	tx := signedTransfer(t, fake, from, newTestKey(t).PublicKey(), 1000)

	out, err := w.SendAndConfirm(context.Background(), tx.Raw, tx.LastValidBlockHeight)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, out.Status)
	assert.Equal(t, tx.Signature, out.Signature)
	require.NotNil(t, out.Record)
	assert.Equal(t, uint64(5000), out.Record.Fee)
	assert.False(t, out.Record.Failed())
}

func TestWaiter_ProcessedDoesNotSatisfyConfirmed(t *testing.T) {
	fake := solanatest.NewFakeRPC()
	fake.ConfirmOnSend = rpc.ConfirmationStatusProcessed
	fake.HeightStep = 100
	w := NewWaiter(newTestClient(fake), nil, testWaiterConfig(), nil, testLogger())

	tx := signedTransfer(t, fake, newTestKey(t), newTestKey(t).PublicKey(), 1000)

	out, err := w.SendAndConfirm(context.Background(), tx.Raw, tx.LastValidBlockHeight)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, out.Status)
}

func TestWaiter_ResubmitsUntilConfirmed(t *testing.T) {
	fake := solanatest.NewFakeRPC()
	fake.AutoRecord = true
	fake.OnSend = func(tx *solana.Transaction, n int) error {
		if n == 3 {
			fake.Confirm(tx.Signatures[0], rpc.ConfirmationStatusFinalized)
		}
		return nil
	}
	w := NewWaiter(newTestClient(fake), nil, testWaiterConfig(), nil, testLogger())

	tx := signedTransfer(t, fake, newTestKey(t), newTestKey(t).PublicKey(), 1000)

	out, err := w.SendAndConfirm(context.Background(), tx.Raw, tx.LastValidBlockHeight)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, out.Status)

	sent := fake.Sent()
	require.GreaterOrEqual(t, len(sent), 3)
	for _, s := range sent {
		assert.Equal(t, tx.Signature, s.Signatures[0], "rebroadcasts must be byte-identical")
	}

	// Nothing is rebroadcast once confirmed.
	time.Sleep(5 * testWaiterConfig().ResendInterval)
	assert.Len(t, fake.Sent(), len(sent))
}

func TestWaiter_RebroadcastsTakeEffectOnce(t *testing.T) {
	const rebroadcasts = 5

	fake := solanatest.NewFakeRPC()
	fake.ApplyTransfers = true
	fake.AutoRecord = true
	fake.OnSend = func(tx *solana.Transaction, n int) error {
		if n == rebroadcasts {
			fake.Confirm(tx.Signatures[0], rpc.ConfirmationStatusConfirmed)
		}
		return nil
	}
	w := NewWaiter(newTestClient(fake), nil, testWaiterConfig(), nil, testLogger())

	from := newTestKey(t)
	to := newTestKey(t).PublicKey()
	fake.SetLamports(from.PublicKey(), 1_000_000)
	tx := signedTransfer(t, fake, from, to, 250_000)

	out, err := w.SendAndConfirm(context.Background(), tx.Raw, tx.LastValidBlockHeight)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, out.Status)

	assert.GreaterOrEqual(t, len(fake.Sent()), rebroadcasts)
	assert.Equal(t, 1, fake.Landed())
	assert.Equal(t, uint64(750_000), fake.Lamports(from.PublicKey()))
	assert.Equal(t, uint64(250_000), fake.Lamports(to))
}

func TestWaiter_Expired(t *testing.T) {
	fake := solanatest.NewFakeRPC()
	fake.Height = 900 // past 1000 - 150
	w := NewWaiter(newTestClient(fake), nil, testWaiterConfig(), nil, testLogger())

	tx := signedTransfer(t, fake, newTestKey(t), newTestKey(t).PublicKey(), 1000)

	out, err := w.SendAndConfirm(context.Background(), tx.Raw, tx.LastValidBlockHeight)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, out.Status)
	assert.Equal(t, tx.Signature, out.Signature)
	assert.Nil(t, out.Record)

	// Nothing is rebroadcast once SendAndConfirm has returned.
	n := len(fake.Sent())
	time.Sleep(5 * testWaiterConfig().ResendInterval)
	assert.Equal(t, n, len(fake.Sent()))
}

func TestWaiter_ExpiresAfterHeightAdvances(t *testing.T) {
	fake := solanatest.NewFakeRPC()
	fake.Height = 800
	fake.HeightStep = 20
	w := NewWaiter(newTestClient(fake), nil, testWaiterConfig(), nil, testLogger())

	tx := signedTransfer(t, fake, newTestKey(t), newTestKey(t).PublicKey(), 1000)

	out, err := w.SendAndConfirm(context.Background(), tx.Raw, tx.LastValidBlockHeight)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, out.Status)
}

func TestWaiter_SafetyMarginUnderflow(t *testing.T) {
	fake := solanatest.NewFakeRPC()
	fake.LastValidBlockHeight = 100
	w := NewWaiter(newTestClient(fake), nil, testWaiterConfig(), nil, testLogger())

	tx := signedTransfer(t, fake, newTestKey(t), newTestKey(t).PublicKey(), 1000)

	out, err := w.SendAndConfirm(context.Background(), tx.Raw, tx.LastValidBlockHeight)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, out.Status)
}

func TestWaiter_UnknownWhenRecordMissing(t *testing.T) {
	fake := solanatest.NewFakeRPC()
	fake.ConfirmOnSend = rpc.ConfirmationStatusConfirmed
	cfg := testWaiterConfig()
	w := NewWaiter(newTestClient(fake), nil, cfg, nil, testLogger())

	tx := signedTransfer(t, fake, newTestKey(t), newTestKey(t).PublicKey(), 1000)

	out, err := w.SendAndConfirm(context.Background(), tx.Raw, tx.LastValidBlockHeight)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, out.Status)
	assert.Equal(t, tx.Signature, out.Signature)
	assert.Equal(t, cfg.LookupAttempts, fake.Lookups())
}

func TestWaiter_FailedRecord(t *testing.T) {
	fake := solanatest.NewFakeRPC()
	fake.ConfirmOnSend = rpc.ConfirmationStatusConfirmed
	w := NewWaiter(newTestClient(fake), nil, testWaiterConfig(), nil, testLogger())

	tx := signedTransfer(t, fake, newTestKey(t), newTestKey(t).PublicKey(), 1000)
	fake.SetRecord(tx.Signature, &rpc.GetTransactionResult{
		Slot: 7,
		Meta: &rpc.TransactionMeta{
			Fee: 5000,
			Err: map[string]interface{}{"InstructionError": []interface{}{0, "InsufficientFunds"}},
		},
	})

	out, err := w.SendAndConfirm(context.Background(), tx.Raw, tx.LastValidBlockHeight)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, out.Status)
	require.NotNil(t, out.Record)
	assert.True(t, out.Record.Failed())
	assert.Contains(t, *out.Record.Err, "InsufficientFunds")
}

func TestWaiter_Subscription(t *testing.T) {
	t.Run("notification confirms without polling status", func(t *testing.T) {
		fake := solanatest.NewFakeRPC()
		w := NewWaiter(newTestClient(fake), &fakeSubscriber{}, testWaiterConfig(), nil, testLogger())

		tx := signedTransfer(t, fake, newTestKey(t), newTestKey(t).PublicKey(), 1000)
		fake.SetRecord(tx.Signature, &rpc.GetTransactionResult{Slot: 9, Meta: &rpc.TransactionMeta{Fee: 5000}})

		out, err := w.SendAndConfirm(context.Background(), tx.Raw, tx.LastValidBlockHeight)
		require.NoError(t, err)
		assert.Equal(t, StatusConfirmed, out.Status)
		assert.Equal(t, uint64(9), out.Record.Slot)
	})

	t.Run("subscription failure falls back to polling", func(t *testing.T) {
		fake := solanatest.NewFakeRPC()
		fake.ConfirmOnSend = rpc.ConfirmationStatusConfirmed
		fake.AutoRecord = true
		sub := &fakeSubscriber{err: errors.New("websocket: bad handshake")}
		w := NewWaiter(newTestClient(fake), sub, testWaiterConfig(), nil, testLogger())

		tx := signedTransfer(t, fake, newTestKey(t), newTestKey(t).PublicKey(), 1000)

		out, err := w.SendAndConfirm(context.Background(), tx.Raw, tx.LastValidBlockHeight)
		require.NoError(t, err)
		assert.Equal(t, StatusConfirmed, out.Status)
	})
}

func TestWaiter_InitialSendFailure(t *testing.T) {
	fake := solanatest.NewFakeRPC()
	fake.OnSend = func(tx *solana.Transaction, n int) error {
		return errors.New("node unavailable")
	}
	w := NewWaiter(newTestClient(fake), nil, testWaiterConfig(), nil, testLogger())

	tx := signedTransfer(t, fake, newTestKey(t), newTestKey(t).PublicKey(), 1000)

	out, err := w.SendAndConfirm(context.Background(), tx.Raw, tx.LastValidBlockHeight)
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Contains(t, err.Error(), "node unavailable")

	time.Sleep(5 * testWaiterConfig().ResendInterval)
	assert.Len(t, fake.Sent(), 1)
}

func TestWaiter_ContextCancelled(t *testing.T) {
	fake := solanatest.NewFakeRPC()
	w := NewWaiter(newTestClient(fake), nil, testWaiterConfig(), nil, testLogger())

	tx := signedTransfer(t, fake, newTestKey(t), newTestKey(t).PublicKey(), 1000)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	out, err := w.SendAndConfirm(ctx, tx.Raw, tx.LastValidBlockHeight)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, out)
}

func TestReachedCommitment(t *testing.T) {
	tests := []struct {
		status rpc.ConfirmationStatusType
		want   rpc.CommitmentType
		ok     bool
	}{
		{rpc.ConfirmationStatusProcessed, rpc.CommitmentConfirmed, false},
		{rpc.ConfirmationStatusConfirmed, rpc.CommitmentConfirmed, true},
		{rpc.ConfirmationStatusFinalized, rpc.CommitmentConfirmed, true},
		{rpc.ConfirmationStatusConfirmed, rpc.CommitmentFinalized, false},
		{rpc.ConfirmationStatusProcessed, rpc.CommitmentProcessed, true},
		{"", rpc.CommitmentProcessed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status)+"/"+string(tt.want), func(t *testing.T) {
			assert.Equal(t, tt.ok, reachedCommitment(tt.status, tt.want))
		})
	}
}
