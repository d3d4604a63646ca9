package solana

import (
	"context"
	"errors"
	"testing"

	"github.com/brojonat/orbitt/service/solana/solanatest"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSnapshot(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()
	ata := solana.NewWallet().PublicKey()

	tests := []struct {
		name           string
		lamports       uint64
		tokens         uint64
		decimals       uint8
		relativeNative string
		relativeToken  string
	}{
		{"all native", 2_000_000_000, 0, 6, "1", "0"},
		{"all token", 0, 5_000_000, 6, "0", "1"},
		{"even split", 1_000_000_000, 1_000_000_000, 9, "0.5", "0.5"},
		{"six decimals", 1_000_000_000, 3_000_000_000, 6, "0.25", "0.75"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := NewSnapshot(owner, mint, ata, tt.lamports, tt.tokens, tt.decimals)
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.relativeNative).Equal(snap.RelativeNative),
				"relative native: got %s", snap.RelativeNative)
			assert.True(t, decimal.RequireFromString(tt.relativeToken).Equal(snap.RelativeToken),
				"relative token: got %s", snap.RelativeToken)
			assert.True(t, snap.RelativeNative.Add(snap.RelativeToken).Equal(decimal.NewFromInt(1)))
		})
	}

	t.Run("empty portfolio", func(t *testing.T) {
		_, err := NewSnapshot(owner, mint, ata, 0, 0, 6)
		assert.ErrorIs(t, err, ErrEmptyPortfolio)
	})
}

func TestSnapshot_UIAmounts(t *testing.T) {
	snap, err := NewSnapshot(solana.PublicKey{}, solana.PublicKey{}, solana.PublicKey{}, 1_500_000_000, 2_500_000, 6)
	require.NoError(t, err)
	assert.Equal(t, "1.5", snap.NativeUI().String())
	assert.Equal(t, "2.5", snap.TokenUI().String())
}

func TestInspector_Peek(t *testing.T) {
	ctx := context.Background()
	owner := newTestKey(t).PublicKey()
	mint := newTestKey(t).PublicKey()

	t.Run("reads both balances", func(t *testing.T) {
		fake := solanatest.NewFakeRPC()
		fake.SetLamports(owner, 1_000_000_000)
		fake.SetMint(mint, 9)
		ata := fake.SetTokenBalance(owner, mint, 1_000_000_000)
		insp := NewInspector(newTestClient(fake), nil, testLogger())

		snap, err := insp.Peek(ctx, owner, mint)
		require.NoError(t, err)
		assert.Equal(t, ata, snap.TokenAccount)
		assert.Equal(t, uint64(1_000_000_000), snap.TokenAmount)
		assert.Equal(t, "0.5", snap.RelativeNative.String())
	})

	t.Run("missing token account reads as zero", func(t *testing.T) {
		fake := solanatest.NewFakeRPC()
		fake.SetLamports(owner, 1_000_000_000)
		fake.SetMint(mint, 9)
		insp := NewInspector(newTestClient(fake), nil, testLogger())

		snap, err := insp.Peek(ctx, owner, mint)
		require.NoError(t, err)
		assert.Zero(t, snap.TokenAmount)
		assert.Empty(t, fake.Sent())
	})

	t.Run("missing wallet", func(t *testing.T) {
		fake := solanatest.NewFakeRPC()
		fake.SetMint(mint, 9)
		insp := NewInspector(newTestClient(fake), nil, testLogger())

		_, err := insp.Peek(ctx, owner, mint)
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("missing mint", func(t *testing.T) {
		fake := solanatest.NewFakeRPC()
		fake.SetLamports(owner, 1_000_000_000)
		insp := NewInspector(newTestClient(fake), nil, testLogger())

		_, err := insp.Peek(ctx, owner, mint)
		assert.ErrorIs(t, err, ErrDecimalsUnavailable)
	})
}

func TestInspector_DecimalsCached(t *testing.T) {
	ctx := context.Background()
	fake := solanatest.NewFakeRPC()
	mint := newTestKey(t).PublicKey()
	fake.SetMint(mint, 5)
	insp := NewInspector(newTestClient(fake), nil, testLogger())

	d, err := insp.Decimals(ctx, mint)
	require.NoError(t, err)
	assert.Equal(t, uint8(5), d)

	fake.FailOn("GetAccountInfo", errors.New("node down"))
	d, err = insp.Decimals(ctx, mint)
	require.NoError(t, err)
	assert.Equal(t, uint8(5), d)
}

func TestInspector_InspectCreatesTokenAccount(t *testing.T) {
	ctx := context.Background()
	signer := newTestKey(t)
	owner := signer.PublicKey()
	mint := newTestKey(t).PublicKey()

	fake := solanatest.NewFakeRPC()
	fake.SetLamports(owner, 1_000_000_000)
	fake.SetMint(mint, 6)
	fake.ConfirmOnSend = rpc.ConfirmationStatusConfirmed
	fake.AutoRecord = true
	fake.OnSend = func(tx *solana.Transaction, n int) error {
		fake.SetTokenBalance(owner, mint, 0)
		return nil
	}

	client := newTestClient(fake)
	waiter := NewWaiter(client, nil, testWaiterConfig(), nil, testLogger())
	insp := NewInspector(client, waiter, testLogger())

	snap, err := insp.Inspect(ctx, signer, mint)
	require.NoError(t, err)
	assert.Zero(t, snap.TokenAmount)
	assert.Equal(t, "1", snap.RelativeNative.String())

	sent := fake.Sent()
	require.NotEmpty(t, sent)
	programID, err := sent[0].Message.ResolveProgramIDIndex(sent[0].Message.Instructions[0].ProgramIDIndex)
	require.NoError(t, err)
	assert.Equal(t, solana.SPLAssociatedTokenAccountProgramID, programID)

	// Existing account: nothing else is sent.
	n := len(fake.Sent())
	_, err = insp.Inspect(ctx, signer, mint)
	require.NoError(t, err)
	assert.Len(t, fake.Sent(), n)
}

func TestInspector_InspectCreationNotLanded(t *testing.T) {
	signer := newTestKey(t)
	mint := newTestKey(t).PublicKey()

	fake := solanatest.NewFakeRPC()
	fake.SetLamports(signer.PublicKey(), 1_000_000_000)
	fake.SetMint(mint, 6)
	fake.Height = 900

	client := newTestClient(fake)
	insp := NewInspector(client, NewWaiter(client, nil, testWaiterConfig(), nil, testLogger()), testLogger())

	_, err := insp.Inspect(context.Background(), signer, mint)
	assert.ErrorIs(t, err, ErrTokenAccountNotFound)
}
