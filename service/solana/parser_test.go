package solana

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeTransactionEnvelope wraps tx the way the RPC returns it with base64
// encoding. TransactionResultEnvelope has unexported fields, so we go
// through its JSON form.
func makeTransactionEnvelope(t *testing.T, tx *solana.Transaction) *rpc.TransactionResultEnvelope {
	t.Helper()
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	payload, err := json.Marshal([]string{base64.StdEncoding.EncodeToString(raw), "base64"})
	require.NoError(t, err)

	var env rpc.TransactionResultEnvelope
	require.NoError(t, json.Unmarshal(payload, &env))
	return &env
}

func buildTx(t *testing.T, payer solana.PrivateKey, ixs ...solana.Instruction) *solana.Transaction {
	t.Helper()
	tx, err := solana.NewTransaction(ixs, solana.Hash{9}, solana.TransactionPayer(payer.PublicKey()))
	require.NoError(t, err)
	_, err = tx.Sign(signerFor(payer))
	require.NoError(t, err)
	return tx
}

func TestParseRecord_NativeTransfer(t *testing.T) {
	from := newTestKey(t)
	to := newTestKey(t).PublicKey()
	tx := buildTx(t, from, system.NewTransferInstruction(1_000_000_000, from.PublicKey(), to).Build())

	blockTime := solana.UnixTimeSeconds(time.Now().Unix())
	result := &rpc.GetTransactionResult{
		Slot:        100,
		BlockTime:   &blockTime,
		Transaction: makeTransactionEnvelope(t, tx),
		Meta:        &rpc.TransactionMeta{Fee: 5000},
	}

	txn, err := parseRecord(tx.Signatures[0], result)
	require.NoError(t, err)
	assert.Equal(t, tx.Signatures[0].String(), txn.Signature)
	assert.Equal(t, uint64(100), txn.Slot)
	assert.Equal(t, uint64(5000), txn.Fee)
	assert.Equal(t, blockTime.Time().Unix(), txn.BlockTime.Unix())
	assert.False(t, txn.Failed())

	require.Len(t, txn.Transfers, 1)
	assert.Equal(t, from.PublicKey().String(), txn.Transfers[0].From)
	assert.Equal(t, to.String(), txn.Transfers[0].To)
	assert.Equal(t, uint64(1_000_000_000), txn.Transfers[0].Amount)
	assert.Nil(t, txn.Transfers[0].Mint)
}

func TestParseRecord_TokenTransfers(t *testing.T) {
	owner := newTestKey(t)
	mint := newTestKey(t).PublicKey()
	src := newTestKey(t).PublicKey()
	dst := newTestKey(t).PublicKey()

	tx := buildTx(t, owner,
		token.NewTransferInstruction(250, src, dst, owner.PublicKey(), []solana.PublicKey{}).Build(),
		token.NewTransferCheckedInstruction(1_000_000, 6, src, mint, dst, owner.PublicKey(), []solana.PublicKey{}).Build(),
	)

	txn, err := parseRecord(tx.Signatures[0], &rpc.GetTransactionResult{
		Slot:        200,
		Transaction: makeTransactionEnvelope(t, tx),
		Meta:        &rpc.TransactionMeta{Fee: 5000},
	})
	require.NoError(t, err)
	require.Len(t, txn.Transfers, 2)

	plain := txn.Transfers[0]
	assert.Equal(t, src.String(), plain.From)
	assert.Equal(t, dst.String(), plain.To)
	assert.Equal(t, uint64(250), plain.Amount)
	assert.Nil(t, plain.Mint)

	checked := txn.Transfers[1]
	assert.Equal(t, uint64(1_000_000), checked.Amount)
	require.NotNil(t, checked.Mint)
	assert.Equal(t, mint.String(), *checked.Mint)
}

func TestParseRecord_Failed(t *testing.T) {
	sig := solana.Signature{7}
	txn, err := parseRecord(sig, &rpc.GetTransactionResult{
		Slot: 300,
		Meta: &rpc.TransactionMeta{
			Fee: 5000,
			Err: map[string]interface{}{"InstructionError": []interface{}{0, map[string]interface{}{"Custom": 1}}},
		},
	})
	require.NoError(t, err)
	assert.True(t, txn.Failed())
	assert.Contains(t, *txn.Err, "InstructionError")
	assert.Empty(t, txn.Transfers)
	assert.True(t, txn.BlockTime.IsZero())
}

func TestParseRecord_NilResult(t *testing.T) {
	_, err := parseRecord(solana.Signature{1}, nil)
	assert.Error(t, err)
}

func TestParseRecord_IgnoresOtherPrograms(t *testing.T) {
	payer := newTestKey(t)
	other := solana.NewInstruction(
		solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr"),
		solana.AccountMetaSlice{},
		[]byte("hello"),
	)
	tx := buildTx(t, payer, other)

	txn, err := parseRecord(tx.Signatures[0], &rpc.GetTransactionResult{
		Transaction: makeTransactionEnvelope(t, tx),
	})
	require.NoError(t, err)
	assert.Empty(t, txn.Transfers)
}
