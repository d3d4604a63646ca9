// Package solanatest provides an in-memory Solana RPC node for tests.
package solanatest

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

// FakeRPC implements the solana.RPCClient interface against in-memory state.
// It's behavior-focused: tests set what it should return and inspect what
// was broadcast, not the order of calls.
type FakeRPC struct {
	mu sync.Mutex

	accounts  map[solana.PublicKey]*rpc.Account
	statuses  map[solana.Signature]*rpc.SignatureStatusesResult
	records   map[solana.Signature]*rpc.GetTransactionResult
	errs      map[string]error
	sent      []*solana.Transaction
	landed    map[solana.Signature]bool
	simulated [][]byte
	lookups   int
	hashes    int

	// Blockhash and LastValidBlockHeight are returned by GetLatestBlockhash.
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
	// FreshBlockhashes makes every GetLatestBlockhash call return a
	// different hash, so rebuilt transactions get new signatures.
	FreshBlockhashes bool
	// Height is returned by GetBlockHeight and then advanced by HeightStep.
	Height     uint64
	HeightStep uint64
	// Fee is returned by GetFeeForMessage; nil means the node has no answer.
	Fee *uint64
	// ConfirmOnSend marks every broadcast signature with this status.
	ConfirmOnSend rpc.ConfirmationStatusType
	// ApplyTransfers executes the System Program transfers of a transaction
	// the first time its signature is broadcast. Rebroadcasts have no effect.
	ApplyTransfers bool
	// AutoRecord serves a minimal successful record for any signature that
	// has a status but no explicit record.
	AutoRecord bool
	// OnSend runs for every broadcast (n counts from 1) without the lock
	// held. A non-nil error is returned to the sender.
	OnSend func(tx *solana.Transaction, n int) error
	// Simulation is returned by SimulateRawTransaction.
	Simulation *rpc.SimulateTransactionResult
}

// NewFakeRPC returns a node at block height 100 whose blockhashes are valid
// until height 1000.
func NewFakeRPC() *FakeRPC {
	return &FakeRPC{
		accounts:             make(map[solana.PublicKey]*rpc.Account),
		statuses:             make(map[solana.Signature]*rpc.SignatureStatusesResult),
		records:              make(map[solana.Signature]*rpc.GetTransactionResult),
		landed:               make(map[solana.Signature]bool),
		errs:                 make(map[string]error),
		Blockhash:            solana.Hash{1, 2, 3},
		LastValidBlockHeight: 1000,
		Height:               100,
	}
}

// FailOn makes method (e.g. "GetBalance") return err until cleared with a nil err.
func (f *FakeRPC) FailOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, method)
		return
	}
	f.errs[method] = err
}

// SetLamports sets the native balance of owner, creating the account if needed.
func (f *FakeRPC) SetLamports(owner solana.PublicKey, lamports uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if acct, ok := f.accounts[owner]; ok {
		acct.Lamports = lamports
		return
	}
	f.accounts[owner] = &rpc.Account{Lamports: lamports, Owner: solana.SystemProgramID}
}

// Debit lowers owner's native balance, flooring at zero.
func (f *FakeRPC) Debit(owner solana.PublicKey, lamports uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debitLocked(owner, lamports)
}

func (f *FakeRPC) debitLocked(owner solana.PublicKey, lamports uint64) {
	acct, ok := f.accounts[owner]
	if !ok {
		return
	}
	if acct.Lamports < lamports {
		acct.Lamports = 0
		return
	}
	acct.Lamports -= lamports
}

func (f *FakeRPC) creditLocked(owner solana.PublicKey, lamports uint64) {
	if acct, ok := f.accounts[owner]; ok {
		acct.Lamports += lamports
		return
	}
	f.accounts[owner] = &rpc.Account{Lamports: lamports, Owner: solana.SystemProgramID}
}

// Lamports returns owner's native balance.
func (f *FakeRPC) Lamports(owner solana.PublicKey) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if acct, ok := f.accounts[owner]; ok {
		return acct.Lamports
	}
	return 0
}

// SetMint registers a mint account with the given decimals.
func (f *FakeRPC) SetMint(mint solana.PublicKey, decimals uint8) {
	data := mustEncode(token.Mint{Decimals: decimals, IsInitialized: true})
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[mint] = &rpc.Account{
		Lamports: 1_461_600,
		Owner:    solana.TokenProgramID,
		Data:     rpc.DataBytesOrJSONFromBytes(data),
	}
}

// SetTokenBalance creates or updates owner's associated token account for
// mint and returns its address.
func (f *FakeRPC) SetTokenBalance(owner, mint solana.PublicKey, amount uint64) solana.PublicKey {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		panic(err)
	}
	data := mustEncode(token.Account{Mint: mint, Owner: owner, Amount: amount, State: 1})
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[ata] = &rpc.Account{
		Lamports: 2_039_280,
		Owner:    solana.TokenProgramID,
		Data:     rpc.DataBytesOrJSONFromBytes(data),
	}
	return ata
}

// Confirm sets the status of sig.
func (f *FakeRPC) Confirm(sig solana.Signature, status rpc.ConfirmationStatusType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[sig] = &rpc.SignatureStatusesResult{Slot: 42, ConfirmationStatus: status}
}

// SetRecord sets the record served for sig.
func (f *FakeRPC) SetRecord(sig solana.Signature, rec *rpc.GetTransactionResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[sig] = rec
}

// Sent returns every transaction broadcast so far, rebroadcasts included.
func (f *FakeRPC) Sent() []*solana.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*solana.Transaction(nil), f.sent...)
}

// Landed returns the number of distinct signatures broadcast so far.
func (f *FakeRPC) Landed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.landed)
}

// Simulated returns every raw transaction passed to SimulateRawTransaction.
func (f *FakeRPC) Simulated() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.simulated...)
}

// Lookups returns the number of GetTransaction calls.
func (f *FakeRPC) Lookups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

// BlockhashRequests returns the number of GetLatestBlockhash calls.
func (f *FakeRPC) BlockhashRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hashes
}

func (f *FakeRPC) GetAccountInfo(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["GetAccountInfo"]; err != nil {
		return nil, err
	}
	acct, ok := f.accounts[account]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	cp := *acct
	return &rpc.GetAccountInfoResult{Value: &cp}, nil
}

func (f *FakeRPC) GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["GetBalance"]; err != nil {
		return nil, err
	}
	var lamports uint64
	if acct, ok := f.accounts[account]; ok {
		lamports = acct.Lamports
	}
	return &rpc.GetBalanceResult{Value: lamports}, nil
}

func (f *FakeRPC) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashes++
	if err := f.errs["GetLatestBlockhash"]; err != nil {
		return nil, err
	}
	hash := f.Blockhash
	if f.FreshBlockhashes {
		hash[len(hash)-1] = byte(f.hashes)
	}
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{
			Blockhash:            hash,
			LastValidBlockHeight: f.LastValidBlockHeight,
		},
	}, nil
}

func (f *FakeRPC) GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["GetBlockHeight"]; err != nil {
		return 0, err
	}
	h := f.Height
	f.Height += f.HeightStep
	return h, nil
}

func (f *FakeRPC) GetFeeForMessage(ctx context.Context, message string, commitment rpc.CommitmentType) (*rpc.GetFeeForMessageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["GetFeeForMessage"]; err != nil {
		return nil, err
	}
	return &rpc.GetFeeForMessageResult{Value: f.Fee}, nil
}

func (f *FakeRPC) SendRawTransaction(ctx context.Context, raw []byte, opts rpc.TransactionOpts) (solana.Signature, error) {
	tx, err := solana.TransactionFromBytes(raw)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("invalid transaction: %w", err)
	}
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, fmt.Errorf("transaction is not signed")
	}
	sig := tx.Signatures[0]

	f.mu.Lock()
	f.sent = append(f.sent, tx)
	n := len(f.sent)
	onSend := f.OnSend
	if f.ConfirmOnSend != "" {
		f.statuses[sig] = &rpc.SignatureStatusesResult{Slot: 42, ConfirmationStatus: f.ConfirmOnSend}
	}
	if !f.landed[sig] {
		f.landed[sig] = true
		if f.ApplyTransfers {
			f.applyLocked(tx)
		}
	}
	f.mu.Unlock()

	if onSend != nil {
		if err := onSend(tx, n); err != nil {
			return solana.Signature{}, err
		}
	}
	return sig, nil
}

func (f *FakeRPC) GetSignatureStatuses(ctx context.Context, searchHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["GetSignatureStatuses"]; err != nil {
		return nil, err
	}
	out := &rpc.GetSignatureStatusesResult{}
	for _, sig := range sigs {
		out.Value = append(out.Value, f.statuses[sig])
	}
	return out, nil
}

func (f *FakeRPC) GetTransaction(ctx context.Context, signature solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if err := f.errs["GetTransaction"]; err != nil {
		return nil, err
	}
	if rec, ok := f.records[signature]; ok {
		return rec, nil
	}
	if _, ok := f.statuses[signature]; ok && f.AutoRecord {
		return &rpc.GetTransactionResult{Slot: 42, Meta: &rpc.TransactionMeta{Fee: 5000}}, nil
	}
	return nil, rpc.ErrNotFound
}

func (f *FakeRPC) SimulateRawTransaction(ctx context.Context, raw []byte, opts *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulated = append(f.simulated, raw)
	if err := f.errs["SimulateRawTransaction"]; err != nil {
		return nil, err
	}
	sim := f.Simulation
	if sim == nil {
		sim = &rpc.SimulateTransactionResult{}
	}
	return &rpc.SimulateTransactionResponse{Value: sim}, nil
}

// applyLocked moves the lamports of every System Program transfer in tx.
func (f *FakeRPC) applyLocked(tx *solana.Transaction) {
	for _, inst := range tx.Message.Instructions {
		programID, err := tx.Message.ResolveProgramIDIndex(inst.ProgramIDIndex)
		if err != nil || !programID.Equals(solana.SystemProgramID) {
			continue
		}
		accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
		if err != nil {
			continue
		}
		decoded, err := system.DecodeInstruction(accounts, inst.Data)
		if err != nil {
			continue
		}
		xfer, ok := decoded.Impl.(*system.Transfer)
		if !ok || xfer.Lamports == nil {
			continue
		}
		f.debitLocked(xfer.GetFundingAccount().PublicKey, *xfer.Lamports)
		f.creditLocked(xfer.GetRecipientAccount().PublicKey, *xfer.Lamports)
	}
}

func mustEncode(v interface{}) []byte {
	buf := new(bytes.Buffer)
	if err := bin.NewBinEncoder(buf).Encode(v); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
