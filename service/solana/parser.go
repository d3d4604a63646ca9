package solana

import (
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

// parseRecord converts a GetTransactionResult into our domain Transaction,
// extracting system and SPL token transfers from the top-level instructions.
// Instructions that cannot be decoded are skipped; the record itself (slot,
// fee, error) is always returned.
func parseRecord(sig solana.Signature, result *rpc.GetTransactionResult) (*Transaction, error) {
	if result == nil {
		return nil, fmt.Errorf("nil transaction result for %s", sig)
	}

	txn := &Transaction{
		Signature: sig.String(),
		Slot:      result.Slot,
	}
	if result.BlockTime != nil {
		txn.BlockTime = result.BlockTime.Time()
	} else {
		txn.BlockTime = time.Time{}
	}

	if result.Meta != nil {
		txn.Fee = result.Meta.Fee
		if result.Meta.Err != nil {
			errMsg := fmt.Sprintf("%v", result.Meta.Err)
			txn.Err = &errMsg
		}
	}

	if result.Transaction == nil {
		return txn, nil
	}
	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	if tx == nil {
		return txn, nil
	}

	for _, inst := range tx.Message.Instructions {
		programID, err := tx.Message.ResolveProgramIDIndex(inst.ProgramIDIndex)
		if err != nil {
			continue
		}
		accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
		if err != nil {
			// v0 messages referencing lookup tables can't be resolved without the tables.
			continue
		}

		switch {
		case programID.Equals(solana.SystemProgramID):
			if t, ok := parseSystemTransfer(accounts, inst.Data); ok {
				txn.Transfers = append(txn.Transfers, t)
			}
		case programID.Equals(solana.TokenProgramID):
			if t, ok := parseTokenTransfer(accounts, inst.Data); ok {
				txn.Transfers = append(txn.Transfers, t)
			}
		}
	}

	return txn, nil
}

// parseSystemTransfer decodes a System Program Transfer instruction.
func parseSystemTransfer(accounts []*solana.AccountMeta, data []byte) (Transfer, bool) {
	inst, err := system.DecodeInstruction(accounts, data)
	if err != nil {
		return Transfer{}, false
	}
	xfer, ok := inst.Impl.(*system.Transfer)
	if !ok || xfer.Lamports == nil {
		return Transfer{}, false
	}
	return Transfer{
		From:   xfer.GetFundingAccount().PublicKey.String(),
		To:     xfer.GetRecipientAccount().PublicKey.String(),
		Amount: *xfer.Lamports,
	}, true
}

// parseTokenTransfer decodes Transfer and TransferChecked. Plain Transfer does
// not name the mint; From/To are token accounts in both cases.
func parseTokenTransfer(accounts []*solana.AccountMeta, data []byte) (Transfer, bool) {
	inst, err := token.DecodeInstruction(accounts, data)
	if err != nil {
		return Transfer{}, false
	}
	switch x := inst.Impl.(type) {
	case *token.Transfer:
		if x.Amount == nil {
			return Transfer{}, false
		}
		return Transfer{
			From:   x.GetSourceAccount().PublicKey.String(),
			To:     x.GetDestinationAccount().PublicKey.String(),
			Amount: *x.Amount,
		}, true
	case *token.TransferChecked:
		if x.Amount == nil {
			return Transfer{}, false
		}
		mint := x.GetMintAccount().PublicKey.String()
		return Transfer{
			From:   x.GetSourceAccount().PublicKey.String(),
			To:     x.GetDestinationAccount().PublicKey.String(),
			Amount: *x.Amount,
			Mint:   &mint,
		}, true
	}
	return Transfer{}, false
}
