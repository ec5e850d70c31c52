package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdraw
	JournalTypeBorrow
	JournalTypeRepay
	JournalTypeMint
	JournalTypeBurn
	JournalTypeTransferBalance
	JournalTypeTransferDebt
	JournalTypeInterestAccrual
	JournalTypeReserveFee
	JournalTypeLiquidationDebt
	JournalTypeLiquidationCollateral
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdraw:
		return "withdraw"
	case JournalTypeBorrow:
		return "borrow"
	case JournalTypeRepay:
		return "repay"
	case JournalTypeMint:
		return "mint"
	case JournalTypeBurn:
		return "burn"
	case JournalTypeTransferBalance:
		return "transfer_balance"
	case JournalTypeTransferDebt:
		return "transfer_debt"
	case JournalTypeInterestAccrual:
		return "interest_accrual"
	case JournalTypeReserveFee:
		return "reserve_fee"
	case JournalTypeLiquidationDebt:
		return "liquidation_debt"
	case JournalTypeLiquidationCollateral:
		return "liquidation_collateral"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID       // Unique identifier
	BatchID       uuid.UUID       // Groups the entries of one committed batch
	DebitAccount  AccountKey      // Account receiving debit
	CreditAccount AccountKey      // Account receiving credit
	Asset         common.Address  // Asset being moved
	Amount        decimal.Decimal // Underlying units (ALWAYS positive)
	JournalType   JournalType     // Entry type
	Timestamp     int64           // Versioned input timestamp (unix seconds)
}

// Batch represents the journal entries of one committed unit of work
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// NewBatch stamps journals with a fresh batch id.
func NewBatch(eventRef string, sequence, timestamp int64, journals []Journal) *Batch {
	return NewBatchWithID(uuid.New(), eventRef, sequence, timestamp, journals)
}

// NewBatchWithID stamps journals with an upstream batch id.
func NewBatchWithID(batchID uuid.UUID, eventRef string, sequence, timestamp int64, journals []Journal) *Batch {
	stamped := make([]Journal, len(journals))
	for i, j := range journals {
		j.BatchID = batchID
		stamped[i] = j
	}
	return &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  stamped,
	}
}

// Validate ensures the batch is well-formed. Each entry moves one positive
// amount from credit to debit, so every entry balances on its own.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if !j.Amount.IsPositive() {
			return fmt.Errorf("journal %s has non-positive amount: %s", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}
