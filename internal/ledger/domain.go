// Package ledger is the append-only balance engine behind inventory
// stock and customer credit. The ledger rows are the source of truth;
// the balance cached on the subject record is a projection that can
// always be rebuilt from them.
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tillside/internal/ident"
)

// Kind selects which ledger a row belongs to.
type Kind string

const (
	// KindInventory tracks product stock movements in inventory_ledger.
	KindInventory Kind = "inventory"
	// KindCredit tracks customer credit in credit_transactions.
	KindCredit Kind = "credit"
)

// TxType tags credit-ledger rows with the business direction of the
// movement. Inventory rows carry direction in the delta sign instead.
type TxType string

const (
	TxCredit     TxType = "credit"
	TxPayment    TxType = "payment"
	TxAdjustment TxType = "adjustment"
)

var (
	// ErrOverpayment: a payment would drive a money balance negative.
	// Money is a hard limit; the append is rejected, never clamped.
	ErrOverpayment = errors.New("overpayment")

	ErrInvalidKind    = errors.New("invalid_ledger_kind")
	ErrInvalidDelta   = errors.New("invalid_delta")
	ErrInvalidTxType  = errors.New("invalid_transaction_type")
	ErrUnknownSubject = errors.New("unknown_subject")
)

// AppendRequest describes one balance movement.
type AppendRequest struct {
	Kind        Kind
	SubjectID   ident.RecordID
	Delta       decimal.Decimal
	TxType      TxType // credit kind only
	RefType     string
	RefID       string
	ActorID     string
	Notes       string
}

// Row is one appended ledger record with its before/after snapshot.
type Row struct {
	ID            ident.RecordID
	Kind          Kind
	SubjectID     string
	Delta         decimal.Decimal
	TxType        TxType
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal

	// Flagged marks an advisory breach: negative stock on the inventory
	// ledger, a credit-limit crossing on the credit ledger. Neither
	// rejects the append; money underflow does (ErrOverpayment).
	Flagged bool

	RefType   string
	RefID     string
	ActorID   string
	Notes     string
	CreatedAt time.Time
}

func tableFor(kind Kind) (string, error) {
	switch kind {
	case KindInventory:
		return "inventory_ledger", nil
	case KindCredit:
		return "credit_transactions", nil
	default:
		return "", ErrInvalidKind
	}
}
