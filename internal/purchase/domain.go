// Package purchase is the supplier-side workflow: ordered stock coming
// in, paid down over time. Outstanding amounts are always recomputed from
// total minus paid, never edited directly, and paid can only grow.
package purchase

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tillside/internal/ident"
)

type Status string

const (
	StatusOrdered   Status = "ordered"
	StatusReceived  Status = "received"
	StatusCancelled Status = "cancelled"
)

type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "unpaid"
	PaymentPartial PaymentStatus = "partial"
	PaymentPaid    PaymentStatus = "paid"
)

var (
	// ErrOverpayment: a supplier payment would push paid past total. Same
	// hard-rejection treatment as customer credit overpayment.
	ErrOverpayment = errors.New("overpayment")

	ErrInvalidTransition = errors.New("invalid_transition")
	ErrNotOrdered        = errors.New("purchase_not_ordered")
	ErrEmptyPurchase     = errors.New("purchase_has_no_items")
	ErrInvalidQuantity   = errors.New("invalid_quantity")
	ErrInvalidAmount     = errors.New("invalid_amount")
)

type CreateRequest struct {
	SupplierID ident.RecordID
	Notes      string
}

type ItemRequest struct {
	ProductID ident.RecordID
	Quantity  decimal.Decimal
	UnitCost  decimal.Decimal
}

type PaymentRequest struct {
	Amount decimal.Decimal
	Method string
	UserID ident.RecordID
}

type Purchase struct {
	ID             ident.RecordID
	PurchaseNumber string
	Status         Status
	PaymentStatus  PaymentStatus
	TotalAmount    decimal.Decimal
	PaidAmount     decimal.Decimal
	Outstanding    decimal.Decimal
}
