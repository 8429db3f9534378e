// Package order is the sales workflow: a header plus owned items moving
// pending -> confirmed -> completed, with cancellation allowed until the
// money side has settled. Completion is where stock and credit move.
package order

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tillside/internal/ident"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "unpaid"
	PaymentPartial PaymentStatus = "partial"
	PaymentPaid    PaymentStatus = "paid"
)

var (
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrNotPending        = errors.New("order_not_pending")
	ErrEmptyOrder        = errors.New("order_has_no_items")
	ErrInvalidQuantity   = errors.New("invalid_quantity")
	ErrCreditNoCustomer  = errors.New("credit_requires_customer")
	ErrNegativePayment   = errors.New("negative_payment")
)

// CreateRequest opens a pending order. Percentages are whole-number
// decimals (10 means 10%); zero values fall back to the configured
// defaults.
type CreateRequest struct {
	TableID         ident.RecordID
	CustomerID      ident.RecordID
	UserID          ident.RecordID
	TaxPercent      decimal.Decimal
	DiscountPercent decimal.Decimal
	Notes           string
}

// ItemRequest adds one line to a pending order.
type ItemRequest struct {
	ProductID ident.RecordID
	Quantity  decimal.Decimal
}

// CompleteRequest settles an order. Any shortfall between the tendered
// amount and the total is put on the linked customer's credit.
type CompleteRequest struct {
	PaidAmount decimal.Decimal
	Method     string
	UserID     ident.RecordID
}

// Order is the header snapshot returned by the workflow.
type Order struct {
	ID             ident.RecordID
	OrderNumber    string
	Status         Status
	PaymentStatus  PaymentStatus
	Subtotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	TaxAmount      decimal.Decimal
	TotalAmount    decimal.Decimal
	PaidAmount     decimal.Decimal
	CreditAmount   decimal.Decimal
}

// cancellable statuses; completed orders have moved stock and money and
// stay as-is.
func canCancel(from Status) bool {
	return from == StatusPending || from == StatusConfirmed
}
