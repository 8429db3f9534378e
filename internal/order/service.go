package order

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tillside/internal/audit"
	"github.com/smallbiznis/tillside/internal/clock"
	"github.com/smallbiznis/tillside/internal/config"
	"github.com/smallbiznis/tillside/internal/ident"
	"github.com/smallbiznis/tillside/internal/ledger"
	"github.com/smallbiznis/tillside/internal/record"
	"github.com/smallbiznis/tillside/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Store  *store.Store
	Ledger *ledger.Service
	Log    *zap.Logger
	Clock  clock.Clock
	POS    *config.POSConfigHolder `optional:"true"`
	Audit  *audit.Writer           `optional:"true"`
}

type Service struct {
	store  *store.Store
	ledger *ledger.Service
	log    *zap.Logger
	clock  clock.Clock
	pos    *config.POSConfigHolder
	audit  *audit.Writer
}

func New(p Params) *Service {
	return &Service{
		store:  p.Store,
		ledger: p.Ledger,
		log:    p.Log.Named("order"),
		clock:  p.Clock,
		pos:    p.POS,
		audit:  p.Audit,
	}
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (Order, error) {
	taxPercent := req.TaxPercent
	if taxPercent.IsZero() && s.pos != nil {
		taxPercent = decimal.NewFromFloat(s.pos.Get().DefaultTaxPercent)
	}

	rec := record.Record{
		"order_number":     s.orderNumber(),
		"status":           string(StatusPending),
		"payment_status":   string(PaymentUnpaid),
		"subtotal":         decimal.Zero,
		"discount_amount":  decimal.Zero,
		"discount_percent": req.DiscountPercent,
		"tax_amount":       decimal.Zero,
		"tax_percent":      taxPercent,
		"total_amount":     decimal.Zero,
		"paid_amount":      decimal.Zero,
		"credit_amount":    decimal.Zero,
		"notes":            req.Notes,
	}
	if !req.TableID.IsZero() {
		rec["table_id"] = req.TableID.Ref()
	}
	if !req.CustomerID.IsZero() {
		rec["customer_id"] = req.CustomerID.Ref()
	}
	if !req.UserID.IsZero() {
		rec["user_id"] = req.UserID.Ref()
	}

	id, err := s.store.Insert(ctx, "orders", rec)
	if err != nil {
		return Order{}, err
	}
	return s.Get(ctx, id)
}

func (s *Service) Get(ctx context.Context, id ident.RecordID) (Order, error) {
	rec, err := s.store.Get(ctx, "orders", id)
	if err != nil {
		return Order{}, err
	}
	return decodeOrder(id, rec), nil
}

// AddItem appends a line to a pending order and recomputes the money
// fields from the full item set.
func (s *Service) AddItem(ctx context.Context, orderID ident.RecordID, req ItemRequest) (Order, error) {
	if !req.Quantity.IsPositive() {
		return Order{}, ErrInvalidQuantity
	}

	var out Order
	err := s.store.InTx(ctx, func(tx store.Ops) error {
		header, err := s.pendingHeader(ctx, tx, orderID)
		if err != nil {
			return err
		}
		product, err := s.loadProduct(ctx, tx, req.ProductID)
		if err != nil {
			return err
		}

		unitPrice := product.Decimal("price")
		lineTotal := unitPrice.Mul(req.Quantity).Round(2)
		item := record.Record{
			"order_id":     orderID.Ref(),
			"product_id":   req.ProductID.Ref(),
			"product_name": product.String("name"),
			"quantity":     req.Quantity,
			"unit_price":   unitPrice,
			"line_total":   lineTotal,
		}
		if _, err := tx.Insert(ctx, "order_items", item); err != nil {
			return err
		}

		out, err = s.recompute(ctx, tx, orderID, header)
		return err
	})
	return out, err
}

// RemoveItem drops a line from a pending order and recomputes.
func (s *Service) RemoveItem(ctx context.Context, orderID, itemID ident.RecordID) (Order, error) {
	var out Order
	err := s.store.InTx(ctx, func(tx store.Ops) error {
		header, err := s.pendingHeader(ctx, tx, orderID)
		if err != nil {
			return err
		}
		n, err := tx.Delete(ctx, "order_items",
			store.Q().ByID(itemID).Eq("order_id", orderID.Ref()))
		if err != nil {
			return err
		}
		if n == 0 {
			return store.ErrNotFound
		}
		out, err = s.recompute(ctx, tx, orderID, header)
		return err
	})
	return out, err
}

// Confirm moves pending -> confirmed. An order without items cannot be
// confirmed.
func (s *Service) Confirm(ctx context.Context, orderID ident.RecordID) (Order, error) {
	var out Order
	err := s.store.InTx(ctx, func(tx store.Ops) error {
		items, err := tx.Query(ctx, "order_items", store.Q().Eq("order_id", orderID.Ref()))
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return ErrEmptyOrder
		}
		if err := s.transition(ctx, tx, orderID, StatusPending, StatusConfirmed, nil); err != nil {
			return err
		}
		out, err = s.reload(ctx, tx, orderID)
		return err
	})
	if err == nil {
		s.logAudit(ctx, "order.confirm", orderID)
	}
	return out, err
}

// Cancel is reachable from pending or confirmed only. Nothing has moved
// yet at that point, so there is no ledger to unwind.
func (s *Service) Cancel(ctx context.Context, orderID ident.RecordID) (Order, error) {
	var out Order
	err := s.store.InTx(ctx, func(tx store.Ops) error {
		header, err := s.reload(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !canCancel(header.Status) {
			return fmt.Errorf("%w: %s -> cancelled", ErrInvalidTransition, header.Status)
		}
		if err := s.transition(ctx, tx, orderID, header.Status, StatusCancelled, nil); err != nil {
			return err
		}
		out, err = s.reload(ctx, tx, orderID)
		return err
	})
	if err == nil {
		s.logAudit(ctx, "order.cancel", orderID)
	}
	return out, err
}

// Complete settles a confirmed order: payment recorded, shortfall put on
// the customer's credit ledger, stock moved out per item. The status flip
// is a guarded update so two concurrent completions cannot both settle.
func (s *Service) Complete(ctx context.Context, orderID ident.RecordID, req CompleteRequest) (Order, error) {
	if req.PaidAmount.IsNegative() {
		return Order{}, ErrNegativePayment
	}

	var out Order
	var creditDue decimal.Decimal
	var customerID ident.RecordID

	err := s.store.InTx(ctx, func(tx store.Ops) error {
		header, err := s.reload(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if header.Status != StatusConfirmed {
			return fmt.Errorf("%w: %s -> completed", ErrInvalidTransition, header.Status)
		}

		raw, err := tx.Query(ctx, "orders", store.Q().ByID(orderID).Limit(1))
		if err != nil {
			return err
		}
		if !raw[0].IsNull("customer_id") {
			customerID, _ = ident.Parse(raw[0]["customer_id"])
		}

		paid := decimal.Min(req.PaidAmount, header.TotalAmount)
		creditDue = header.TotalAmount.Sub(paid)
		if creditDue.IsPositive() && customerID.IsZero() {
			return ErrCreditNoCustomer
		}

		values := record.Record{
			"paid_amount":    paid,
			"credit_amount":  creditDue,
			"payment_status": string(paymentStatusFor(paid, header.TotalAmount)),
		}
		if err := s.transition(ctx, tx, orderID, StatusConfirmed, StatusCompleted, values); err != nil {
			return err
		}

		if paid.IsPositive() {
			payment := record.Record{
				"order_id": orderID.Ref(),
				"amount":   paid,
				"method":   methodOr(req.Method),
			}
			if !req.UserID.IsZero() {
				payment["received_by"] = req.UserID.Ref()
			}
			if _, err := tx.Insert(ctx, "payments", payment); err != nil {
				return err
			}
		}

		out, err = s.reload(ctx, tx, orderID)
		return err
	})
	if err != nil {
		return Order{}, err
	}

	// Ledger appends run after the order transaction: each append is its
	// own atomic unit and a crash in between leaves a completed order
	// whose movements are re-derivable from the order itself.
	if creditDue.IsPositive() {
		if _, err := s.ledger.Append(ctx, ledger.AppendRequest{
			Kind:      ledger.KindCredit,
			SubjectID: customerID,
			Delta:     creditDue,
			TxType:    ledger.TxCredit,
			RefType:   "order",
			RefID:     orderID.String(),
			ActorID:   req.UserID.String(),
		}); err != nil {
			return Order{}, err
		}
	}
	if err := s.moveStockOut(ctx, orderID, req.UserID); err != nil {
		return Order{}, err
	}

	s.logAudit(ctx, "order.complete", orderID)
	return out, nil
}

// Delete removes an order and, via the cascade registry, its items and
// payments.
func (s *Service) Delete(ctx context.Context, orderID ident.RecordID) error {
	n, err := s.store.Delete(ctx, "orders", store.Q().ByID(orderID))
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	s.logAudit(ctx, "order.delete", orderID)
	return nil
}

func (s *Service) Items(ctx context.Context, orderID ident.RecordID) ([]record.Record, error) {
	return s.store.Query(ctx, "order_items",
		store.Q().Eq("order_id", orderID.Ref()).OrderBy("created_at", false))
}

// transition flips status with a guard on the expected current value, so
// a concurrent writer loses cleanly instead of double-applying.
func (s *Service) transition(ctx context.Context, tx store.Ops, orderID ident.RecordID, from, to Status, extra record.Record) error {
	values := record.Record{"status": string(to)}
	for k, v := range extra {
		values[k] = v
	}
	n, err := tx.Update(ctx, "orders", values,
		store.Q().ByID(orderID).Eq("status", string(from)))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func (s *Service) pendingHeader(ctx context.Context, tx store.Ops, orderID ident.RecordID) (Order, error) {
	header, err := s.reload(ctx, tx, orderID)
	if err != nil {
		return Order{}, err
	}
	if header.Status != StatusPending {
		return Order{}, fmt.Errorf("%w: status %s", ErrNotPending, header.Status)
	}
	return header, nil
}

func (s *Service) reload(ctx context.Context, tx store.Ops, orderID ident.RecordID) (Order, error) {
	recs, err := tx.Query(ctx, "orders", store.Q().ByID(orderID).Limit(1))
	if err != nil {
		return Order{}, err
	}
	if len(recs) == 0 {
		return Order{}, store.ErrNotFound
	}
	return decodeOrder(orderID, recs[0]), nil
}

// recompute rebuilds the money fields from the current item set. The
// derivation is deterministic: subtotal, percent discount, then tax on
// the discounted base, all rounded half-up to two places.
func (s *Service) recompute(ctx context.Context, tx store.Ops, orderID ident.RecordID, header Order) (Order, error) {
	items, err := tx.Query(ctx, "order_items", store.Q().Eq("order_id", orderID.Ref()))
	if err != nil {
		return Order{}, err
	}

	raw, err := tx.Query(ctx, "orders", store.Q().ByID(orderID).Limit(1))
	if err != nil {
		return Order{}, err
	}
	if len(raw) == 0 {
		return Order{}, store.ErrNotFound
	}
	discountPercent := raw[0].Decimal("discount_percent")
	taxPercent := raw[0].Decimal("tax_percent")

	subtotal := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.Decimal("line_total"))
	}
	discount := subtotal.Mul(discountPercent).Div(decimal.NewFromInt(100)).Round(2)
	taxable := subtotal.Sub(discount)
	tax := taxable.Mul(taxPercent).Div(decimal.NewFromInt(100)).Round(2)
	total := taxable.Add(tax)

	_, err = tx.Update(ctx, "orders", record.Record{
		"subtotal":        subtotal,
		"discount_amount": discount,
		"tax_amount":      tax,
		"total_amount":    total,
	}, store.Q().ByID(orderID))
	if err != nil {
		return Order{}, err
	}
	return s.reload(ctx, tx, orderID)
}

func (s *Service) moveStockOut(ctx context.Context, orderID ident.RecordID, actor ident.RecordID) error {
	items, err := s.store.Query(ctx, "order_items", store.Q().Eq("order_id", orderID.Ref()))
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.IsNull("product_id") {
			continue
		}
		productID, err := ident.Parse(item["product_id"])
		if err != nil {
			continue
		}
		product, err := s.store.Get(ctx, "products", productID)
		if err != nil {
			return err
		}
		if !product.Bool("track_stock") {
			continue
		}
		if _, err := s.ledger.Append(ctx, ledger.AppendRequest{
			Kind:      ledger.KindInventory,
			SubjectID: productID,
			Delta:     item.Decimal("quantity").Neg(),
			RefType:   "order",
			RefID:     orderID.String(),
			ActorID:   actor.String(),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) loadProduct(ctx context.Context, tx store.Ops, id ident.RecordID) (record.Record, error) {
	recs, err := tx.Query(ctx, "products", store.Q().ByID(id).Limit(1))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, store.ErrNotFound
	}
	return recs[0], nil
}

func (s *Service) orderNumber() string {
	now := s.clock.Now()
	return fmt.Sprintf("ORD-%s-%03d", now.Format("20060102-150405"), now.UnixMilli()%1000)
}

func (s *Service) logAudit(ctx context.Context, action string, orderID ident.RecordID) {
	if s.audit == nil {
		return
	}
	s.audit.Log(ctx, "", action, "order", orderID.String(), nil)
}

func paymentStatusFor(paid, total decimal.Decimal) PaymentStatus {
	switch {
	case !paid.IsPositive():
		return PaymentUnpaid
	case paid.GreaterThanOrEqual(total):
		return PaymentPaid
	default:
		return PaymentPartial
	}
}

func methodOr(m string) string {
	if m == "" {
		return "cash"
	}
	return m
}

func decodeOrder(id ident.RecordID, rec record.Record) Order {
	return Order{
		ID:             id,
		OrderNumber:    rec.String("order_number"),
		Status:         Status(rec.String("status")),
		PaymentStatus:  PaymentStatus(rec.String("payment_status")),
		Subtotal:       rec.Decimal("subtotal"),
		DiscountAmount: rec.Decimal("discount_amount"),
		TaxAmount:      rec.Decimal("tax_amount"),
		TotalAmount:    rec.Decimal("total_amount"),
		PaidAmount:     rec.Decimal("paid_amount"),
		CreditAmount:   rec.Decimal("credit_amount"),
	}
}
