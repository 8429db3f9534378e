package purchase

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tillside/internal/audit"
	"github.com/smallbiznis/tillside/internal/clock"
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
	Audit  *audit.Writer `optional:"true"`
}

type Service struct {
	store  *store.Store
	ledger *ledger.Service
	log    *zap.Logger
	clock  clock.Clock
	audit  *audit.Writer
}

func New(p Params) *Service {
	return &Service{
		store:  p.Store,
		ledger: p.Ledger,
		log:    p.Log.Named("purchase"),
		clock:  p.Clock,
		audit:  p.Audit,
	}
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (Purchase, error) {
	rec := record.Record{
		"purchase_number":    s.purchaseNumber(),
		"status":             string(StatusOrdered),
		"payment_status":     string(PaymentUnpaid),
		"total_amount":       decimal.Zero,
		"paid_amount":        decimal.Zero,
		"outstanding_amount": decimal.Zero,
		"notes":              req.Notes,
	}
	if !req.SupplierID.IsZero() {
		rec["supplier_id"] = req.SupplierID.Ref()
	}
	id, err := s.store.Insert(ctx, "purchases", rec)
	if err != nil {
		return Purchase{}, err
	}
	return s.Get(ctx, id)
}

func (s *Service) Get(ctx context.Context, id ident.RecordID) (Purchase, error) {
	rec, err := s.store.Get(ctx, "purchases", id)
	if err != nil {
		return Purchase{}, err
	}
	return decodePurchase(id, rec), nil
}

// AddItem appends a line while the purchase is still ordered, then
// recomputes total and outstanding from the item set.
func (s *Service) AddItem(ctx context.Context, purchaseID ident.RecordID, req ItemRequest) (Purchase, error) {
	if !req.Quantity.IsPositive() {
		return Purchase{}, ErrInvalidQuantity
	}
	if req.UnitCost.IsNegative() {
		return Purchase{}, ErrInvalidAmount
	}

	var out Purchase
	err := s.store.InTx(ctx, func(tx store.Ops) error {
		header, err := s.reload(ctx, tx, purchaseID)
		if err != nil {
			return err
		}
		if header.Status != StatusOrdered {
			return fmt.Errorf("%w: status %s", ErrNotOrdered, header.Status)
		}

		name := ""
		if !req.ProductID.IsZero() {
			product, err := s.loadProduct(ctx, tx, req.ProductID)
			if err != nil {
				return err
			}
			name = product.String("name")
		}

		item := record.Record{
			"purchase_id":  purchaseID.Ref(),
			"product_name": name,
			"quantity":     req.Quantity,
			"unit_cost":    req.UnitCost,
			"line_total":   req.UnitCost.Mul(req.Quantity).Round(2),
		}
		if !req.ProductID.IsZero() {
			item["product_id"] = req.ProductID.Ref()
		}
		if _, err := tx.Insert(ctx, "purchase_items", item); err != nil {
			return err
		}
		out, err = s.recompute(ctx, tx, purchaseID)
		return err
	})
	return out, err
}

// RecordPayment pays down the outstanding amount. Paid is monotonically
// non-decreasing and capped at total; any excess is rejected outright.
func (s *Service) RecordPayment(ctx context.Context, purchaseID ident.RecordID, req PaymentRequest) (Purchase, error) {
	if !req.Amount.IsPositive() {
		return Purchase{}, ErrInvalidAmount
	}

	var out Purchase
	err := s.store.InTx(ctx, func(tx store.Ops) error {
		header, err := s.reload(ctx, tx, purchaseID)
		if err != nil {
			return err
		}
		if header.Status == StatusCancelled {
			return fmt.Errorf("%w: status %s", ErrInvalidTransition, header.Status)
		}

		newPaid := header.PaidAmount.Add(req.Amount)
		if newPaid.GreaterThan(header.TotalAmount) {
			return fmt.Errorf("%w: outstanding %s, payment %s",
				ErrOverpayment, header.Outstanding, req.Amount)
		}

		// Guard on the previous paid amount so a concurrent payment
		// cannot double-apply against a stale read.
		n, err := tx.Update(ctx, "purchases", record.Record{
			"paid_amount":        newPaid,
			"outstanding_amount": header.TotalAmount.Sub(newPaid),
			"payment_status":     string(paymentStatusFor(newPaid, header.TotalAmount)),
		}, store.Q().ByID(purchaseID).Eq("paid_amount", header.PaidAmount.String()))
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: concurrent payment", ErrInvalidTransition)
		}

		payment := record.Record{
			"purchase_id": purchaseID.Ref(),
			"amount":      req.Amount,
			"method":      methodOr(req.Method),
		}
		if !req.UserID.IsZero() {
			payment["paid_by"] = req.UserID.Ref()
		}
		if _, err := tx.Insert(ctx, "purchase_payments", payment); err != nil {
			return err
		}

		out, err = s.reload(ctx, tx, purchaseID)
		return err
	})
	if err == nil {
		s.logAudit(ctx, "purchase.payment", purchaseID)
	}
	return out, err
}

// Receive marks the stock as arrived and appends inventory in-movements
// per tracked item.
func (s *Service) Receive(ctx context.Context, purchaseID ident.RecordID, actor ident.RecordID) (Purchase, error) {
	var out Purchase
	err := s.store.InTx(ctx, func(tx store.Ops) error {
		items, err := tx.Query(ctx, "purchase_items", store.Q().Eq("purchase_id", purchaseID.Ref()))
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return ErrEmptyPurchase
		}
		n, err := tx.Update(ctx, "purchases", record.Record{"status": string(StatusReceived)},
			store.Q().ByID(purchaseID).Eq("status", string(StatusOrdered)))
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: -> received", ErrInvalidTransition)
		}
		out, err = s.reload(ctx, tx, purchaseID)
		return err
	})
	if err != nil {
		return Purchase{}, err
	}

	items, err := s.store.Query(ctx, "purchase_items", store.Q().Eq("purchase_id", purchaseID.Ref()))
	if err != nil {
		return Purchase{}, err
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
			return Purchase{}, err
		}
		if !product.Bool("track_stock") {
			continue
		}
		if _, err := s.ledger.Append(ctx, ledger.AppendRequest{
			Kind:      ledger.KindInventory,
			SubjectID: productID,
			Delta:     item.Decimal("quantity"),
			RefType:   "purchase",
			RefID:     purchaseID.String(),
			ActorID:   actor.String(),
		}); err != nil {
			return Purchase{}, err
		}
	}

	s.logAudit(ctx, "purchase.receive", purchaseID)
	return out, nil
}

// Cancel only applies before any money or stock has moved.
func (s *Service) Cancel(ctx context.Context, purchaseID ident.RecordID) (Purchase, error) {
	var out Purchase
	err := s.store.InTx(ctx, func(tx store.Ops) error {
		header, err := s.reload(ctx, tx, purchaseID)
		if err != nil {
			return err
		}
		if header.Status != StatusOrdered || header.PaidAmount.IsPositive() {
			return fmt.Errorf("%w: %s -> cancelled", ErrInvalidTransition, header.Status)
		}
		if _, err := tx.Update(ctx, "purchases", record.Record{"status": string(StatusCancelled)},
			store.Q().ByID(purchaseID).Eq("status", string(StatusOrdered))); err != nil {
			return err
		}
		out, err = s.reload(ctx, tx, purchaseID)
		return err
	})
	if err == nil {
		s.logAudit(ctx, "purchase.cancel", purchaseID)
	}
	return out, err
}

func (s *Service) Items(ctx context.Context, purchaseID ident.RecordID) ([]record.Record, error) {
	return s.store.Query(ctx, "purchase_items",
		store.Q().Eq("purchase_id", purchaseID.Ref()).OrderBy("created_at", false))
}

func (s *Service) reload(ctx context.Context, tx store.Ops, id ident.RecordID) (Purchase, error) {
	recs, err := tx.Query(ctx, "purchases", store.Q().ByID(id).Limit(1))
	if err != nil {
		return Purchase{}, err
	}
	if len(recs) == 0 {
		return Purchase{}, store.ErrNotFound
	}
	return decodePurchase(id, recs[0]), nil
}

func (s *Service) recompute(ctx context.Context, tx store.Ops, id ident.RecordID) (Purchase, error) {
	items, err := tx.Query(ctx, "purchase_items", store.Q().Eq("purchase_id", id.Ref()))
	if err != nil {
		return Purchase{}, err
	}
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Decimal("line_total"))
	}

	header, err := s.reload(ctx, tx, id)
	if err != nil {
		return Purchase{}, err
	}
	_, err = tx.Update(ctx, "purchases", record.Record{
		"total_amount":       total,
		"outstanding_amount": total.Sub(header.PaidAmount),
		"payment_status":     string(paymentStatusFor(header.PaidAmount, total)),
	}, store.Q().ByID(id))
	if err != nil {
		return Purchase{}, err
	}
	return s.reload(ctx, tx, id)
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

func (s *Service) purchaseNumber() string {
	now := s.clock.Now()
	return fmt.Sprintf("PUR-%s-%03d", now.Format("20060102-150405"), now.UnixMilli()%1000)
}

func (s *Service) logAudit(ctx context.Context, action string, id ident.RecordID) {
	if s.audit == nil {
		return
	}
	s.audit.Log(ctx, "", action, "purchase", id.String(), nil)
}

func paymentStatusFor(paid, total decimal.Decimal) PaymentStatus {
	switch {
	case !paid.IsPositive():
		return PaymentUnpaid
	case paid.GreaterThanOrEqual(total) && total.IsPositive():
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

func decodePurchase(id ident.RecordID, rec record.Record) Purchase {
	return Purchase{
		ID:             id,
		PurchaseNumber: rec.String("purchase_number"),
		Status:         Status(rec.String("status")),
		PaymentStatus:  PaymentStatus(rec.String("payment_status")),
		TotalAmount:    rec.Decimal("total_amount"),
		PaidAmount:     rec.Decimal("paid_amount"),
		Outstanding:    rec.Decimal("outstanding_amount"),
	}
}

var Module = fx.Module("purchase",
	fx.Provide(New),
)
