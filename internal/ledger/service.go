package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tillside/internal/clock"
	"github.com/smallbiznis/tillside/internal/ident"
	"github.com/smallbiznis/tillside/internal/metrics"
	"github.com/smallbiznis/tillside/internal/record"
	"github.com/smallbiznis/tillside/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Store   *store.Store
	Log     *zap.Logger
	Clock   clock.Clock
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	store   *store.Store
	log     *zap.Logger
	clock   clock.Clock
	metrics *metrics.Metrics
	locks   *keyMutex
}

func New(p Params) *Service {
	return &Service{
		store:   p.Store,
		log:     p.Log.Named("ledger"),
		clock:   p.Clock,
		metrics: p.Metrics,
		locks:   newKeyMutex(),
	}
}

// Append writes one balance movement. The subject's current balance is
// re-read from its latest ledger row inside the same operation that
// writes the new row, so two concurrent appends can never both build on
// the same stale balance_before.
func (s *Service) Append(ctx context.Context, req AppendRequest) (Row, error) {
	table, err := tableFor(req.Kind)
	if err != nil {
		return Row{}, err
	}
	if req.SubjectID.IsZero() {
		return Row{}, ErrUnknownSubject
	}
	if req.Delta.IsZero() {
		return Row{}, ErrInvalidDelta
	}

	key := string(req.Kind) + "/" + req.SubjectID.String()
	s.locks.lock(key)
	defer s.locks.unlock(key)

	var row Row
	err = s.store.InTx(ctx, func(tx store.Ops) error {
		subject, err := s.loadSubject(ctx, tx, req.Kind, req.SubjectID)
		if err != nil {
			return err
		}

		before, err := s.latestBalance(ctx, tx, table, req.SubjectID)
		if err != nil {
			return err
		}

		row, err = s.buildRow(req, subject, before)
		if err != nil {
			return err
		}

		// Ledger row first; the cache update below is derived and
		// idempotent, so a crash between the two self-heals on rebuild.
		id, err := tx.Insert(ctx, table, s.encodeRow(row))
		if err != nil {
			return err
		}
		row.ID = id

		return s.updateCache(ctx, tx, req.Kind, req.SubjectID, row.BalanceAfter)
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.LedgerRejected.WithLabelValues(rejectReason(err)).Inc()
		}
		return Row{}, err
	}
	if s.metrics != nil {
		s.metrics.LedgerAppends.WithLabelValues(string(req.Kind)).Inc()
	}
	if row.Flagged {
		s.log.Warn("advisory limit breached",
			zap.String("kind", string(req.Kind)),
			zap.String("subject_id", row.SubjectID),
			zap.String("balance_after", row.BalanceAfter.String()),
		)
	}
	return row, nil
}

// CurrentBalance reads the authoritative balance from the latest ledger
// row, not the cached projection.
func (s *Service) CurrentBalance(ctx context.Context, kind Kind, subjectID ident.RecordID) (decimal.Decimal, error) {
	table, err := tableFor(kind)
	if err != nil {
		return decimal.Zero, err
	}
	var balance decimal.Decimal
	err = s.store.InTx(ctx, func(tx store.Ops) error {
		var err error
		balance, err = s.latestBalance(ctx, tx, table, subjectID)
		return err
	})
	return balance, err
}

// Rebuild recomputes the subject's cached balance from its ledger rows.
// Safe to run at any time; the cache is a materialized view.
func (s *Service) Rebuild(ctx context.Context, kind Kind, subjectID ident.RecordID) (decimal.Decimal, error) {
	table, err := tableFor(kind)
	if err != nil {
		return decimal.Zero, err
	}

	key := string(kind) + "/" + subjectID.String()
	s.locks.lock(key)
	defer s.locks.unlock(key)

	var balance decimal.Decimal
	err = s.store.InTx(ctx, func(tx store.Ops) error {
		rows, err := tx.Query(ctx, table,
			store.Q().Eq("subject_id", subjectID.String()).OrderBy("created_at", false))
		if err != nil {
			return err
		}
		balance = decimal.Zero
		for _, rec := range rows {
			balance = balance.Add(s.deltaOf(kind, rec))
		}
		return s.updateCache(ctx, tx, kind, subjectID, balance)
	})
	return balance, err
}

func (s *Service) loadSubject(ctx context.Context, tx store.Ops, kind Kind, id ident.RecordID) (record.Record, error) {
	table := "products"
	if kind == KindCredit {
		table = "customers"
	}
	recs, err := tx.Query(ctx, table, store.Q().ByID(id).Limit(1))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrUnknownSubject, table, id)
	}
	return recs[0], nil
}

func (s *Service) latestBalance(ctx context.Context, tx store.Ops, table string, subjectID ident.RecordID) (decimal.Decimal, error) {
	rows, err := tx.Query(ctx, table,
		store.Q().Eq("subject_id", subjectID.String()).OrderBy("created_at", true).Limit(1))
	if err != nil {
		return decimal.Zero, err
	}
	if len(rows) == 0 {
		return decimal.Zero, nil
	}
	return rows[0].Decimal("balance_after"), nil
}

func (s *Service) buildRow(req AppendRequest, subject record.Record, before decimal.Decimal) (Row, error) {
	row := Row{
		Kind:          req.Kind,
		SubjectID:     req.SubjectID.String(),
		TxType:        req.TxType,
		BalanceBefore: before,
		RefType:       req.RefType,
		RefID:         req.RefID,
		ActorID:       req.ActorID,
		Notes:         req.Notes,
		CreatedAt:     s.clock.Now(),
	}

	switch req.Kind {
	case KindInventory:
		row.Delta = req.Delta
		row.BalanceAfter = before.Add(req.Delta)
		// Stock is informational, not a hard limit: going negative is
		// allowed but flagged.
		row.Flagged = row.BalanceAfter.IsNegative()
	case KindCredit:
		magnitude := req.Delta.Abs()
		switch req.TxType {
		case TxCredit:
			row.Delta = magnitude
			row.BalanceAfter = before.Add(magnitude)
			limit := subject.Decimal("credit_limit")
			row.Flagged = limit.IsPositive() && row.BalanceAfter.GreaterThan(limit)
		case TxPayment, TxAdjustment:
			row.Delta = magnitude.Neg()
			row.BalanceAfter = before.Sub(magnitude)
			if row.BalanceAfter.IsNegative() {
				return Row{}, fmt.Errorf("%w: balance %s, payment %s",
					ErrOverpayment, before, magnitude)
			}
		default:
			return Row{}, ErrInvalidTxType
		}
	}
	return row, nil
}

func (s *Service) encodeRow(row Row) record.Record {
	rec := record.Record{
		"subject_id":     row.SubjectID,
		"balance_before": row.BalanceBefore,
		"balance_after":  row.BalanceAfter,
		"flagged":        row.Flagged,
		"reference_type": row.RefType,
		"reference_id":   row.RefID,
		"created_by":     row.ActorID,
		"notes":          row.Notes,
		"created_at":     row.CreatedAt.UnixMilli(),
	}
	if row.Kind == KindInventory {
		if row.Delta.IsNegative() {
			rec["quantity_in"] = decimal.Zero
			rec["quantity_out"] = row.Delta.Abs()
		} else {
			rec["quantity_in"] = row.Delta
			rec["quantity_out"] = decimal.Zero
		}
	} else {
		rec["amount"] = row.Delta
		rec["transaction_type"] = string(row.TxType)
	}
	return rec
}

func (s *Service) deltaOf(kind Kind, rec record.Record) decimal.Decimal {
	if kind == KindInventory {
		return rec.Decimal("quantity_in").Sub(rec.Decimal("quantity_out"))
	}
	return rec.Decimal("amount")
}

func (s *Service) updateCache(ctx context.Context, tx store.Ops, kind Kind, subjectID ident.RecordID, balance decimal.Decimal) error {
	table, field := "products", "stock_quantity"
	if kind == KindCredit {
		table, field = "customers", "credit_balance"
	}
	_, err := tx.Update(ctx, table, record.Record{field: balance}, store.Q().ByID(subjectID))
	return err
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrOverpayment):
		return "overpayment"
	case errors.Is(err, ErrUnknownSubject):
		return "unknown_subject"
	case errors.Is(err, ErrInvalidDelta), errors.Is(err, ErrInvalidTxType), errors.Is(err, ErrInvalidKind):
		return "invalid_request"
	default:
		return "backend"
	}
}
