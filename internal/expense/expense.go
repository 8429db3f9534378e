// Package expense records money leaving the till outside of purchases.
package expense

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tillside/internal/ident"
	"github.com/smallbiznis/tillside/internal/record"
	"github.com/smallbiznis/tillside/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidDescription = errors.New("invalid_description")
)

type Request struct {
	Description string
	Amount      decimal.Decimal
	Category    string
	UserID      ident.RecordID
}

type Params struct {
	fx.In

	Store *store.Store
	Log   *zap.Logger
}

type Service struct {
	store *store.Store
	log   *zap.Logger
}

func New(p Params) *Service {
	return &Service{store: p.Store, log: p.Log.Named("expense")}
}

func (s *Service) Record(ctx context.Context, req Request) (ident.RecordID, error) {
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		return ident.RecordID{}, ErrInvalidDescription
	}
	if !req.Amount.IsPositive() {
		return ident.RecordID{}, ErrInvalidAmount
	}
	rec := record.Record{
		"description": desc,
		"amount":      req.Amount,
		"category":    req.Category,
	}
	if !req.UserID.IsZero() {
		rec["incurred_by"] = req.UserID.Ref()
	}
	return s.store.Insert(ctx, "expenses", rec)
}

func (s *Service) List(ctx context.Context) ([]record.Record, error) {
	return s.store.Query(ctx, "expenses", store.Q().OrderBy("created_at", true))
}

func (s *Service) Delete(ctx context.Context, id ident.RecordID) error {
	n, err := s.store.Delete(ctx, "expenses", store.Q().ByID(id))
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

var Module = fx.Module("expense",
	fx.Provide(New),
)
