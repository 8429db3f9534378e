// Package customer manages customer records and their lifecycle around
// the credit ledger: deleting a customer removes their credit history
// but only unlinks, never deletes, the orders that referenced them.
package customer

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tillside/internal/audit"
	"github.com/smallbiznis/tillside/internal/config"
	"github.com/smallbiznis/tillside/internal/ident"
	"github.com/smallbiznis/tillside/internal/record"
	"github.com/smallbiznis/tillside/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidName = errors.New("invalid_name")

type CreateRequest struct {
	Name        string
	Phone       string
	Email       string
	CreditLimit decimal.Decimal
}

type Params struct {
	fx.In

	Store *store.Store
	Log   *zap.Logger
	POS   *config.POSConfigHolder `optional:"true"`
	Audit *audit.Writer           `optional:"true"`
}

type Service struct {
	store *store.Store
	log   *zap.Logger
	pos   *config.POSConfigHolder
	audit *audit.Writer
}

func New(p Params) *Service {
	return &Service{store: p.Store, log: p.Log.Named("customer"), pos: p.POS, audit: p.Audit}
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (ident.RecordID, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return ident.RecordID{}, ErrInvalidName
	}
	limit := req.CreditLimit
	if limit.IsZero() && s.pos != nil {
		limit = decimal.NewFromFloat(s.pos.Get().DefaultCreditLimit)
	}
	id, err := s.store.Insert(ctx, "customers", record.Record{
		"name":           name,
		"phone":          req.Phone,
		"email":          req.Email,
		"credit_balance": decimal.Zero,
		"credit_limit":   limit,
		"is_active":      true,
	})
	if err != nil {
		return ident.RecordID{}, err
	}
	if s.audit != nil {
		s.audit.Log(ctx, "", "customer.create", "customer", id.String(), nil)
	}
	return id, nil
}

func (s *Service) Get(ctx context.Context, id ident.RecordID) (record.Record, error) {
	return s.store.Get(ctx, "customers", id)
}

func (s *Service) List(ctx context.Context) ([]record.Record, error) {
	return s.store.Query(ctx, "customers",
		store.Q().Eq("is_active", true).OrderBy("name", false))
}

func (s *Service) Update(ctx context.Context, id ident.RecordID, values record.Record) error {
	// The balance cache belongs to the ledger; direct edits would
	// desynchronize it from the transaction history.
	delete(values, "credit_balance")
	n, err := s.store.Update(ctx, "customers", values, store.Q().ByID(id))
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Delete removes the customer and, through the cascade registry, their
// credit transactions; orders keep a nulled customer link.
func (s *Service) Delete(ctx context.Context, id ident.RecordID) error {
	n, err := s.store.Delete(ctx, "customers", store.Q().ByID(id))
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	if s.audit != nil {
		s.audit.Log(ctx, "", "customer.delete", "customer", id.String(), nil)
	}
	return nil
}

var Module = fx.Module("customer",
	fx.Provide(New),
)
