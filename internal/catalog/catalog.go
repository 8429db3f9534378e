// Package catalog manages what the till can sell: categories as plain
// reference data and products carrying price, slug, and the stock cache
// maintained by the inventory ledger.
package catalog

import (
	"context"
	"errors"
	"strings"

	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tillside/internal/ident"
	"github.com/smallbiznis/tillside/internal/record"
	"github.com/smallbiznis/tillside/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrInvalidName  = errors.New("invalid_name")
	ErrInvalidPrice = errors.New("invalid_price")
)

type ProductRequest struct {
	Name       string
	CategoryID ident.RecordID
	Price      decimal.Decimal
	CostPrice  decimal.Decimal
	TrackStock bool
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
	return &Service{store: p.Store, log: p.Log.Named("catalog")}
}

func (s *Service) CreateCategory(ctx context.Context, name string, sortOrder int64) (ident.RecordID, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ident.RecordID{}, ErrInvalidName
	}
	return s.store.Insert(ctx, "categories", record.Record{
		"name":       name,
		"sort_order": sortOrder,
		"is_active":  true,
	})
}

func (s *Service) Categories(ctx context.Context) ([]record.Record, error) {
	return s.store.Query(ctx, "categories",
		store.Q().Eq("is_active", true).OrderBy("sort_order", false))
}

func (s *Service) CreateProduct(ctx context.Context, req ProductRequest) (ident.RecordID, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return ident.RecordID{}, ErrInvalidName
	}
	if req.Price.IsNegative() {
		return ident.RecordID{}, ErrInvalidPrice
	}
	rec := record.Record{
		"name":           name,
		"slug":           slug.Make(name),
		"price":          req.Price,
		"cost_price":     req.CostPrice,
		"stock_quantity": decimal.Zero,
		"track_stock":    req.TrackStock,
		"is_active":      true,
	}
	if !req.CategoryID.IsZero() {
		rec["category_id"] = req.CategoryID.Ref()
	}
	return s.store.Insert(ctx, "products", rec)
}

func (s *Service) Product(ctx context.Context, id ident.RecordID) (record.Record, error) {
	return s.store.Get(ctx, "products", id)
}

func (s *Service) Products(ctx context.Context) ([]record.Record, error) {
	return s.store.Query(ctx, "products",
		store.Q().Eq("is_active", true).OrderBy("name", false))
}

func (s *Service) ProductsInCategory(ctx context.Context, categoryID ident.RecordID) ([]record.Record, error) {
	return s.store.Query(ctx, "products",
		store.Q().Eq("is_active", true).Eq("category_id", categoryID.Ref()).OrderBy("name", false))
}

func (s *Service) UpdateProduct(ctx context.Context, id ident.RecordID, values record.Record) error {
	// Stock belongs to the inventory ledger.
	delete(values, "stock_quantity")
	if name, ok := values["name"].(string); ok {
		values["slug"] = slug.Make(name)
	}
	n, err := s.store.Update(ctx, "products", values, store.Q().ByID(id))
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteProduct removes the product; historical order and purchase lines
// keep the product name but lose the link.
func (s *Service) DeleteProduct(ctx context.Context, id ident.RecordID) error {
	n, err := s.store.Delete(ctx, "products", store.Q().ByID(id))
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Setting reads one key from the settings reference table, empty when
// unset.
func (s *Service) Setting(ctx context.Context, key string) (string, error) {
	recs, err := s.store.Query(ctx, "settings", store.Q().Eq("key", key).Limit(1))
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "", nil
	}
	return recs[0].String("value"), nil
}

// PutSetting upserts one settings row.
func (s *Service) PutSetting(ctx context.Context, key, value string) error {
	n, err := s.store.Update(ctx, "settings", record.Record{"value": value},
		store.Q().Eq("key", key))
	if err != nil {
		return err
	}
	if n == 0 {
		_, err = s.store.Insert(ctx, "settings", record.Record{"key": key, "value": value})
	}
	return err
}

var Module = fx.Module("catalog",
	fx.Provide(New),
)
