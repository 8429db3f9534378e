// Package seed bootstraps a fresh install: the built-in admin account
// and the walk-in customer every till expects to exist. Seeding is
// idempotent and fail-soft, so an offline first boot just retries on
// the next start.
package seed

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tillside/internal/ident"
	"github.com/smallbiznis/tillside/internal/record"
	"github.com/smallbiznis/tillside/internal/store"
	"github.com/smallbiznis/tillside/internal/user"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultAdminUsername = "admin"
	defaultAdminPassword = "admin"
	walkInCustomerName   = "Walk-in"
)

type Params struct {
	fx.In

	Store *store.Store
	Users *user.Service
	Log   *zap.Logger
}

type Seeder struct {
	store *store.Store
	users *user.Service
	log   *zap.Logger
}

func New(p Params) *Seeder {
	return &Seeder{store: p.Store, users: p.Users, log: p.Log.Named("seed")}
}

// EnsureDefaults creates the missing bootstrap rows. Existing rows are
// never touched: a renamed walk-in customer or a changed admin password
// survives restarts.
func (s *Seeder) EnsureDefaults(ctx context.Context) error {
	if err := s.ensureAdmin(ctx); err != nil {
		return err
	}
	return s.ensureWalkInCustomer(ctx)
}

func (s *Seeder) ensureAdmin(ctx context.Context) error {
	roleID, err := s.adminRoleID(ctx)
	if err != nil {
		return err
	}
	_, err = s.users.Create(ctx, user.CreateRequest{
		Username: defaultAdminUsername,
		FullName: "Administrator",
		Password: defaultAdminPassword,
		RoleID:   roleID,
	})
	if err == user.ErrUsernameTaken {
		return nil
	}
	if err != nil {
		return err
	}
	s.log.Info("seeded default admin account",
		zap.String("username", defaultAdminUsername))
	return nil
}

func (s *Seeder) adminRoleID(ctx context.Context) (ident.RecordID, error) {
	recs, err := s.store.Query(ctx, "roles", store.Q().Eq("name", "admin").Limit(1))
	if err != nil || len(recs) == 0 {
		return ident.RecordID{}, err
	}
	return ident.Parse(recs[0]["id"])
}

func (s *Seeder) ensureWalkInCustomer(ctx context.Context) error {
	recs, err := s.store.Query(ctx, "customers", store.Q().Eq("name", walkInCustomerName).Limit(1))
	if err != nil || len(recs) > 0 {
		return err
	}
	_, err = s.store.Insert(ctx, "customers", record.Record{
		"name":           walkInCustomerName,
		"credit_balance": decimal.Zero,
		"credit_limit":   decimal.Zero,
		"is_active":      true,
	})
	if err == nil {
		s.log.Info("seeded walk-in customer")
	}
	return err
}

func Run(lc fx.Lifecycle, s *Seeder) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := s.EnsureDefaults(ctx); err != nil {
				s.log.Warn("bootstrap seed skipped", zap.Error(err))
			}
			return nil
		},
	})
}

var Module = fx.Module("seed",
	fx.Provide(New),
	fx.Invoke(Run),
)
