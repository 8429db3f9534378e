// Package authz gates the destructive operations behind a binary
// admin/non-admin check. The policy layer is deliberately flat: one
// admin role that can do everything, everyone else read-and-sell.
package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/smallbiznis/tillside/internal/ident"
	"github.com/smallbiznis/tillside/internal/record"
	"github.com/smallbiznis/tillside/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidActor = errors.New("invalid_actor")
)

const (
	roleAdmin   = "role:admin"
	roleStaff   = "role:staff"
	domainStore = "store"

	ActionResetDatabase   = "store.reset"
	ActionLedgerAdjust    = "ledger.adjust"
	ActionSessionClose    = "session.close"
	ActionCustomerDelete  = "customer.delete"
	ActionProductDelete   = "product.delete"
	ActionPurchaseReceive = "purchase.receive"
	ActionOrderSell       = "order.sell"
)

const modelText = `
[request_definition]
r = sub, dom, act

[policy_definition]
p = sub, dom, act

[role_definition]
g = _, _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub, r.dom) && r.dom == p.dom && (p.act == "*" || r.act == p.act)
`

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func seedPolicies(e *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{roleAdmin, domainStore, "*"},
		{roleStaff, domainStore, ActionOrderSell},
	}
	for _, p := range policies {
		if _, err := e.AddPolicy(p[0], p[1], p[2]); err != nil {
			return err
		}
	}
	e.BuildRoleLinks()
	return nil
}

type Params struct {
	fx.In

	Store    *store.Store
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type Gate struct {
	store    *store.Store
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewGate(p Params) *Gate {
	return &Gate{store: p.Store, log: p.Log.Named("authz"), enforcer: p.Enforcer}
}

// Require checks that the user may perform the action. The user's role
// row decides admin or staff; the grouping is refreshed on every check
// because role edits must take effect without a restart.
func (g *Gate) Require(ctx context.Context, userID ident.RecordID, action string) error {
	if userID.IsZero() {
		return ErrInvalidActor
	}
	role, err := g.roleFor(ctx, userID)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("user:%s", userID)
	// Replace, not accumulate: a demoted admin must lose the old link.
	if _, err := g.enforcer.RemoveFilteredGroupingPolicy(0, subject); err != nil {
		return err
	}
	if _, err := g.enforcer.AddGroupingPolicy(subject, role, domainStore); err != nil {
		return err
	}

	allowed, err := g.enforcer.Enforce(subject, domainStore, action)
	if err != nil {
		return err
	}
	if !allowed {
		g.log.Warn("denied",
			zap.String("subject", subject),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	return nil
}

// RequireAdmin is the binary check most callers want.
func (g *Gate) RequireAdmin(ctx context.Context, userID ident.RecordID) error {
	return g.Require(ctx, userID, ActionResetDatabase)
}

func (g *Gate) roleFor(ctx context.Context, userID ident.RecordID) (string, error) {
	user, err := g.store.Get(ctx, "users", userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrInvalidActor
		}
		return "", err
	}
	if !user.Bool("is_active") {
		return "", ErrInvalidActor
	}
	if user.IsNull("role_id") {
		return roleStaff, nil
	}
	roleID, err := ident.Parse(user["role_id"])
	if err != nil {
		return roleStaff, nil
	}
	role, err := g.store.Get(ctx, "roles", roleID)
	if err != nil {
		return roleStaff, nil
	}
	if role.Bool("is_admin") {
		return roleAdmin, nil
	}
	name := strings.ToLower(strings.TrimSpace(role.String("name")))
	if name == "admin" {
		return roleAdmin, nil
	}
	return roleStaff, nil
}

// EnsureDefaultRoles seeds the two built-in roles on first run.
func EnsureDefaultRoles(ctx context.Context, st *store.Store) error {
	for _, r := range []struct {
		name  string
		admin bool
	}{{"admin", true}, {"staff", false}} {
		existing, err := st.Query(ctx, "roles", store.Q().Eq("name", r.name).Limit(1))
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			continue
		}
		if _, err := st.Insert(ctx, "roles", record.Record{
			"name":     r.name,
			"is_admin": r.admin,
		}); err != nil {
			return err
		}
	}
	return nil
}

// RunSeed makes sure the two built-in roles exist once the store is up.
// Seeding is fail-soft: a fresh offline install still boots, the rows
// land on the next start.
func RunSeed(lc fx.Lifecycle, st *store.Store, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := EnsureDefaultRoles(ctx, st); err != nil {
				log.Warn("default role seed skipped", zap.Error(err))
			}
			return nil
		},
	})
}

var Module = fx.Module("authz",
	fx.Provide(NewEnforcer),
	fx.Provide(NewGate),
	fx.Invoke(RunSeed),
)
