package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tillside/internal/audit"
	"github.com/smallbiznis/tillside/internal/authz"
	"github.com/smallbiznis/tillside/internal/catalog"
	"github.com/smallbiznis/tillside/internal/clock"
	"github.com/smallbiznis/tillside/internal/config"
	"github.com/smallbiznis/tillside/internal/customer"
	"github.com/smallbiznis/tillside/internal/expense"
	"github.com/smallbiznis/tillside/internal/ledger"
	"github.com/smallbiznis/tillside/internal/logger"
	"github.com/smallbiznis/tillside/internal/metrics"
	"github.com/smallbiznis/tillside/internal/order"
	"github.com/smallbiznis/tillside/internal/outbox"
	"github.com/smallbiznis/tillside/internal/purchase"
	"github.com/smallbiznis/tillside/internal/seed"
	"github.com/smallbiznis/tillside/internal/session"
	"github.com/smallbiznis/tillside/internal/store"
	"github.com/smallbiznis/tillside/internal/syncengine"
	"github.com/smallbiznis/tillside/internal/user"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		clock.Module,
		metrics.Module,
		store.Module,
		outbox.Module,
		syncengine.Module,

		// Functional domains
		ledger.Module,
		catalog.Module,
		customer.Module,
		order.Module,
		purchase.Module,
		session.Module,
		expense.Module,
		user.Module,
		audit.Module,
		authz.Module,
		seed.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
