// Package e2e exercises the full offline-first flow through the real
// wiring: stock arrives by purchase, sells through an order with a
// credit shortfall, and every write drains through the outbox to the
// remote applier.
package e2e

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tillside/internal/catalog"
	"github.com/smallbiznis/tillside/internal/clock"
	"github.com/smallbiznis/tillside/internal/customer"
	"github.com/smallbiznis/tillside/internal/ident"
	"github.com/smallbiznis/tillside/internal/ledger"
	"github.com/smallbiznis/tillside/internal/order"
	"github.com/smallbiznis/tillside/internal/outbox"
	"github.com/smallbiznis/tillside/internal/purchase"
	"github.com/smallbiznis/tillside/internal/record"
	"github.com/smallbiznis/tillside/internal/store"
	"github.com/smallbiznis/tillside/internal/syncengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// memoryRemote is the replication target: a map of table/id documents,
// applied idempotently the way the document store adapter applies them.
type memoryRemote struct {
	mu      sync.Mutex
	docs    map[string]record.Record
	offline bool
}

func newMemoryRemote() *memoryRemote {
	return &memoryRemote{docs: map[string]record.Record{}}
}

func (m *memoryRemote) Apply(_ context.Context, table, entityID, operation string, payload record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return errors.New("connection refused")
	}
	key := table + ":" + entityID
	switch operation {
	case outbox.OpDelete:
		delete(m.docs, key)
	default:
		doc := m.docs[key]
		if doc == nil {
			doc = record.Record{}
		}
		for k, v := range payload {
			doc[k] = v
		}
		m.docs[key] = doc
	}
	return nil
}

func (m *memoryRemote) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return errors.New("connection refused")
	}
	return nil
}

func (m *memoryRemote) setOffline(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = v
}

func (m *memoryRemote) doc(key string) record.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[key]
}

type fixture struct {
	store     *store.Store
	queue     *outbox.Queue
	engine    *syncengine.Engine
	remote    *memoryRemote
	clk       *clock.FakeClock
	catalog   *catalog.Service
	customers *customer.Service
	orders    *order.Service
	purchases *purchase.Service
	ledger    *ledger.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	local := store.NewLocalWithDB(db, log, clk)
	require.NoError(t, local.Open(context.Background()))

	queue := outbox.New(local.DB(), log)
	local.SetJournal(queue)

	st := store.New(store.Params{Mode: store.ModeLocal, Local: local}, log, clk)
	require.NoError(t, st.Init(context.Background()))

	remote := newMemoryRemote()
	engine, err := syncengine.New(syncengine.Params{
		Queue:  queue,
		Remote: remote,
		Log:    log,
		Clock:  clk,
		Config: syncengine.Config{BatchSize: 100, BaseBackoff: time.Second},
	})
	require.NoError(t, err)

	led := ledger.New(ledger.Params{Store: st, Log: log, Clock: clk})
	return &fixture{
		store:     st,
		queue:     queue,
		engine:    engine,
		remote:    remote,
		clk:       clk,
		catalog:   catalog.New(catalog.Params{Store: st, Log: log}),
		customers: customer.New(customer.Params{Store: st, Log: log}),
		orders:    order.New(order.Params{Store: st, Ledger: led, Log: log, Clock: clk}),
		purchases: purchase.New(purchase.Params{Store: st, Ledger: led, Log: log, Clock: clk}),
		ledger:    led,
	}
}

// drain runs the engine until the backlog is empty, advancing the clock
// past any backoff between passes.
func (f *fixture) drain(t *testing.T, ctx context.Context) {
	t.Helper()
	for i := 0; i < 20; i++ {
		require.NoError(t, f.engine.RunOnce(ctx))
		pending, err := f.queue.PendingCount(ctx)
		require.NoError(t, err)
		if pending == 0 {
			return
		}
		f.clk.Advance(time.Minute)
	}
	t.Fatal("backlog did not drain")
}

func TestOfflineSaleReachesRemote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	productID, err := f.catalog.CreateProduct(ctx, catalog.ProductRequest{
		Name:       "Beans 1kg",
		Price:      decimal.RequireFromString("10"),
		CostPrice:  decimal.RequireFromString("6"),
		TrackStock: true,
	})
	require.NoError(t, err)

	// Stock arrives: 20 units at cost, paid in full on receipt.
	pur, err := f.purchases.Create(ctx, purchase.CreateRequest{})
	require.NoError(t, err)
	_, err = f.purchases.AddItem(ctx, pur.ID, purchase.ItemRequest{
		ProductID: productID,
		Quantity:  decimal.RequireFromString("20"),
		UnitCost:  decimal.RequireFromString("6"),
	})
	require.NoError(t, err)
	_, err = f.purchases.RecordPayment(ctx, pur.ID, purchase.PaymentRequest{
		Amount: decimal.RequireFromString("120"),
		Method: "cash",
	})
	require.NoError(t, err)
	f.clk.Advance(time.Second)
	_, err = f.purchases.Receive(ctx, pur.ID, ident.RecordID{})
	require.NoError(t, err)

	prod, err := f.catalog.Product(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, "20", prod.Decimal("stock_quantity").String())

	// The sale: 3 units, customer covers part of it on credit.
	customerID, err := f.customers.Create(ctx, customer.CreateRequest{
		Name:        "Maria",
		CreditLimit: decimal.RequireFromString("100"),
	})
	require.NoError(t, err)

	ord, err := f.orders.Create(ctx, order.CreateRequest{CustomerID: customerID})
	require.NoError(t, err)
	_, err = f.orders.AddItem(ctx, ord.ID, order.ItemRequest{
		ProductID: productID,
		Quantity:  decimal.RequireFromString("3"),
	})
	require.NoError(t, err)
	_, err = f.orders.Confirm(ctx, ord.ID)
	require.NoError(t, err)
	f.clk.Advance(time.Second)
	done, err := f.orders.Complete(ctx, ord.ID, order.CompleteRequest{
		PaidAmount: decimal.RequireFromString("20"),
		Method:     "cash",
	})
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, done.Status)
	assert.Equal(t, "10", done.CreditAmount.String())

	// Ledgers agree with the workflow.
	prod, err = f.catalog.Product(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, "17", prod.Decimal("stock_quantity").String())
	balance, err := f.ledger.CurrentBalance(ctx, ledger.KindCredit, customerID)
	require.NoError(t, err)
	assert.Equal(t, "10", balance.String())

	// Everything above happened offline.
	pending, err := f.queue.PendingCount(ctx)
	require.NoError(t, err)
	assert.Greater(t, pending, int64(0))
	assert.Nil(t, f.remote.doc("products:"+productID.String()))

	f.drain(t, ctx)

	remoteProduct := f.remote.doc("products:" + productID.String())
	require.NotNil(t, remoteProduct)
	assert.Equal(t, "Beans 1kg", remoteProduct.String("name"))
	assert.Equal(t, "17", remoteProduct.Decimal("stock_quantity").String())

	remoteOrder := f.remote.doc("orders:" + ord.ID.String())
	require.NotNil(t, remoteOrder)
	assert.Equal(t, string(order.StatusCompleted), remoteOrder.String("status"))

	remoteCustomer := f.remote.doc("customers:" + customerID.String())
	require.NotNil(t, remoteCustomer)
	assert.Equal(t, "10", remoteCustomer.Decimal("credit_balance").String())
}

func TestOutageThenRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.customers.Create(ctx, customer.CreateRequest{Name: "Maria"})
	require.NoError(t, err)

	f.remote.setOffline(true)
	require.NoError(t, f.engine.RunOnce(ctx))
	pending, err := f.queue.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)

	// Edits keep landing locally while the link is down.
	require.NoError(t, f.customers.Update(ctx, id, record.Record{"phone": "555-0101"}))

	f.remote.setOffline(false)
	f.drain(t, ctx)

	doc := f.remote.doc("customers:" + id.String())
	require.NotNil(t, doc)
	assert.Equal(t, "555-0101", doc.String("phone"))
}
