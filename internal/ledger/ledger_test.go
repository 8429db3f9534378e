package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tillside/internal/clock"
	"github.com/smallbiznis/tillside/internal/ident"
	"github.com/smallbiznis/tillside/internal/record"
	"github.com/smallbiznis/tillside/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestService(t *testing.T) (*Service, *store.Store, *clock.FakeClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	local := store.NewLocalWithDB(db, log, clk)
	require.NoError(t, local.Open(context.Background()))

	st := store.New(store.Params{Mode: store.ModeLocal, Local: local}, log, clk)
	require.NoError(t, st.Init(context.Background()))

	svc := New(Params{Store: st, Log: log, Clock: clk})
	return svc, st, clk
}

func seedCustomer(t *testing.T, st *store.Store, limit string) ident.RecordID {
	t.Helper()
	id, err := st.Insert(context.Background(), "customers", record.Record{
		"name":         "Walk-in",
		"credit_limit": decimal.RequireFromString(limit),
	})
	require.NoError(t, err)
	return id
}

func seedProduct(t *testing.T, st *store.Store) ident.RecordID {
	t.Helper()
	id, err := st.Insert(context.Background(), "products", record.Record{
		"name":  "Beans 1kg",
		"price": decimal.RequireFromString("12.50"),
	})
	require.NoError(t, err)
	return id
}

func TestAppendChainsBalances(t *testing.T) {
	svc, st, clk := newTestService(t)
	ctx := context.Background()
	product := seedProduct(t, st)

	deltas := []string{"10", "-3", "5", "-12"}
	want := []struct{ before, after string }{
		{"0", "10"}, {"10", "7"}, {"7", "12"}, {"12", "0"},
	}
	for i, d := range deltas {
		row, err := svc.Append(ctx, AppendRequest{
			Kind:      KindInventory,
			SubjectID: product,
			Delta:     decimal.RequireFromString(d),
		})
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString(want[i].before).Equal(row.BalanceBefore), "row %d before", i)
		assert.True(t, decimal.RequireFromString(want[i].after).Equal(row.BalanceAfter), "row %d after", i)
		clk.Advance(time.Second)
	}

	balance, err := svc.CurrentBalance(ctx, KindInventory, product)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	// The cached projection tracks the latest balance_after.
	rec, err := st.Get(ctx, "products", product)
	require.NoError(t, err)
	assert.True(t, rec.Decimal("stock_quantity").IsZero())
}

func TestCreditScenario(t *testing.T) {
	svc, st, clk := newTestService(t)
	ctx := context.Background()
	customer := seedCustomer(t, st, "500")

	step := func(delta string, tx TxType) (Row, error) {
		defer clk.Advance(time.Second)
		return svc.Append(ctx, AppendRequest{
			Kind:      KindCredit,
			SubjectID: customer,
			Delta:     decimal.RequireFromString(delta),
			TxType:    tx,
		})
	}

	row, err := step("300", TxCredit)
	require.NoError(t, err)
	assert.False(t, row.Flagged)
	assert.Equal(t, "300", row.BalanceAfter.String())

	// Crossing the limit is allowed but flagged.
	row, err = step("300", TxCredit)
	require.NoError(t, err)
	assert.True(t, row.Flagged)
	assert.Equal(t, "600", row.BalanceAfter.String())

	row, err = step("600", TxPayment)
	require.NoError(t, err)
	assert.True(t, row.BalanceAfter.IsZero())

	// Paying past zero is a hard rejection.
	_, err = step("50", TxPayment)
	require.ErrorIs(t, err, ErrOverpayment)

	balance, err := svc.CurrentBalance(ctx, KindCredit, customer)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	rec, err := st.Get(ctx, "customers", customer)
	require.NoError(t, err)
	assert.True(t, rec.Decimal("credit_balance").IsZero())
}

func TestOverpaymentLeavesLedgerUntouched(t *testing.T) {
	svc, st, clk := newTestService(t)
	ctx := context.Background()
	customer := seedCustomer(t, st, "0")

	_, err := svc.Append(ctx, AppendRequest{
		Kind:      KindCredit,
		SubjectID: customer,
		Delta:     decimal.RequireFromString("100"),
		TxType:    TxCredit,
	})
	require.NoError(t, err)
	clk.Advance(time.Second)

	_, err = svc.Append(ctx, AppendRequest{
		Kind:      KindCredit,
		SubjectID: customer,
		Delta:     decimal.RequireFromString("150"),
		TxType:    TxPayment,
	})
	require.ErrorIs(t, err, ErrOverpayment)

	rows, err := st.Query(ctx, "credit_transactions",
		store.Q().Eq("subject_id", customer.String()))
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	balance, err := svc.CurrentBalance(ctx, KindCredit, customer)
	require.NoError(t, err)
	assert.Equal(t, "100", balance.String())
}

func TestNegativeStockFlagged(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	product := seedProduct(t, st)

	row, err := svc.Append(ctx, AppendRequest{
		Kind:      KindInventory,
		SubjectID: product,
		Delta:     decimal.RequireFromString("-4"),
	})
	require.NoError(t, err)
	assert.True(t, row.Flagged)
	assert.Equal(t, "-4", row.BalanceAfter.String())
}

func TestPaymentDirectionIgnoresSign(t *testing.T) {
	svc, st, clk := newTestService(t)
	ctx := context.Background()
	customer := seedCustomer(t, st, "0")

	_, err := svc.Append(ctx, AppendRequest{
		Kind:      KindCredit,
		SubjectID: customer,
		Delta:     decimal.RequireFromString("80"),
		TxType:    TxCredit,
	})
	require.NoError(t, err)
	clk.Advance(time.Second)

	// A payment reduces the balance regardless of how the caller signed
	// the delta.
	row, err := svc.Append(ctx, AppendRequest{
		Kind:      KindCredit,
		SubjectID: customer,
		Delta:     decimal.RequireFromString("-30"),
		TxType:    TxPayment,
	})
	require.NoError(t, err)
	assert.Equal(t, "50", row.BalanceAfter.String())
}

func TestRejectsInvalidRequests(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	customer := seedCustomer(t, st, "0")

	_, err := svc.Append(ctx, AppendRequest{Kind: "points", SubjectID: customer, Delta: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrInvalidKind)

	_, err = svc.Append(ctx, AppendRequest{Kind: KindCredit, SubjectID: customer})
	assert.ErrorIs(t, err, ErrInvalidDelta)

	_, err = svc.Append(ctx, AppendRequest{Kind: KindCredit, SubjectID: customer, Delta: decimal.NewFromInt(1), TxType: "refund"})
	assert.ErrorIs(t, err, ErrInvalidTxType)

	_, err = svc.Append(ctx, AppendRequest{
		Kind:      KindCredit,
		SubjectID: ident.LocalID(9999),
		Delta:     decimal.NewFromInt(1),
		TxType:    TxCredit,
	})
	assert.ErrorIs(t, err, ErrUnknownSubject)
}

func TestRebuildConverges(t *testing.T) {
	svc, st, clk := newTestService(t)
	ctx := context.Background()
	product := seedProduct(t, st)

	for _, d := range []string{"20", "-5", "-5", "3"} {
		_, err := svc.Append(ctx, AppendRequest{
			Kind:      KindInventory,
			SubjectID: product,
			Delta:     decimal.RequireFromString(d),
		})
		require.NoError(t, err)
		clk.Advance(time.Second)
	}

	// Corrupt the cache, then rebuild from the ledger rows.
	_, err := st.Update(ctx, "products",
		record.Record{"stock_quantity": decimal.RequireFromString("999")},
		store.Q().ByID(product))
	require.NoError(t, err)

	balance, err := svc.Rebuild(ctx, KindInventory, product)
	require.NoError(t, err)
	assert.Equal(t, "13", balance.String())

	rec, err := st.Get(ctx, "products", product)
	require.NoError(t, err)
	assert.Equal(t, "13", rec.Decimal("stock_quantity").String())
}
