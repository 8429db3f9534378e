package syncengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/tillside/internal/clock"
	"github.com/smallbiznis/tillside/internal/ident"
	"github.com/smallbiznis/tillside/internal/outbox"
	"github.com/smallbiznis/tillside/internal/record"
	"github.com/smallbiznis/tillside/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type applied struct {
	table     string
	entityID  string
	operation string
}

// fakeRemote records applied mutations and fails on demand.
type fakeRemote struct {
	mu      sync.Mutex
	applied []applied
	failOn  map[string]error
	offline bool
}

func (f *fakeRemote) Apply(_ context.Context, table, entityID, operation string, _ record.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failOn[table+"/"+entityID+"/"+operation]; ok {
		return err
	}
	f.applied = append(f.applied, applied{table, entityID, operation})
	return nil
}

func (f *fakeRemote) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeRemote) log() []applied {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]applied, len(f.applied))
	copy(out, f.applied)
	return out
}

func newTestEngine(t *testing.T) (*Engine, *outbox.Queue, *gorm.DB, *fakeRemote, *clock.FakeClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, schema.Apply(context.Background(), db))

	queue := outbox.New(db, zap.NewNop())
	remote := &fakeRemote{failOn: map[string]error{}}
	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))

	eng, err := New(Params{
		Queue:  queue,
		Remote: remote,
		Log:    zap.NewNop(),
		Clock:  clk,
		Config: Config{BatchSize: 10, MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: time.Minute},
	})
	require.NoError(t, err)
	return eng, queue, db, remote, clk
}

func enqueue(t *testing.T, queue *outbox.Queue, db *gorm.DB, table string, id ident.RecordID, op string, at time.Time) outbox.Entry {
	t.Helper()
	meta, err := schema.Lookup(table)
	require.NoError(t, err)
	require.NoError(t, queue.Record(db, meta, id, op, record.Record{"name": "x"}, at))
	var e outbox.Entry
	require.NoError(t, db.Order("id DESC").First(&e).Error)
	return e
}

func TestRunOnceDrainsInOrder(t *testing.T) {
	eng, queue, db, remote, clk := newTestEngine(t)
	ctx := context.Background()
	a := ident.LocalID(1)

	enqueue(t, queue, db, "products", a, outbox.OpCreate, clk.Now())
	enqueue(t, queue, db, "products", a, outbox.OpUpdate, clk.Now())

	// First pass releases only the create; the update follows next pass.
	require.NoError(t, eng.RunOnce(ctx))
	clk.Advance(time.Second)
	require.NoError(t, eng.RunOnce(ctx))

	got := remote.log()
	require.Len(t, got, 2)
	assert.Equal(t, applied{"products", a.String(), outbox.OpCreate}, got[0])
	assert.Equal(t, applied{"products", a.String(), outbox.OpUpdate}, got[1])

	pending, err := queue.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, pending)
}

func TestOfflineRemoteLeavesBacklogUntouched(t *testing.T) {
	eng, queue, db, remote, clk := newTestEngine(t)
	ctx := context.Background()

	enqueue(t, queue, db, "products", ident.LocalID(1), outbox.OpCreate, clk.Now())
	remote.offline = true

	require.NoError(t, eng.RunOnce(ctx))
	assert.Empty(t, remote.log())

	pending, err := queue.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)

	// Back online, the backlog drains.
	remote.offline = false
	require.NoError(t, eng.RunOnce(ctx))
	assert.Len(t, remote.log(), 1)
}

func TestFailureStopsEntityButNotOthers(t *testing.T) {
	eng, queue, db, remote, clk := newTestEngine(t)
	ctx := context.Background()
	a, b := ident.LocalID(1), ident.LocalID(2)

	enqueue(t, queue, db, "products", a, outbox.OpCreate, clk.Now())
	enqueue(t, queue, db, "products", b, outbox.OpCreate, clk.Now())
	remote.failOn["products/"+a.String()+"/"+outbox.OpCreate] = errors.New("conflict")

	require.NoError(t, eng.RunOnce(ctx))

	got := remote.log()
	require.Len(t, got, 1)
	assert.Equal(t, b.String(), got[0].entityID)

	pending, err := queue.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)
}

func TestFailedEntryBacksOffExponentially(t *testing.T) {
	eng, queue, db, remote, clk := newTestEngine(t)
	ctx := context.Background()
	a := ident.LocalID(1)

	e := enqueue(t, queue, db, "products", a, outbox.OpCreate, clk.Now())
	remote.failOn["products/"+a.String()+"/"+outbox.OpCreate] = errors.New("conflict")

	require.NoError(t, eng.RunOnce(ctx))
	attempts, err := queue.Attempts(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	// Still inside the 1s backoff window: not retried.
	require.NoError(t, eng.RunOnce(ctx))
	attempts, err = queue.Attempts(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	// Window elapsed: second attempt, backoff doubles.
	clk.Advance(2 * time.Second)
	require.NoError(t, eng.RunOnce(ctx))
	attempts, err = queue.Attempts(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	// The fault clears and the entry finally lands.
	delete(remote.failOn, "products/"+a.String()+"/"+outbox.OpCreate)
	clk.Advance(5 * time.Second)
	require.NoError(t, eng.RunOnce(ctx))
	assert.Len(t, remote.log(), 1)
}

func TestExhaustedEntryStaysQueued(t *testing.T) {
	eng, queue, db, remote, clk := newTestEngine(t)
	ctx := context.Background()
	a := ident.LocalID(1)

	e := enqueue(t, queue, db, "products", a, outbox.OpCreate, clk.Now())
	remote.failOn["products/"+a.String()+"/"+outbox.OpCreate] = errors.New("conflict")

	for i := 0; i < 5; i++ {
		require.NoError(t, eng.RunOnce(ctx))
		clk.Advance(2 * time.Minute)
	}

	attempts, err := queue.Attempts(ctx, e.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, attempts, 3)

	// Past MaxAttempts the entry keeps retrying at the capped backoff
	// rather than being dropped.
	pending, err := queue.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)
}

func TestStatusReflectsBacklog(t *testing.T) {
	eng, queue, db, _, clk := newTestEngine(t)
	ctx := context.Background()

	enqueue(t, queue, db, "products", ident.LocalID(1), outbox.OpCreate, clk.Now())

	status, err := eng.Status(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, status.PendingCount)
	assert.Nil(t, status.LastSyncedAt)

	require.NoError(t, eng.RunOnce(ctx))

	status, err = eng.Status(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, status.PendingCount)
	require.NotNil(t, status.LastSyncedAt)
	assert.Equal(t, clk.Now(), *status.LastSyncedAt)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultConfig(), cfg)

	partial := Config{BatchSize: 5}.withDefaults()
	assert.Equal(t, 5, partial.BatchSize)
	assert.Equal(t, DefaultConfig().MaxAttempts, partial.MaxAttempts)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	cfg := Config{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second}
	assert.Equal(t, time.Second, cfg.backoffFor(1))
	assert.Equal(t, 2*time.Second, cfg.backoffFor(2))
	assert.Equal(t, 4*time.Second, cfg.backoffFor(3))
	assert.Equal(t, 8*time.Second, cfg.backoffFor(4))
	assert.Equal(t, 10*time.Second, cfg.backoffFor(5))
	assert.Equal(t, 10*time.Second, cfg.backoffFor(50))
}
