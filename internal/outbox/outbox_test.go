package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/tillside/internal/ident"
	"github.com/smallbiznis/tillside/internal/record"
	"github.com/smallbiznis/tillside/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var testStart = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T) (*Queue, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, schema.Apply(context.Background(), db))
	return New(db, zap.NewNop()), db
}

func enqueue(t *testing.T, q *Queue, db *gorm.DB, entity string, id ident.RecordID, op string, at time.Time) Entry {
	t.Helper()
	meta, err := schema.Lookup(entity)
	require.NoError(t, err)
	payload := record.Record{"name": "x"}
	if op == OpDelete {
		payload = nil
	}
	require.NoError(t, q.Record(db, meta, id, op, payload, at))

	var e Entry
	require.NoError(t, db.Order("id DESC").First(&e).Error)
	return e
}

func TestSeqIsMonotonicPerEntity(t *testing.T) {
	q, db := newTestQueue(t)
	a, b := ident.LocalID(1), ident.LocalID(2)

	e1 := enqueue(t, q, db, "products", a, OpCreate, testStart)
	e2 := enqueue(t, q, db, "products", a, OpUpdate, testStart.Add(time.Second))
	e3 := enqueue(t, q, db, "products", b, OpCreate, testStart.Add(2*time.Second))
	e4 := enqueue(t, q, db, "customers", a, OpCreate, testStart.Add(3*time.Second))

	assert.EqualValues(t, 1, e1.Seq)
	assert.EqualValues(t, 2, e2.Seq)
	assert.EqualValues(t, 1, e3.Seq) // different entity id
	assert.EqualValues(t, 1, e4.Seq) // different entity type
}

func TestNextBatchGatesOnOldestPerEntity(t *testing.T) {
	q, db := newTestQueue(t)
	ctx := context.Background()
	a := ident.LocalID(1)

	first := enqueue(t, q, db, "products", a, OpCreate, testStart)
	enqueue(t, q, db, "products", a, OpUpdate, testStart.Add(time.Second))

	batch, err := q.NextBatch(ctx, testStart.Add(time.Minute), 10, "w1", time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, first.ID, batch[0].ID)

	// Confirming the create releases the update on the next pass.
	require.NoError(t, q.MarkSynced(ctx, first.ID, testStart.Add(time.Minute)))
	batch, err = q.NextBatch(ctx, testStart.Add(2*time.Minute), 10, "w1", time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, OpUpdate, batch[0].Operation)
}

func TestNextBatchSkipsLockedAndReclaimsStale(t *testing.T) {
	q, db := newTestQueue(t)
	ctx := context.Background()

	enqueue(t, q, db, "products", ident.LocalID(1), OpCreate, testStart)

	batch, err := q.NextBatch(ctx, testStart, 10, "w1", time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	// While w1 holds the lock nobody else can claim the entry.
	batch2, err := q.NextBatch(ctx, testStart.Add(30*time.Second), 10, "w2", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, batch2)

	// Past the TTL the lock is treated as abandoned.
	batch3, err := q.NextBatch(ctx, testStart.Add(2*time.Minute), 10, "w2", time.Minute)
	require.NoError(t, err)
	require.Len(t, batch3, 1)
	assert.Equal(t, "w2", *batch3[0].LockedBy)
}

func TestNextBatchHonorsNextAttemptAt(t *testing.T) {
	q, db := newTestQueue(t)
	ctx := context.Background()

	e := enqueue(t, q, db, "products", ident.LocalID(1), OpCreate, testStart)
	require.NoError(t, q.MarkFailed(ctx, e.ID, errors.New("remote down"),
		testStart.Add(10*time.Minute), testStart))

	batch, err := q.NextBatch(ctx, testStart.Add(5*time.Minute), 10, "w1", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, batch)

	batch, err = q.NextBatch(ctx, testStart.Add(11*time.Minute), 10, "w1", time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 1, batch[0].SyncAttempts)
	assert.Equal(t, "remote down", *batch[0].LastError)
}

func TestMarkSyncedIsGuarded(t *testing.T) {
	q, db := newTestQueue(t)
	ctx := context.Background()

	e := enqueue(t, q, db, "products", ident.LocalID(1), OpCreate, testStart)
	require.NoError(t, q.MarkSynced(ctx, e.ID, testStart.Add(time.Second)))

	// Second confirmation and unknown ids are both rejected.
	assert.ErrorIs(t, q.MarkSynced(ctx, e.ID, testStart.Add(2*time.Second)), ErrNotQueued)
	assert.ErrorIs(t, q.MarkSynced(ctx, 9999, testStart), ErrNotQueued)
}

func TestMarkSyncedClearsLockAndError(t *testing.T) {
	q, db := newTestQueue(t)
	ctx := context.Background()

	e := enqueue(t, q, db, "products", ident.LocalID(1), OpCreate, testStart)
	require.NoError(t, q.MarkFailed(ctx, e.ID, errors.New("flaky"), testStart, testStart))
	_, err := q.NextBatch(ctx, testStart.Add(time.Second), 10, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.MarkSynced(ctx, e.ID, testStart.Add(2*time.Second)))

	var got Entry
	require.NoError(t, db.First(&got, e.ID).Error)
	assert.Equal(t, 1, got.Synced)
	assert.Nil(t, got.LockedAt)
	assert.Nil(t, got.LockedBy)
	assert.Nil(t, got.LastError)
	require.NotNil(t, got.SyncedAt)
}

func TestPendingCountAndLastSyncedAt(t *testing.T) {
	q, db := newTestQueue(t)
	ctx := context.Background()

	none, err := q.LastSyncedAt(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	e1 := enqueue(t, q, db, "products", ident.LocalID(1), OpCreate, testStart)
	enqueue(t, q, db, "products", ident.LocalID(2), OpCreate, testStart)

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	syncedAt := testStart.Add(time.Minute)
	require.NoError(t, q.MarkSynced(ctx, e1.ID, syncedAt))

	n, err = q.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	last, err := q.LastSyncedAt(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, syncedAt, *last)
}

func TestPruneSyncedKeepsPendingAndRecent(t *testing.T) {
	q, db := newTestQueue(t)
	ctx := context.Background()

	old := enqueue(t, q, db, "products", ident.LocalID(1), OpCreate, testStart)
	recent := enqueue(t, q, db, "products", ident.LocalID(2), OpCreate, testStart)
	enqueue(t, q, db, "products", ident.LocalID(3), OpCreate, testStart)

	require.NoError(t, q.MarkSynced(ctx, old.ID, testStart.Add(time.Minute)))
	require.NoError(t, q.MarkSynced(ctx, recent.ID, testStart.Add(time.Hour)))

	pruned, err := q.PruneSynced(ctx, testStart.Add(30*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)

	var remaining int64
	require.NoError(t, db.Model(&Entry{}).Count(&remaining).Error)
	assert.EqualValues(t, 2, remaining)
}

func TestDeletePayloadRoundTrip(t *testing.T) {
	q, db := newTestQueue(t)

	e := enqueue(t, q, db, "products", ident.LocalID(1), OpDelete, testStart)
	rec, err := e.DecodePayload()
	require.NoError(t, err)
	assert.Nil(t, rec)
}
