// Package outbox is the durable queue of local writes awaiting
// replication. Entries are appended inside the same transaction as the
// write they describe, so a write without its outbox entry (or the
// reverse) cannot be observed.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/smallbiznis/tillside/internal/ident"
	"github.com/smallbiznis/tillside/internal/record"
	"github.com/smallbiznis/tillside/internal/schema"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrNotQueued = errors.New("entry_not_queued")

// Operation names mirror the store's journaled verbs.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Entry is one queued mutation. Booleans and timestamps use the local
// store's wire shape (0/1 integers, epoch milliseconds) because the
// queue lives in the local store itself.
type Entry struct {
	ID            int64          `gorm:"primaryKey;column:id"`
	EntityType    string         `gorm:"column:entity_type"`
	EntityID      string         `gorm:"column:entity_id"`
	Seq           int64          `gorm:"column:seq"`
	Operation     string         `gorm:"column:operation"`
	Payload       datatypes.JSON `gorm:"column:payload"`
	Synced        int            `gorm:"column:synced"`
	SyncAttempts  int            `gorm:"column:sync_attempts"`
	NextAttemptAt int64          `gorm:"column:next_attempt_at"`
	LastError     *string        `gorm:"column:last_error"`
	LockedAt      *int64         `gorm:"column:locked_at"`
	LockedBy      *string        `gorm:"column:locked_by"`
	SyncedAt      *int64         `gorm:"column:synced_at"`
	CreatedAt     int64          `gorm:"column:created_at"`
	UpdatedAt     int64          `gorm:"column:updated_at"`
}

func (Entry) TableName() string { return "sync_queue" }

// DecodePayload unpacks the recorded mutation values.
func (e Entry) DecodePayload() (record.Record, error) {
	if len(e.Payload) == 0 {
		return nil, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(e.Payload, &doc); err != nil {
		return nil, err
	}
	return record.DecodeDoc(doc), nil
}

// Queue persists and drains sync_queue rows. It operates on the local
// store's gorm handle directly so enqueues can join the primary write's
// transaction.
type Queue struct {
	db  *gorm.DB
	log *zap.Logger
}

func New(db *gorm.DB, log *zap.Logger) *Queue {
	return &Queue{db: db, log: log.Named("outbox")}
}

// Record implements the store's journal hook: one entry per write, in
// the caller's transaction. Seq is a per-entity monotonic counter so
// replays for one entity always apply in enqueue order and concurrent
// edits can at least be detected at the remote.
func (q *Queue) Record(tx *gorm.DB, table schema.Table, id ident.RecordID, operation string, payload record.Record, now time.Time) error {
	var seq int64
	err := tx.Model(&Entry{}).
		Where("entity_type = ? AND entity_id = ?", table.Name, id.String()).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&seq).Error
	if err != nil {
		return err
	}

	var raw datatypes.JSON
	if payload != nil {
		data, err := json.Marshal(record.EncodeDoc(payload))
		if err != nil {
			return err
		}
		raw = datatypes.JSON(data)
	}

	ms := now.UTC().UnixMilli()
	entry := Entry{
		EntityType:    table.Name,
		EntityID:      id.String(),
		Seq:           seq + 1,
		Operation:     operation,
		Payload:       raw,
		NextAttemptAt: ms,
		CreatedAt:     ms,
		UpdatedAt:     ms,
	}
	return tx.Create(&entry).Error
}

// PendingCount reports entries not yet replicated.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.WithContext(ctx).Model(&Entry{}).Where("synced = 0").Count(&n).Error
	return n, err
}

// LastSyncedAt reports when the most recent entry was confirmed remote.
func (q *Queue) LastSyncedAt(ctx context.Context) (*time.Time, error) {
	var ms *int64
	err := q.db.WithContext(ctx).Model(&Entry{}).
		Where("synced = 1").
		Select("MAX(synced_at)").
		Scan(&ms).Error
	if err != nil || ms == nil || *ms == 0 {
		return nil, err
	}
	t := time.UnixMilli(*ms).UTC()
	return &t, nil
}

// NextBatch claims up to limit eligible entries for the given worker.
// Per-entity ordering: only the oldest unsynced entry of each entity is
// eligible, so a newer update can never overtake the create before it.
// Stale locks (crashed worker) are reclaimed after lockTTL.
func (q *Queue) NextBatch(ctx context.Context, now time.Time, limit int, workerID string, lockTTL time.Duration) ([]Entry, error) {
	ms := now.UTC().UnixMilli()
	staleBefore := now.Add(-lockTTL).UnixMilli()

	var claimed []Entry
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Raw(`
			SELECT * FROM sync_queue q
			WHERE q.synced = 0
			  AND q.next_attempt_at <= ?
			  AND (q.locked_at IS NULL OR q.locked_at <= ?)
			  AND q.seq = (
				SELECT MIN(s.seq) FROM sync_queue s
				WHERE s.entity_type = q.entity_type
				  AND s.entity_id = q.entity_id
				  AND s.synced = 0
			  )
			ORDER BY q.created_at ASC, q.id ASC
			LIMIT ?`, ms, staleBefore, limit).
			Scan(&claimed).Error
		if err != nil || len(claimed) == 0 {
			return err
		}
		ids := make([]int64, 0, len(claimed))
		for i := range claimed {
			ids = append(ids, claimed[i].ID)
			claimed[i].LockedAt = &ms
			claimed[i].LockedBy = &workerID
		}
		return tx.Model(&Entry{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"locked_at":  ms,
				"locked_by":  workerID,
				"updated_at": ms,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkSynced confirms the mutation reached the remote store. The entry
// is retained for audit and pruned later.
func (q *Queue) MarkSynced(ctx context.Context, id int64, now time.Time) error {
	ms := now.UTC().UnixMilli()
	res := q.db.WithContext(ctx).Model(&Entry{}).
		Where("id = ? AND synced = 0", id).
		Updates(map[string]any{
			"synced":     1,
			"synced_at":  ms,
			"locked_at":  nil,
			"locked_by":  nil,
			"last_error": nil,
			"updated_at": ms,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotQueued
	}
	return nil
}

// MarkFailed returns the entry to the queue with its attempt counter
// bumped and the next eligibility time pushed out.
func (q *Queue) MarkFailed(ctx context.Context, id int64, cause error, nextAttemptAt, now time.Time) error {
	ms := now.UTC().UnixMilli()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.db.WithContext(ctx).Model(&Entry{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"sync_attempts":   gorm.Expr("sync_attempts + 1"),
			"next_attempt_at": nextAttemptAt.UTC().UnixMilli(),
			"last_error":      msg,
			"locked_at":       nil,
			"locked_by":       nil,
			"updated_at":      ms,
		}).Error
}

// Attempts reads the current attempt counter, used by the engine to
// decide when an entry is dead.
func (q *Queue) Attempts(ctx context.Context, id int64) (int, error) {
	var e Entry
	if err := q.db.WithContext(ctx).Select("id, sync_attempts").First(&e, id).Error; err != nil {
		return 0, err
	}
	return e.SyncAttempts, nil
}

// PruneSynced removes confirmed entries older than the cutoff.
func (q *Queue) PruneSynced(ctx context.Context, olderThan time.Time) (int64, error) {
	res := q.db.WithContext(ctx).
		Where("synced = 1 AND synced_at <= ?", olderThan.UTC().UnixMilli()).
		Delete(&Entry{})
	return res.RowsAffected, res.Error
}
