package store

import (
	"context"
	"time"

	"github.com/smallbiznis/tillside/internal/ident"
	"github.com/smallbiznis/tillside/internal/record"
	"github.com/smallbiznis/tillside/internal/schema"
	"gorm.io/gorm"
)

// Mode names which backend is authoritative for this process.
type Mode string

const (
	// ModeLocal: the embedded relational store is the source of truth and
	// writes are queued for replication to the remote.
	ModeLocal Mode = "local"
	// ModeRemote: the remote document store is the source of truth and
	// writes land there directly.
	ModeRemote Mode = "remote"
)

// Ops is the four-verb operation surface shared by backends, the unified
// store and transaction scopes.
type Ops interface {
	Query(ctx context.Context, table string, q *Query) ([]record.Record, error)
	Insert(ctx context.Context, table string, rec record.Record) (ident.RecordID, error)
	Update(ctx context.Context, table string, values record.Record, q *Query) (int64, error)
	Delete(ctx context.Context, table string, q *Query) (int64, error)
}

// Backend is one storage engine behind the unified store.
type Backend interface {
	Ops

	Open(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error

	// InTx runs fn atomically where the engine supports it. The document
	// backend executes fn sequentially; callers order their writes so a
	// partial failure is self-healing (ledger row first, cache second).
	InTx(ctx context.Context, fn func(ops Ops) error) error
}

// Journal receives one entry per local write to a syncable table, inside
// the same transaction as the write itself. Implemented by the outbox.
type Journal interface {
	Record(tx *gorm.DB, table schema.Table, id ident.RecordID, operation string, payload record.Record, now time.Time) error
}

// Journaled operation names, mirrored by the outbox entries.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)
