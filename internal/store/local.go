package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/tillside/internal/clock"
	"github.com/smallbiznis/tillside/internal/ident"
	"github.com/smallbiznis/tillside/internal/record"
	"github.com/smallbiznis/tillside/internal/schema"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	gormprom "gorm.io/plugin/prometheus"
)

// LocalConfig selects the relational engine behind the embedded store.
// sqlite is the embedded default; postgres/mysql serve self-hosted server
// deployments that still want the relational dialect.
type LocalConfig struct {
	Dialect  string
	Path     string
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string
	Metrics  bool
}

func dialectorFor(cfg LocalConfig) (gorm.Dialector, error) {
	switch cfg.Dialect {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = "tillside.db"
		}
		return sqlite.Open(path), nil
	case "postgres":
		return postgres.Open(fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.Host, cfg.User, cfg.Password, cfg.Name, cfg.Port, cfg.SSLMode,
		)), nil
	case "mysql":
		return mysql.Open(fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name,
		)), nil
	default:
		return nil, fmt.Errorf("unsupported dialect %q", cfg.Dialect)
	}
}

// Local is the backend adapter over the embedded relational store.
type Local struct {
	cfg     LocalConfig
	log     *zap.Logger
	clock   clock.Clock
	journal Journal
	db      *gorm.DB
}

func NewLocal(cfg LocalConfig, log *zap.Logger, clk clock.Clock) *Local {
	return &Local{cfg: cfg, log: log.Named("store.local"), clock: clk}
}

// NewLocalWithDB wraps an already open gorm handle, used by tests.
func NewLocalWithDB(db *gorm.DB, log *zap.Logger, clk clock.Clock) *Local {
	return &Local{db: db, log: log.Named("store.local"), clock: clk}
}

// SetJournal attaches the outbox. Wired after construction because the
// outbox persists through this same backend.
func (l *Local) SetJournal(j Journal) { l.journal = j }

// DB exposes the underlying handle for outbox drains and tests.
func (l *Local) DB() *gorm.DB { return l.db }

func (l *Local) Open(ctx context.Context) error {
	if l.db == nil {
		dialector, err := dialectorFor(l.cfg)
		if err != nil {
			return err
		}
		db, err := gorm.Open(dialector, &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if err := db.Use(otelgorm.NewPlugin()); err != nil {
			return err
		}
		if l.cfg.Metrics {
			if err := db.Use(gormprom.New(gormprom.Config{
				DBName:          "tillside",
				RefreshInterval: 15,
			})); err != nil {
				l.log.Warn("gorm prometheus plugin unavailable", zap.Error(err))
			}
		}
		l.db = db
	}
	if err := schema.Apply(ctx, l.db); err != nil {
		return err
	}
	return nil
}

func (l *Local) Close() error {
	if l.db == nil {
		return nil
	}
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (l *Local) Ping(ctx context.Context) error {
	if l.db == nil {
		return ErrBackendUnavailable
	}
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Reset drops and recreates the schema, the recovery path for a corrupt
// local file. Never pointed at the remote store.
func (l *Local) Reset(ctx context.Context) error {
	if l.db == nil {
		return ErrBackendUnavailable
	}
	if err := schema.Drop(ctx, l.db); err != nil {
		return err
	}
	return schema.Apply(ctx, l.db)
}

func (l *Local) Query(ctx context.Context, table string, q *Query) ([]record.Record, error) {
	return localOps{l: l, tx: l.db}.Query(ctx, table, q)
}

func (l *Local) Insert(ctx context.Context, table string, rec record.Record) (ident.RecordID, error) {
	var id ident.RecordID
	err := l.InTx(ctx, func(ops Ops) error {
		var err error
		id, err = ops.Insert(ctx, table, rec)
		return err
	})
	return id, err
}

func (l *Local) Update(ctx context.Context, table string, values record.Record, q *Query) (int64, error) {
	var n int64
	err := l.InTx(ctx, func(ops Ops) error {
		var err error
		n, err = ops.Update(ctx, table, values, q)
		return err
	})
	return n, err
}

func (l *Local) Delete(ctx context.Context, table string, q *Query) (int64, error) {
	var n int64
	err := l.InTx(ctx, func(ops Ops) error {
		var err error
		n, err = ops.Delete(ctx, table, q)
		return err
	})
	return n, err
}

// InTx makes the primary write and its outbox entry atomic.
func (l *Local) InTx(ctx context.Context, fn func(ops Ops) error) error {
	if l.db == nil {
		return ErrBackendUnavailable
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(localOps{l: l, tx: tx})
	})
}

type localOps struct {
	l  *Local
	tx *gorm.DB
}

func (o localOps) Query(ctx context.Context, table string, q *Query) ([]record.Record, error) {
	if _, err := schema.Lookup(table); err != nil {
		return nil, err
	}
	var rows []map[string]any
	stmt := q.apply(o.tx.WithContext(ctx).Table(table))
	if err := stmt.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]record.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, record.DecodeSQL(row))
	}
	return out, nil
}

func (o localOps) Insert(ctx context.Context, table string, rec record.Record) (ident.RecordID, error) {
	meta, err := schema.Lookup(table)
	if err != nil {
		return ident.RecordID{}, err
	}
	enc := record.EncodeSQL(rec)
	delete(enc, "id")

	cols := make([]string, 0, len(enc))
	for k := range enc {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	args := make([]any, 0, len(cols))
	marks := make([]string, 0, len(cols))
	for _, c := range cols {
		args = append(args, enc[c])
		marks = append(marks, "?")
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(marks, ", "))

	var rowID int64
	if o.tx.Dialector.Name() == "postgres" {
		if err := o.tx.WithContext(ctx).Raw(insert+" RETURNING id", args...).Scan(&rowID).Error; err != nil {
			return ident.RecordID{}, err
		}
	} else {
		if err := o.tx.WithContext(ctx).Exec(insert, args...).Error; err != nil {
			return ident.RecordID{}, err
		}
		if err := o.tx.WithContext(ctx).Raw(o.lastIDQuery()).Scan(&rowID).Error; err != nil {
			return ident.RecordID{}, err
		}
	}

	id := ident.LocalID(rowID)
	if err := o.journal(meta, id, OpCreate, rec); err != nil {
		return ident.RecordID{}, err
	}
	return id, nil
}

func (o localOps) Update(ctx context.Context, table string, values record.Record, q *Query) (int64, error) {
	meta, err := schema.Lookup(table)
	if err != nil {
		return 0, err
	}
	ids, err := o.matchingIDs(ctx, table, q)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	enc := record.EncodeSQL(values)
	delete(enc, "id")
	res := o.tx.WithContext(ctx).Table(table).Where("id IN ?", ids).Updates(enc)
	if res.Error != nil {
		return 0, res.Error
	}
	for _, rowID := range ids {
		if err := o.journal(meta, ident.LocalID(rowID), OpUpdate, values); err != nil {
			return 0, err
		}
	}
	return res.RowsAffected, nil
}

func (o localOps) Delete(ctx context.Context, table string, q *Query) (int64, error) {
	meta, err := schema.Lookup(table)
	if err != nil {
		return 0, err
	}
	ids, err := o.matchingIDs(ctx, table, q)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	for _, rowID := range ids {
		id := ident.LocalID(rowID)
		if err := o.cascade(ctx, meta, id); err != nil {
			return 0, err
		}
		if err := o.clearLinks(ctx, meta, id); err != nil {
			return 0, err
		}
	}

	res := o.tx.WithContext(ctx).Exec("DELETE FROM "+table+" WHERE id IN ?", ids)
	if res.Error != nil {
		return 0, res.Error
	}
	for _, rowID := range ids {
		if err := o.journal(meta, ident.LocalID(rowID), OpDelete, nil); err != nil {
			return 0, err
		}
	}
	return res.RowsAffected, nil
}

// cascade removes owned child rows, journaling each so the remote store
// drops them too.
func (o localOps) cascade(ctx context.Context, meta schema.Table, parent ident.RecordID) error {
	for _, c := range meta.Cascades {
		childMeta, err := schema.Lookup(c.Table)
		if err != nil {
			return err
		}
		// Ledger-style children key the parent by its string form, row
		// children by the integer id; match either representation.
		refs := []any{parent.Int(), parent.String()}
		var childIDs []int64
		if err := o.tx.WithContext(ctx).Table(c.Table).
			Where(c.FK+" IN ?", refs).
			Pluck("id", &childIDs).Error; err != nil {
			return err
		}
		if len(childIDs) == 0 {
			continue
		}
		if err := o.tx.WithContext(ctx).
			Exec("DELETE FROM "+c.Table+" WHERE id IN ?", childIDs).Error; err != nil {
			return err
		}
		for _, childID := range childIDs {
			if err := o.journal(childMeta, ident.LocalID(childID), OpDelete, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// clearLinks nulls advisory foreign keys that reference the deleted row,
// keeping the referencing history intact.
func (o localOps) clearLinks(ctx context.Context, meta schema.Table, parent ident.RecordID) error {
	for _, link := range meta.NullLinks {
		linkMeta, err := schema.Lookup(link.Table)
		if err != nil {
			return err
		}
		var linkedIDs []int64
		if err := o.tx.WithContext(ctx).Table(link.Table).
			Where(link.FK+" = ?", parent.Int()).
			Pluck("id", &linkedIDs).Error; err != nil {
			return err
		}
		if len(linkedIDs) == 0 {
			continue
		}
		now := o.l.clock.Now()
		if err := o.tx.WithContext(ctx).Table(link.Table).
			Where("id IN ?", linkedIDs).
			Updates(map[string]any{
				link.FK:      nil,
				"updated_at": now.UnixMilli(),
			}).Error; err != nil {
			return err
		}
		for _, linkedID := range linkedIDs {
			payload := record.Record{link.FK: nil}
			if err := o.journal(linkMeta, ident.LocalID(linkedID), OpUpdate, payload); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o localOps) matchingIDs(ctx context.Context, table string, q *Query) ([]int64, error) {
	var ids []int64
	stmt := q.apply(o.tx.WithContext(ctx).Table(table))
	if err := stmt.Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (o localOps) journal(meta schema.Table, id ident.RecordID, op string, payload record.Record) error {
	if !meta.Syncable || o.l.journal == nil {
		return nil
	}
	return o.l.journal.Record(o.tx, meta, id, op, payload, o.l.clock.Now())
}

func (o localOps) lastIDQuery() string {
	if o.tx.Dialector.Name() == "mysql" {
		return "SELECT LAST_INSERT_ID()"
	}
	return "SELECT last_insert_rowid()"
}
