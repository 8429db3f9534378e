package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tillside/internal/clock"
	"github.com/smallbiznis/tillside/internal/ident"
	"github.com/smallbiznis/tillside/internal/record"
	"github.com/smallbiznis/tillside/internal/schema"
	"go.uber.org/zap"
)

// RemoteConfig points at the hosted document store.
type RemoteConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func (c RemoteConfig) prefix() string {
	if c.Prefix == "" {
		return "tillside"
	}
	return c.Prefix
}

// Remote is the backend adapter over the cloud document store. Each
// record is one JSON document keyed by an opaque id; a per-table index
// set supports scans. Queries load candidates and filter in memory,
// which is why the portable predicate subset is deliberately small.
type Remote struct {
	cfg    RemoteConfig
	log    *zap.Logger
	clock  clock.Clock
	node   *snowflake.Node
	client *redis.Client
}

func NewRemote(cfg RemoteConfig, log *zap.Logger, clk clock.Clock, node *snowflake.Node) *Remote {
	// go-redis dials lazily, so building the client here costs nothing
	// and lets the drain lock share it before Open runs.
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Remote{cfg: cfg, log: log.Named("store.remote"), clock: clk, node: node, client: client}
}

// NewRemoteWithClient wraps an existing client, used by tests and by the
// sync engine which shares the connection.
func NewRemoteWithClient(client *redis.Client, cfg RemoteConfig, log *zap.Logger, clk clock.Clock, node *snowflake.Node) *Remote {
	return &Remote{cfg: cfg, log: log.Named("store.remote"), clock: clk, node: node, client: client}
}

// Client exposes the shared connection for the sync engine's drain lock.
func (r *Remote) Client() *redis.Client { return r.client }

func (r *Remote) docKey(table, id string) string {
	return fmt.Sprintf("%s:%s:%s", r.cfg.prefix(), table, id)
}

func (r *Remote) idsKey(table string) string {
	return fmt.Sprintf("%s:%s:_ids", r.cfg.prefix(), table)
}

func (r *Remote) Open(ctx context.Context) error {
	return r.Ping(ctx)
}

func (r *Remote) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *Remote) Ping(ctx context.Context) error {
	if r.client == nil {
		return ErrBackendUnavailable
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (r *Remote) Query(ctx context.Context, table string, q *Query) ([]record.Record, error) {
	if _, err := schema.Lookup(table); err != nil {
		return nil, err
	}
	if q != nil && q.byID != nil {
		// Direct lookup path, no table scan.
		if !q.byID.IsRemote() {
			return nil, nil
		}
		rec, err := r.load(ctx, table, q.byID.Doc())
		if err != nil {
			return nil, err
		}
		if rec == nil || !q.Matches(rec, q.byID.Doc()) {
			return nil, nil
		}
		return []record.Record{rec}, nil
	}

	ids, err := r.client.SMembers(ctx, r.idsKey(table)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]record.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := r.load(ctx, table, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		if q.Matches(rec, id) {
			out = append(out, rec)
		}
	}
	return q.SortAndClip(out), nil
}

func (r *Remote) Insert(ctx context.Context, table string, rec record.Record) (ident.RecordID, error) {
	if _, err := schema.Lookup(table); err != nil {
		return ident.RecordID{}, err
	}
	docID := r.node.Generate().Base58()
	if err := r.write(ctx, table, docID, record.EncodeDoc(rec)); err != nil {
		return ident.RecordID{}, err
	}
	return ident.RemoteID(docID), nil
}

func (r *Remote) Update(ctx context.Context, table string, values record.Record, q *Query) (int64, error) {
	matched, err := r.Query(ctx, table, q)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, rec := range matched {
		docID := rec.String("document_id")
		merged := rec.Clone()
		for k, v := range record.EncodeDoc(values) {
			merged[k] = v
		}
		if err := r.write(ctx, table, docID, merged); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (r *Remote) Delete(ctx context.Context, table string, q *Query) (int64, error) {
	meta, err := schema.Lookup(table)
	if err != nil {
		return 0, err
	}
	matched, err := r.Query(ctx, table, q)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, rec := range matched {
		docID := rec.String("document_id")
		id := ident.RemoteID(docID)
		if err := r.cascade(ctx, meta, id); err != nil {
			return n, err
		}
		if err := r.clearLinks(ctx, meta, id); err != nil {
			return n, err
		}
		if err := r.remove(ctx, table, docID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// InTx on a document store is sequential execution: there is no
// multi-document transaction, so callers order writes to be idempotent
// under partial failure.
func (r *Remote) InTx(ctx context.Context, fn func(ops Ops) error) error {
	return fn(r)
}

// Apply replays one outbox mutation. The document key is the entity's
// identifier string, which makes replaying the same entry twice converge
// on identical state.
func (r *Remote) Apply(ctx context.Context, table, entityID, operation string, payload record.Record) error {
	if _, err := schema.Lookup(table); err != nil {
		return err
	}
	switch operation {
	case OpDelete:
		// Missing document counts as success: the delete is idempotent.
		return r.remove(ctx, table, entityID)
	case OpCreate, OpUpdate:
		existing, err := r.load(ctx, table, entityID)
		if err != nil {
			return err
		}
		merged := record.Record{}
		if existing != nil {
			merged = existing.Clone()
		}
		for k, v := range record.EncodeDoc(payload) {
			merged[k] = v
		}
		return r.write(ctx, table, entityID, merged)
	default:
		return fmt.Errorf("unknown operation %q", operation)
	}
}

func (r *Remote) cascade(ctx context.Context, meta schema.Table, parent ident.RecordID) error {
	for _, c := range meta.Cascades {
		if _, err := r.Delete(ctx, c.Table, Q().In(c.FK, parent.String(), parent.Int())); err != nil {
			return err
		}
	}
	return nil
}

func (r *Remote) clearLinks(ctx context.Context, meta schema.Table, parent ident.RecordID) error {
	for _, link := range meta.NullLinks {
		values := record.Record{
			link.FK:               nil,
			record.FieldUpdatedAt: r.clock.Now().UnixMilli(),
		}
		if _, err := r.Update(ctx, link.Table, values, Q().In(link.FK, parent.String(), parent.Int())); err != nil {
			return err
		}
	}
	return nil
}

func (r *Remote) load(ctx context.Context, table, id string) (record.Record, error) {
	raw, err := r.client.Get(ctx, r.docKey(table, id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", table, id, err)
	}
	rec := record.DecodeDoc(doc)
	rec["document_id"] = id
	return rec, nil
}

func (r *Remote) write(ctx context.Context, table, id string, doc map[string]any) error {
	doc["document_id"] = id
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.docKey(table, id), raw, 0)
	pipe.SAdd(ctx, r.idsKey(table), id)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Remote) remove(ctx context.Context, table, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.docKey(table, id))
	pipe.SRem(ctx, r.idsKey(table), id)
	_, err := pipe.Exec(ctx)
	return err
}
