package store

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/smallbiznis/tillside/internal/clock"
	"github.com/smallbiznis/tillside/internal/ident"
	"github.com/smallbiznis/tillside/internal/record"
	"github.com/smallbiznis/tillside/internal/schema"
	"go.uber.org/zap"
)

// Store is the unified operation surface over whichever backend is
// authoritative for this deployment. It owns availability state; it does
// not retry — a failed operation surfaces to the caller immediately and
// the sync engine owns all retry policy.
type Store struct {
	log   *zap.Logger
	clock clock.Clock
	mode  Mode

	authority Backend
	local     *Local

	mu        sync.Mutex
	opened    bool
	available atomic.Bool
}

// Params collects the backends so deployments run with either or both.
type Params struct {
	Mode   Mode
	Local  *Local
	Remote *Remote
}

func New(p Params, log *zap.Logger, clk clock.Clock) *Store {
	s := &Store{
		log:   log.Named("store"),
		clock: clk,
		mode:  p.Mode,
		local: p.Local,
	}
	if p.Mode == ModeRemote {
		s.authority = p.Remote
	} else {
		s.mode = ModeLocal
		s.authority = p.Local
	}
	return s
}

// Mode reports which backend is authoritative.
func (s *Store) Mode() Mode { return s.mode }

// Available reports the last known backend health. A false value is a
// hint to show a retry affordance, not a guarantee the next call fails.
func (s *Store) Available() bool { return s.available.Load() }

// Init opens the authoritative backend. Idempotent, and fails soft:
// an unreachable backend leaves the store constructed with
// Available()==false instead of returning a hard error to fx startup.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened && s.available.Load() {
		return nil
	}
	if err := s.authority.Open(ctx); err != nil {
		s.available.Store(false)
		s.log.Warn("backend open failed", zap.String("mode", string(s.mode)), zap.Error(err))
		return nil
	}
	s.opened = true
	s.available.Store(true)
	return nil
}

// ForceInit retries a failed Init and reports the outcome instead of
// swallowing it.
func (s *Store) ForceInit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authority.Open(ctx); err != nil {
		s.available.Store(false)
		return err
	}
	s.opened = true
	s.available.Store(true)
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	s.opened = false
	s.available.Store(false)
	return s.authority.Close()
}

// TestConnection performs a cheap round trip so Available cannot go
// stale.
func (s *Store) TestConnection(ctx context.Context) bool {
	err := s.authority.Ping(ctx)
	s.available.Store(err == nil)
	return err == nil
}

// ResetDatabase destroys and recreates the local store only — the remote
// store is never reset from a client.
func (s *Store) ResetDatabase(ctx context.Context) error {
	if s.local == nil {
		return ErrBackendUnavailable
	}
	s.log.Warn("resetting local database")
	return s.local.Reset(ctx)
}

func (s *Store) Query(ctx context.Context, table string, q *Query) ([]record.Record, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.authority.Query(ctx, table, q)
}

// Get fetches one record by identifier.
func (s *Store) Get(ctx context.Context, table string, id ident.RecordID) (record.Record, error) {
	recs, err := s.Query(ctx, table, Q().ByID(id).Limit(1))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// Insert stamps bookkeeping fields and writes the record; on the local
// backend the outbox entry is appended in the same transaction.
func (s *Store) Insert(ctx context.Context, table string, rec record.Record) (ident.RecordID, error) {
	if err := s.ready(); err != nil {
		return ident.RecordID{}, err
	}
	meta, err := schema.Lookup(table)
	if err != nil {
		return ident.RecordID{}, err
	}
	stamped := record.StampNew(rec, s.clock.Now(), meta.Syncable)
	return s.authority.Insert(ctx, table, stamped)
}

func (s *Store) Update(ctx context.Context, table string, values record.Record, q *Query) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	meta, err := schema.Lookup(table)
	if err != nil {
		return 0, err
	}
	stamped := record.StampUpdate(values, s.clock.Now(), meta.Syncable)
	return s.authority.Update(ctx, table, stamped, q)
}

func (s *Store) Delete(ctx context.Context, table string, q *Query) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	return s.authority.Delete(ctx, table, q)
}

// InTx groups writes atomically where the backend supports it. The
// transactional Ops stamp records the same way the top-level verbs do.
func (s *Store) InTx(ctx context.Context, fn func(tx Ops) error) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.authority.InTx(ctx, func(ops Ops) error {
		return fn(stampedOps{inner: ops, clock: s.clock})
	})
}

func (s *Store) ready() error {
	if !s.opened || !s.available.Load() {
		return ErrBackendUnavailable
	}
	return nil
}

// stampedOps layers bookkeeping-field stamping over raw backend ops so
// transactional writes carry the same created_at/updated_at/synced
// treatment as top-level ones.
type stampedOps struct {
	inner Ops
	clock clock.Clock
}

func (o stampedOps) Query(ctx context.Context, table string, q *Query) ([]record.Record, error) {
	return o.inner.Query(ctx, table, q)
}

func (o stampedOps) Insert(ctx context.Context, table string, rec record.Record) (ident.RecordID, error) {
	meta, err := schema.Lookup(table)
	if err != nil {
		return ident.RecordID{}, err
	}
	return o.inner.Insert(ctx, table, record.StampNew(rec, o.clock.Now(), meta.Syncable))
}

func (o stampedOps) Update(ctx context.Context, table string, values record.Record, q *Query) (int64, error) {
	meta, err := schema.Lookup(table)
	if err != nil {
		return 0, err
	}
	return o.inner.Update(ctx, table, record.StampUpdate(values, o.clock.Now(), meta.Syncable), q)
}

func (o stampedOps) Delete(ctx context.Context, table string, q *Query) (int64, error) {
	return o.inner.Delete(ctx, table, q)
}
