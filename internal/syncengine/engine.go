// Package syncengine drains the outbox against the remote document
// store. It owns all retry policy: the unified store never retries, and
// callers never block on replication.
package syncengine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/tillside/internal/clock"
	"github.com/smallbiznis/tillside/internal/metrics"
	"github.com/smallbiznis/tillside/internal/outbox"
	"github.com/smallbiznis/tillside/internal/record"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const drainLockKey = "tillside:sync:drain"

// RemoteApplier replays one recorded mutation against the remote store.
// Implemented by the document backend adapter.
type RemoteApplier interface {
	Apply(ctx context.Context, table, entityID, operation string, payload record.Record) error
	Ping(ctx context.Context) error
}

// Status is the sync indicator surface.
type Status struct {
	PendingCount int64      `json:"pending_count"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
}

type Params struct {
	fx.In

	Queue   *outbox.Queue
	Remote  RemoteApplier
	Log     *zap.Logger
	Clock   clock.Clock
	Metrics *metrics.Metrics  `optional:"true"`
	Locker  *redislock.Client `optional:"true"`
	Config  Config            `optional:"true"`
}

type Engine struct {
	cfg     Config
	log     *zap.Logger
	clock   clock.Clock
	queue   *outbox.Queue
	remote  RemoteApplier
	metrics *metrics.Metrics
	locker  *redislock.Client

	workerID string
	kick     chan struct{}
}

func New(p Params) (*Engine, error) {
	if p.Queue == nil || p.Remote == nil || p.Log == nil || p.Clock == nil {
		return nil, errors.New("syncengine: missing dependencies")
	}
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	return &Engine{
		cfg:      p.Config.withDefaults(),
		log:      p.Log.Named("sync.engine"),
		clock:    p.Clock,
		queue:    p.Queue,
		remote:   p.Remote,
		metrics:  p.Metrics,
		locker:   p.Locker,
		workerID: ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String(),
		kick:     make(chan struct{}, 1),
	}, nil
}

// ForceSyncNow wakes the drain loop without waiting for the next tick.
func (e *Engine) ForceSyncNow() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Status reports the pending backlog and last confirmed replication.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	pending, err := e.queue.PendingCount(ctx)
	if err != nil {
		return Status{}, err
	}
	last, err := e.queue.LastSyncedAt(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{PendingCount: pending, LastSyncedAt: last}, nil
}

// RunForever drains on an interval and on ForceSyncNow signals until the
// context is cancelled.
func (e *Engine) RunForever(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.RunInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.kick:
		}
		if err := e.RunOnce(ctx); err != nil {
			e.log.Warn("drain pass failed", zap.Error(err))
		}
	}
}

// RunOnce claims one batch and replays it. Entries for one entity apply
// strictly in enqueue order (the outbox only releases the oldest per
// entity); distinct entities replay concurrently.
func (e *Engine) RunOnce(ctx context.Context) error {
	if e.remote.Ping(ctx) != nil {
		// Offline. The backlog keeps accumulating; nothing to report.
		return nil
	}

	if e.locker != nil {
		lock, err := e.locker.Obtain(ctx, drainLockKey, e.cfg.LockTTL, nil)
		if err == redislock.ErrNotObtained {
			return nil
		}
		if err != nil {
			return err
		}
		defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()
	}

	now := e.clock.Now()
	batch, err := e.queue.NextBatch(ctx, now, e.cfg.BatchSize, e.workerID, e.cfg.LockTTL)
	if err != nil {
		return err
	}
	if len(batch) > 0 {
		e.replay(ctx, batch)
	}

	if pruned, err := e.queue.PruneSynced(ctx, now.Add(-e.cfg.PruneAfter)); err != nil {
		e.log.Warn("prune failed", zap.Error(err))
	} else if pruned > 0 {
		e.log.Debug("pruned synced entries", zap.Int64("count", pruned))
	}

	if e.metrics != nil {
		if pending, err := e.queue.PendingCount(ctx); err == nil {
			e.metrics.OutboxPending.Set(float64(pending))
		}
	}
	return nil
}

func (e *Engine) replay(ctx context.Context, batch []outbox.Entry) {
	groups := make(map[string][]outbox.Entry)
	for _, entry := range batch {
		key := entry.EntityType + "/" + entry.EntityID
		groups[key] = append(groups[key], entry)
	}

	var wg sync.WaitGroup
	for _, entries := range groups {
		wg.Add(1)
		go func(entries []outbox.Entry) {
			defer wg.Done()
			for _, entry := range entries {
				if !e.replayOne(ctx, entry) {
					// Stop the group: a failed entry must apply before
					// its successors.
					return
				}
			}
		}(entries)
	}
	wg.Wait()
}

func (e *Engine) replayOne(ctx context.Context, entry outbox.Entry) bool {
	log := e.log.With(
		zap.String("entity_type", entry.EntityType),
		zap.String("entity_id", entry.EntityID),
		zap.String("operation", entry.Operation),
		zap.Int64("seq", entry.Seq),
	)

	payload, err := entry.DecodePayload()
	if err == nil {
		err = e.remote.Apply(ctx, entry.EntityType, entry.EntityID, entry.Operation, payload)
	}
	now := e.clock.Now()
	if err == nil {
		if markErr := e.queue.MarkSynced(ctx, entry.ID, now); markErr != nil && !errors.Is(markErr, outbox.ErrNotQueued) {
			log.Warn("mark synced failed", zap.Error(markErr))
			return false
		}
		if e.metrics != nil {
			e.metrics.SyncReplayed.WithLabelValues(entry.EntityType, entry.Operation).Inc()
		}
		return true
	}

	attempt := entry.SyncAttempts + 1
	next := now.Add(e.cfg.backoffFor(attempt))
	if markErr := e.queue.MarkFailed(ctx, entry.ID, err, next, now); markErr != nil {
		log.Warn("mark failed errored", zap.Error(markErr))
	}
	if e.metrics != nil {
		e.metrics.SyncFailed.WithLabelValues(entry.EntityType).Inc()
		if attempt == e.cfg.MaxAttempts {
			e.metrics.SyncDead.Inc()
		}
	}
	if attempt >= e.cfg.MaxAttempts {
		// Never abandoned outright: the entry stays queued at the capped
		// backoff, but it is loud enough to alert on.
		log.Error("entry exceeded max attempts", zap.Int("attempts", attempt), zap.Error(err))
	} else {
		log.Warn("replay failed", zap.Int("attempts", attempt), zap.Error(err))
	}
	return false
}
