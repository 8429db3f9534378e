// Package audit records who did what to which record. Entries go through
// the unified store like every other write, but the audit_log table is
// not syncable: each side keeps its own trail.
package audit

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/smallbiznis/tillside/internal/record"
	"github.com/smallbiznis/tillside/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Store *store.Store
	Log   *zap.Logger
}

type Writer struct {
	store *store.Store
	log   *zap.Logger
}

func NewWriter(p Params) *Writer {
	return &Writer{store: p.Store, log: p.Log.Named("audit")}
}

// Log writes one trail entry. Best effort: a failed audit write is
// logged and swallowed so it never fails the operation it describes.
func (w *Writer) Log(ctx context.Context, actorID, action, targetType, targetID string, metadata map[string]any) {
	action = strings.TrimSpace(action)
	if action == "" {
		return
	}
	if targetType = strings.TrimSpace(targetType); targetType == "" {
		targetType = "unknown"
	}

	rec := record.Record{
		"actor_id":    actorID,
		"action":      action,
		"target_type": targetType,
		"target_id":   targetID,
	}
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err == nil {
			rec["metadata"] = string(raw)
		}
	}

	if _, err := w.store.Insert(ctx, "audit_log", rec); err != nil {
		w.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
	}
}

var Module = fx.Module("audit",
	fx.Provide(NewWriter),
)
