package outbox

import (
	"github.com/smallbiznis/tillside/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ProvideQueue builds the queue on the local store's handle and hooks it
// in as the store's write journal, making enqueue atomic with the
// primary write.
func ProvideQueue(local *store.Local, log *zap.Logger) *Queue {
	q := New(local.DB(), log)
	local.SetJournal(q)
	return q
}

var Module = fx.Module("outbox",
	fx.Provide(ProvideQueue),
)
