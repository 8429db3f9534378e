// Package metrics exposes the sync and ledger counters behind the sync
// status indicator and operational dashboards.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
)

type Metrics struct {
	SyncReplayed  *prometheus.CounterVec
	SyncFailed    *prometheus.CounterVec
	SyncDead      prometheus.Counter
	OutboxPending prometheus.Gauge

	LedgerAppends  *prometheus.CounterVec
	LedgerRejected *prometheus.CounterVec
}

// New registers the metric set on the given registerer. Tests pass a
// fresh registry so parallel packages do not collide.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SyncReplayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tillside_sync_replayed_total",
			Help: "Outbox entries successfully replayed against the remote store.",
		}, []string{"entity_type", "operation"}),
		SyncFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tillside_sync_failed_total",
			Help: "Outbox replay attempts that failed and were requeued.",
		}, []string{"entity_type"}),
		SyncDead: factory.NewCounter(prometheus.CounterOpts{
			Name: "tillside_sync_dead_total",
			Help: "Outbox entries abandoned after exhausting retry attempts.",
		}),
		OutboxPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tillside_outbox_pending",
			Help: "Outbox entries waiting for replication.",
		}),
		LedgerAppends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tillside_ledger_appends_total",
			Help: "Ledger rows appended, by subject kind.",
		}, []string{"kind"}),
		LedgerRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tillside_ledger_rejected_total",
			Help: "Ledger appends rejected, by reason.",
		}, []string{"reason"}),
	}
}

func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

var Module = fx.Module("metrics",
	fx.Provide(NewDefault),
)
