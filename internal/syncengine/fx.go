package syncengine

import (
	"context"

	"github.com/bsm/redislock"
	"github.com/smallbiznis/tillside/internal/config"
	"github.com/smallbiznis/tillside/internal/store"
	"go.uber.org/fx"
)

var Module = fx.Module("syncengine",
	fx.Provide(ProvideConfig),
	fx.Provide(ProvideApplier),
	fx.Provide(ProvideLocker),
	fx.Provide(New),
	fx.Invoke(RunEngine),
)

// ProvideApplier binds the document backend as the replay target.
func ProvideApplier(r *store.Remote) RemoteApplier { return r }

// ProvideLocker shares one drain lock between workers pointed at the
// same remote store.
func ProvideLocker(r *store.Remote) *redislock.Client {
	return redislock.New(r.Client())
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.SyncInterval,
		BatchSize:   cfg.SyncBatchSize,
		MaxAttempts: cfg.SyncMaxAttempts,
		BaseBackoff: cfg.SyncBaseBackoff,
		MaxBackoff:  cfg.SyncMaxBackoff,
		LockTTL:     cfg.SyncLockTTL,
	}
}

// RunEngine starts the drain loop for local-authority deployments. A
// remote-authority deployment has nothing to replicate.
func RunEngine(lc fx.Lifecycle, cfg config.Config, eng *Engine) {
	if cfg.IsRemote() {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			runCtx, cancel := context.WithCancel(context.Background())

			go eng.RunForever(runCtx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
