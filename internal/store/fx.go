package store

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tillside/internal/clock"
	"github.com/smallbiznis/tillside/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ProvideLocal opens the embedded store at construction, the same way
// the shared gorm handle is provided eagerly: downstream providers (the
// outbox, the casbin adapter) need a live handle, not a promise.
func ProvideLocal(cfg config.Config, log *zap.Logger, clk clock.Clock) (*Local, error) {
	l := NewLocal(LocalConfig{
		Dialect:  cfg.LocalDialect,
		Path:     cfg.LocalPath,
		Host:     cfg.LocalHost,
		Port:     cfg.LocalPort,
		Name:     cfg.LocalName,
		User:     cfg.LocalUser,
		Password: cfg.LocalPassword,
		SSLMode:  cfg.LocalSSLMode,
		Metrics:  cfg.MetricsEnabled,
	}, log, clk)
	if err := l.Open(context.Background()); err != nil {
		return nil, err
	}
	return l, nil
}

// ProvideDB exposes the local gorm handle for components that persist
// through the same file: the outbox journal and the casbin adapter.
func ProvideDB(local *Local) *gorm.DB { return local.DB() }

func ProvideRemote(cfg config.Config, log *zap.Logger, clk clock.Clock, node *snowflake.Node) *Remote {
	return NewRemote(RemoteConfig{
		Addr:     cfg.RemoteAddr,
		Password: cfg.RemotePassword,
		DB:       cfg.RemoteDB,
		Prefix:   cfg.RemotePrefix,
	}, log, clk, node)
}

func ProvideStore(cfg config.Config, local *Local, remote *Remote, log *zap.Logger, clk clock.Clock) *Store {
	mode := ModeLocal
	if cfg.IsRemote() {
		mode = ModeRemote
	}
	return New(Params{Mode: mode, Local: local, Remote: remote}, log, clk)
}

// RunStore ties the store to the app lifecycle: fail-soft init on start,
// close on stop.
func RunStore(lc fx.Lifecycle, s *Store) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return s.Init(ctx)
		},
		OnStop: func(context.Context) error {
			return s.Close()
		},
	})
}

var Module = fx.Module("store",
	fx.Provide(ProvideLocal),
	fx.Provide(ProvideDB),
	fx.Provide(ProvideRemote),
	fx.Provide(ProvideStore),
	fx.Invoke(RunStore),
)
