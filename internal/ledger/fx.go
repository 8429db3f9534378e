package ledger

import "go.uber.org/fx"

var Module = fx.Module("ledger",
	fx.Provide(New),
)
