package gateway

import "go.uber.org/fx"

var Module = fx.Module("providers.gateway",
	fx.Provide(fx.Annotate(NewSimulated, fx.As(new(Client)))),
)
