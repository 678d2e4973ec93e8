package dispatch

import (
	"context"

	"github.com/smallbiznis/dunningd/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("dispatch",
	fx.Provide(newPool),
	fx.Provide(newGatewayPool),
)

func newPool(lc fx.Lifecycle, log *zap.Logger, m *metrics.Metrics) *Pool {
	pool := NewPool(DefaultConfig(), log, m)
	hook(lc, pool)
	return pool
}

func newGatewayPool(lc fx.Lifecycle, log *zap.Logger, m *metrics.Metrics) *GatewayPool {
	pool := NewGatewayPool(DefaultGatewayConfig(), log, m)
	hook(lc, pool.Pool)
	return pool
}

func hook(lc fx.Lifecycle, pool *Pool) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			pool.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			pool.Stop()
			return nil
		},
	})
}
