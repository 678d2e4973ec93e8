package scheduler

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	billingeventservice "github.com/smallbiznis/dunningd/internal/billingevent/service"
	"github.com/smallbiznis/dunningd/internal/lifecycle"
	"github.com/smallbiznis/dunningd/internal/ratelimit"
	"go.uber.org/fx"
)

const leasePrefix = "dunningd:lock:scheduler:"

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(func(e *lifecycle.Engine) Lifecycle { return e }),
	fx.Provide(func(s *billingeventservice.Service) Ingress { return s }),
	fx.Provide(fx.Annotate(provideLeases, fx.ResultTags(`name:"scheduler_leases"`))),
	fx.Provide(New),
	fx.Invoke(NewScheduler),
)

type leaseParams struct {
	fx.In

	Redis *redis.Client `optional:"true"`
}

func provideLeases(p leaseParams) *ratelimit.Locker {
	return ratelimit.NewLocker(p.Redis, leasePrefix)
}

func NewScheduler(lc fx.Lifecycle, sched *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sched.RunForever(ctx)

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
