package lifecycle

import (
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/dunningd/internal/config"
	"github.com/smallbiznis/dunningd/internal/observability/metrics"
	"github.com/smallbiznis/dunningd/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("lifecycle",
	fx.Provide(provideLocker),
	fx.Provide(NewEngine),
)

type lockerParams struct {
	fx.In

	Config  config.Config
	Redis   *redis.Client `optional:"true"`
	Metrics *metrics.SchedulerMetrics
	Log     *zap.Logger
}

func provideLocker(p lockerParams) Locker {
	ttl := time.Duration(p.Config.Redis.LockTTLSeconds) * time.Second
	return NewLocker(ratelimit.NewLocker(p.Redis, subscriptionLockPrefix), ttl, p.Metrics, p.Log)
}
