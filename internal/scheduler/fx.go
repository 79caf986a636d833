package scheduler

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/bolton/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(ProvideLease),
	fx.Provide(New),
	fx.Invoke(Register),
)

func ProvideConfig() Config {
	return DefaultConfig()
}

// ProvideLease builds the Redis leadership lease when enabled; a nil lease
// means every replica ticks and SKIP LOCKED claiming alone prevents overlap.
func ProvideLease(cfg config.Config, schedCfg Config) *Lease {
	if !cfg.SchedulerLeaseEnabled || cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	resolved := schedCfg.withDefaults()
	return NewLease(client, resolved.LeaseKey, resolved.LeaseTTL)
}

func Register(lc fx.Lifecycle, sched *Scheduler) {
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
