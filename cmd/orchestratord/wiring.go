package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/breaker"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/cache"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/conductor"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/config"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/health"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/internal/clock"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/internal/metrics"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/keypool"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/loadbalancer"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/providers"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/router"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/scaler"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/stream"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/types"
)

// app holds every wired component plus the background goroutines that
// drive them. There is no HTTP listener: orchestratord is a stream
// consumer and a set of ticking control loops.
type app struct {
	cfg       *config.Config
	log       *zap.Logger
	redis     *redis.Client
	keypools  map[types.Provider]*keypool.Pool
	breakers  *breaker.Manager
	rt        *router.Router
	rcache    *cache.RedisCache
	tasks     *stream.ConsumerGroup
	lb        *loadbalancer.LoadBalancer
	healthMon *scaler.HealthMonitor
	worksc    *scaler.Scaler
	failover  *health.Monitor
	recovery  *health.AutoRecovery
	conduct   *conductor.Conductor
}

// build wires every component from cfg. Creating the task stream's
// consumer group issues a Redis command during build, and a failure there
// is returned as an error. The other components issue no Redis command
// here; their connectivity problems surface as errors from the first
// command each one issues.
func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})

	clk := clock.Real{}
	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	pools, err := buildKeyPools(cfg, clk, logger)
	if err != nil {
		return nil, err
	}

	breakers := breaker.NewManager(breaker.Config{BaseThreshold: cfg.Breaker.BaseThreshold, BaseTimeout: cfg.Breaker.BaseTimeout}, clk, met, logger, rdb)

	clients := map[types.Provider]providers.Provider{
		types.ProviderDeepSeek: providers.NewDeepSeekProvider(providers.DeepSeekConfig{
			BaseURL: cfg.Providers.DeepSeek.BaseURL,
			Model:   cfg.Providers.DeepSeek.Model,
			Timeout: cfg.Providers.DeepSeek.Timeout,
		}, logger),
		types.ProviderPerplexity: providers.NewPerplexityProvider(providers.PerplexityConfig{
			BaseURL: cfg.Providers.Perplexity.BaseURL,
			Model:   cfg.Providers.Perplexity.Model,
			Timeout: cfg.Providers.Perplexity.Timeout,
		}, logger),
		types.ProviderCopilot: providers.NewCopilotProvider(),
	}

	rt := router.New(router.Config{
		ForceDirectAPI: cfg.Agent.ForceDirectAgentAPI,
		DefaultTimeout: time.Duration(cfg.Agent.TimeoutSeconds) * time.Second,
		ToolCallBudget: cfg.Agent.ToolCallBudget,
	}, pools, breakers, clients, nil, met, logger)
	rcache := cache.NewRedisCache(rdb)

	taskStream, err := stream.NewConsumerGroup(ctx, stream.Config{
		StreamName: "orchestrator:tasks",
		GroupName:  "orchestrator:workers",
	}, rdb, logger)
	if err != nil {
		return nil, fmt.Errorf("building task stream: %w", err)
	}

	lb := loadbalancer.New(loadbalancer.StrategyLeastLoaded, clk, logger)
	healthMon := scaler.NewHealthMonitor(cfg.Scaling.ToTypes(), clk, logger)
	worksc := scaler.New(cfg.Scaling.ToTypes(), healthMon, scalingEventLogger{logger}, clk, met, logger)

	recovery := health.NewAutoRecovery(func(ctx context.Context, serviceID string) error {
		if pool, ok := pools[types.Provider(serviceID)]; ok {
			pool.Reconcile()
		}
		return nil
	}, logger)
	failover := health.NewMonitor(clk, func(ctx context.Context, serviceID string, result types.HealthCheckResult) {
		logger.Warn("service failover triggered", zap.String("service_id", serviceID), zap.String("status", string(result.Status)))
		if err := recovery.Attempt(ctx, serviceID); err != nil {
			logger.Error("auto-recovery exhausted", zap.String("service_id", serviceID), zap.Error(err))
		}
	}, logger)

	for provider, client := range clients {
		if provider == types.ProviderCopilot {
			// Copilot has no live endpoint to probe yet (placeholder VS Code
			// bridge integration), so it is never registered for health
			// checks or failover.
			continue
		}
		provider, client := provider, client
		pool := pools[provider]
		failover.RegisterHealthCheck(string(provider), func(ctx context.Context) error {
			key, err := pool.Lease(ctx)
			if err != nil {
				return err
			}
			ok, _, err := client.HealthCheck(ctx, key.Secret)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s reported unhealthy", provider)
			}
			return nil
		}, 15*time.Second, 5*time.Second)
	}

	conduct := conductor.New(conductor.NewRouterDispatcher(rt), conductor.NewRedisLoopDetector(rdb), nil, clk, met, logger)

	return &app{
		cfg: cfg, log: logger, redis: rdb,
		keypools: pools, breakers: breakers, rt: rt, rcache: rcache,
		tasks: taskStream, lb: lb, healthMon: healthMon, worksc: worksc,
		failover: failover, recovery: recovery, conduct: conduct,
	}, nil
}

// buildKeyPools reads <PROVIDER>_API_KEY_<N> environment variables
// (N starting at 1, stopping at the first gap) for each provider and
// seeds one keypool.Pool per provider.
func buildKeyPools(cfg *config.Config, clk clock.Clock, logger *zap.Logger) (map[types.Provider]*keypool.Pool, error) {
	pools := make(map[types.Provider]*keypool.Pool)
	for _, provider := range []types.Provider{types.ProviderDeepSeek, types.ProviderPerplexity, types.ProviderCopilot} {
		keys := loadAPIKeysFromEnv(provider)
		pools[provider] = keypool.New(keypool.Config{
			Provider:                provider,
			Strategy:                keypool.Strategy(cfg.KeyPool.Strategy),
			ConsecutiveToQuarantine: cfg.KeyPool.ConsecutiveToQuarantine,
			QuarantineCooldown:      cfg.KeyPool.QuarantineCooldown,
		}, keys, clk, logger)
	}
	return pools, nil
}

func loadAPIKeysFromEnv(provider types.Provider) []*types.APIKey {
	prefix := envPrefixForProvider(provider)
	var keys []*types.APIKey
	for n := 1; ; n++ {
		secret := os.Getenv(prefix + "_API_KEY_" + strconv.Itoa(n))
		if secret == "" {
			break
		}
		keys = append(keys, &types.APIKey{Provider: provider, Secret: secret, Index: n, Health: types.KeyUnknown})
	}
	return keys
}

func envPrefixForProvider(provider types.Provider) string {
	switch provider {
	case types.ProviderDeepSeek:
		return "DEEPSEEK"
	case types.ProviderPerplexity:
		return "PERPLEXITY"
	case types.ProviderCopilot:
		return "COPILOT"
	default:
		return ""
	}
}

// scalingEventLogger is the production EventSink: scaling decisions are
// logged, not acted on directly, matching scaler.New's doc that
// provisioning is external.
type scalingEventLogger struct {
	log *zap.Logger
}

func (s scalingEventLogger) Emit(ctx context.Context, event scaler.ScalingEvent) error {
	s.log.Info("scaling decision",
		zap.String("direction", event.Direction),
		zap.String("reason", event.Reason),
		zap.Int("active_count", event.ActiveCount),
	)
	return nil
}
