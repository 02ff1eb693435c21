package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/workstream/config"
	"github.com/BaSui01/workstream/internal/atomclient"
	"github.com/BaSui01/workstream/internal/database"
	"github.com/BaSui01/workstream/internal/metrics"
	"github.com/BaSui01/workstream/internal/runstore"
	"github.com/BaSui01/workstream/internal/telemetry"
	"github.com/BaSui01/workstream/internal/tlsutil"
	"github.com/BaSui01/workstream/workstream"
)

// app 持有一次 CLI 调用所需的全部组件
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	registry  *prometheus.Registry
	collector *metrics.Collector
	providers *telemetry.Providers
	planner   *workstream.Planner
	runner    *workstream.Runner
	redis     *redis.Client
	pool      *database.PoolManager
	archive   *runstore.Store
}

// appOptions 覆盖默认装配，主要供测试使用
type appOptions struct {
	invoker workstream.Invoker
}

// newApp 按配置装配引擎：模板 → 记忆化后端 → 归档 → 遥测 → 原子客户端。
// 任一步失败都会释放已创建的资源。
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.WithoutCancel(ctx))
		}
	}()

	registry, err := workstream.LoadRegistry(cfg.Templates.Path)
	if err != nil {
		return nil, err
	}
	if a.planner, err = workstream.NewPlanner(registry, logger); err != nil {
		return nil, err
	}

	a.registry, a.collector = newMetrics(logger)

	if a.providers, err = telemetry.Init(cfg.Telemetry, logger); err != nil {
		return nil, fmt.Errorf("failed to init telemetry: %w", err)
	}

	memo, err := a.buildMemoizer(ctx)
	if err != nil {
		return nil, err
	}

	ec := workstream.NewEngineContext(cfg.EngineConfig(),
		workstream.WithLogger(logger),
		workstream.WithSink(a.collector),
		workstream.WithTracer(a.providers.Tracer()),
		workstream.WithMemoizer(memo),
	)

	var runnerOpts []workstream.RunnerOption
	if cfg.Database.Driver != "" {
		if err = a.openArchive(ctx); err != nil {
			return nil, err
		}
		runnerOpts = append(runnerOpts, workstream.WithArchive(a.archive))
	}

	invoker := opts.invoker
	if invoker == nil {
		invoker = atomclient.New(atomclient.ConfigFrom(cfg.AtomClient), atomclient.WithLogger(logger))
	}
	a.runner = workstream.NewRunner(ec, invoker, runnerOpts...)
	return a, nil
}

// newMetrics 每个 app 独立的 registry，附带 Go 运行时与进程指标
func newMetrics(logger *zap.Logger) (*prometheus.Registry, *metrics.Collector) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry, metrics.NewCollectorWith(registry, "workstream", logger)
}

func (a *app) buildMemoizer(ctx context.Context) (workstream.Memoizer, error) {
	switch a.cfg.Memo.Backend {
	case "", "memory":
		return workstream.NewMemoryMemoizer(), nil
	case "redis":
		opts := &redis.Options{
			Addr:         a.cfg.Redis.Addr,
			Password:     a.cfg.Redis.Password,
			DB:           a.cfg.Redis.DB,
			PoolSize:     a.cfg.Redis.PoolSize,
			MinIdleConns: a.cfg.Redis.MinIdleConns,
		}
		if a.cfg.Redis.TLS {
			opts.TLSConfig = tlsutil.DefaultTLSConfig()
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", a.cfg.Redis.Addr, err)
		}
		return workstream.NewRedisMemoizer(a.redis, a.cfg.Memo.Prefix, a.cfg.Memo.TTL, a.logger), nil
	default:
		return nil, fmt.Errorf("unsupported memo backend %q", a.cfg.Memo.Backend)
	}
}

func (a *app) openArchive(ctx context.Context) error {
	pool, err := database.Open(a.cfg.Database, database.PoolConfigFrom(a.cfg.Database), a.logger)
	if err != nil {
		return fmt.Errorf("failed to open run archive: %w", err)
	}
	a.pool = pool
	a.archive = runstore.New(pool,
		runstore.WithLogger(a.logger),
		runstore.WithObserver(a.collector.RecordArchive),
	)
	return a.archive.Migrate(ctx)
}

// execute 规划并运行一个意图，运行结果同时计入指标
func (a *app) execute(ctx context.Context, intent string, reqCtx, input map[string]any) (*workstream.RunResult, error) {
	plan, err := a.planner.Plan(intent, reqCtx)
	if err != nil {
		return nil, err
	}
	res, err := a.runner.Run(ctx, plan, input)
	if res != nil {
		a.collector.RecordRun(res)
	}
	return res, err
}

// close 按创建的逆序释放资源
func (a *app) close(ctx context.Context) {
	var errs []error
	if a.pool != nil {
		errs = append(errs, a.pool.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.providers != nil {
		errs = append(errs, a.providers.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("failed to release resources", zap.Error(err))
	}
}
