package workstream

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/workstream/circuitbreaker"
	"github.com/BaSui01/workstream/retry"
)

// TracerName 引擎创建 span 使用的 tracer 名称
const TracerName = "github.com/BaSui01/workstream"

// EngineConfig 引擎的全部调优参数
type EngineConfig struct {
	Store   StoreConfig
	Loop    LoopConfig
	Retry   retry.Policy
	Breaker circuitbreaker.Config

	// MaxParallel 同一波次内并发执行的原子数上限
	MaxParallel int
	// ShortCircuit 是否对纯函数原子启用运行内短路
	ShortCircuit bool
	// VolatileFields 在默认易变字段之外额外剔除的输入键
	VolatileFields []string
}

// DefaultEngineConfig 返回默认配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Store: StoreConfig{
			DedupeBudget:        3,
			MaxBacktracks:       3,
			BacktrackTimeBudget: 5 * time.Minute,
		},
		Loop:         DefaultLoopConfig(),
		Retry:        *retry.DefaultPolicy(),
		Breaker:      defaultBreakerConfig(),
		MaxParallel:  4,
		ShortCircuit: true,
	}
}

// defaultBreakerConfig 阈值与默认重试次数一致：熔断器按运行创建，一次用尽重试即打开
func defaultBreakerConfig() circuitbreaker.Config {
	cfg := *circuitbreaker.DefaultConfig()
	cfg.FailureThreshold = retry.DefaultPolicy().MaxAttempts
	return cfg
}

// EngineContext 引擎依赖的注入容器，在多个运行之间共享。
type EngineContext struct {
	Config   EngineConfig
	Logger   *zap.Logger
	Clock    func() time.Time
	Sink     TelemetrySink
	Tracer   trace.Tracer
	Memoizer Memoizer
	// Sleep 重试退避等待，测试中可替换
	Sleep func(ctx context.Context, d time.Duration) error
}

// Option 配置 EngineContext
type Option func(*EngineContext)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(ec *EngineContext) { ec.Logger = logger }
}

// WithClock sets the time source.
func WithClock(clock func() time.Time) Option {
	return func(ec *EngineContext) { ec.Clock = clock }
}

// WithSink sets the telemetry sink.
func WithSink(sink TelemetrySink) Option {
	return func(ec *EngineContext) { ec.Sink = sink }
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(ec *EngineContext) { ec.Tracer = tracer }
}

// WithMemoizer enables cross-run memoization.
func WithMemoizer(m Memoizer) Option {
	return func(ec *EngineContext) { ec.Memoizer = m }
}

// WithSleep replaces the backoff wait function.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(ec *EngineContext) { ec.Sleep = sleep }
}

// NewEngineContext 创建 EngineContext，未指定的依赖使用默认实现。
func NewEngineContext(cfg EngineConfig, opts ...Option) *EngineContext {
	ec := &EngineContext{Config: cfg}
	for _, opt := range opts {
		opt(ec)
	}
	if ec.Logger == nil {
		ec.Logger = zap.NewNop()
	}
	if ec.Clock == nil {
		ec.Clock = time.Now
	}
	if ec.Tracer == nil {
		ec.Tracer = otel.Tracer(TracerName)
	}
	if ec.Sleep == nil {
		ec.Sleep = retry.Wait
	}
	if ec.Config.MaxParallel < 1 {
		ec.Config.MaxParallel = 1
	}
	ec.Config.Retry.Normalize()
	return ec
}
