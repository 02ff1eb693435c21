package workstream

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/workstream/circuitbreaker"
	"github.com/BaSui01/workstream/retry"
	"github.com/BaSui01/workstream/types"
)

// InvokeFunc 单次原子调用
type InvokeFunc func(ctx context.Context) (AtomResult, error)

// ExecutionPolicy 为单个原子组合熔断、重试与遥测。每个原子在一次运行内独占一个实例。
type ExecutionPolicy struct {
	atomID    string
	retry     retry.Policy
	breaker   *circuitbreaker.Breaker
	telemetry *Telemetry
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *zap.Logger
}

// NewExecutionPolicy 创建执行策略。sleep 为 nil 时使用 retry.Wait。
func NewExecutionPolicy(atomID string, rp retry.Policy, breaker *circuitbreaker.Breaker, tel *Telemetry,
	sleep func(ctx context.Context, d time.Duration) error, logger *zap.Logger) *ExecutionPolicy {
	rp.Normalize()
	if breaker == nil {
		breaker = circuitbreaker.New(atomID, nil, logger)
	}
	if sleep == nil {
		sleep = retry.Wait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecutionPolicy{
		atomID:    atomID,
		retry:     rp,
		breaker:   breaker,
		telemetry: tel,
		sleep:     sleep,
		logger:    logger.With(zap.String("component", "execution_policy"), zap.String("atom_id", atomID)),
	}
}

// Breaker returns the policy's circuit breaker.
func (p *ExecutionPolicy) Breaker() *circuitbreaker.Breaker { return p.breaker }

// Run 执行 invoke，返回结果与实际尝试次数。
//
//  1. 熔断器打开时直接返回 CIRCUIT_OPEN，不调用 invoke
//  2. 每次失败记录熔断失败与 retry 遥测；abort 类或不可重试错误立即返回 ATOM_ABORTED
//  3. 非最后一次失败后按 base*2^(n-1)±jitter 退避
//  4. 用尽 MaxAttempts 返回 RETRIES_EXHAUSTED
//
// 成功一次即关闭熔断器。
func (p *ExecutionPolicy) Run(ctx context.Context, invoke InvokeFunc, id AtomIdentity, idem Idempotency, force bool) (AtomResult, int, error) {
	span := trace.SpanFromContext(ctx)

	if p.breaker.IsOpen() {
		if p.telemetry != nil {
			p.telemetry.RecordCircuitTrip(p.atomID)
		}
		p.logger.Warn("circuit open, rejecting call", zap.Duration("retry_after", p.breaker.RetryAfter()))
		return AtomResult{}, 0, types.NewError(types.ErrCircuitOpen, "circuit open").
			WithAtom(p.atomID).WithRetryable(true).WithCause(circuitbreaker.ErrCircuitOpen)
	}

	var lastErr error
	for attempt := 1; attempt <= p.retry.MaxAttempts; attempt++ {
		span.AddEvent("atom.attempt", trace.WithAttributes(
			attribute.String("atom.id", id.Name),
			attribute.String("atom.version", id.Version),
			attribute.String("atom.idempotency", string(idem)),
			attribute.Bool("atom.force", force),
			attribute.Int("attempt", attempt),
		))

		res, err := invoke(ctx)
		if err == nil {
			p.breaker.RecordSuccess()
			if attempt > 1 {
				p.logger.Info("atom succeeded after retry", zap.Int("attempt", attempt))
			}
			return res, attempt, nil
		}
		lastErr = err
		p.breaker.RecordFailure()

		if ctxErr := ctx.Err(); ctxErr != nil {
			return AtomResult{}, attempt, types.NewError(types.ErrAtomAborted, "cancelled").
				WithAtom(p.atomID).WithAttempts(attempt).WithCause(err)
		}
		if p.shouldAbort(err) {
			p.logger.Debug("abort-class error, not retrying", zap.Error(err))
			return AtomResult{}, attempt, types.NewError(types.ErrAtomAborted, "aborted").
				WithAtom(p.atomID).WithAttempts(attempt).WithCause(err)
		}

		if p.telemetry != nil {
			p.telemetry.RecordRetry(p.atomID, attempt, err)
		}
		if attempt == p.retry.MaxAttempts {
			break
		}

		delay := p.retry.BackoffTime(attempt)
		p.logger.Debug("retrying atom",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.retry.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if p.retry.OnRetry != nil {
			p.retry.OnRetry(attempt, err, delay)
		}
		if err := p.sleep(ctx, delay); err != nil {
			return AtomResult{}, attempt, types.NewError(types.ErrAtomAborted, "cancelled during backoff").
				WithAtom(p.atomID).WithAttempts(attempt).WithCause(err)
		}
	}

	p.logger.Warn("retries exhausted", zap.Int("attempts", p.retry.MaxAttempts), zap.Error(lastErr))
	return AtomResult{}, p.retry.MaxAttempts, types.Errorf(types.ErrRetriesExhausted,
		"failed after %d attempts", p.retry.MaxAttempts).
		WithAtom(p.atomID).WithAttempts(p.retry.MaxAttempts).WithCause(lastErr)
}

func (p *ExecutionPolicy) shouldAbort(err error) bool {
	if p.retry.ShouldAbort(retry.CategoryOf(err)) {
		return true
	}
	var ae *AtomError
	if errors.As(err, &ae) {
		return !ae.Retryable
	}
	return false
}
