package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"time"

	"go.uber.org/zap"
)

// Policy 定义重试策略配置
type Policy struct {
	MaxAttempts int                                               // 最大尝试次数（含首次调用）
	BaseBackoff time.Duration                                     // 基础退避时间
	Jitter      time.Duration                                     // 抖动幅度，实际抖动取 [-Jitter, Jitter]
	AbortOn     []string                                          // abort 类错误类别，命中后不再重试
	Rand        func() float64                                    // [0,1) 随机源，nil 时使用 math/rand
	OnRetry     func(attempt int, err error, delay time.Duration) // 重试回调
}

// DefaultPolicy 返回默认的重试策略
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		Jitter:      100 * time.Millisecond,
	}
}

// Normalize 参数校验，把非法值钳制到合法范围
func (p *Policy) Normalize() {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseBackoff < 0 {
		p.BaseBackoff = 0
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
}

// BackoffTime 计算第 attempt 次失败后的等待时间
// backoff = base * 2^(attempt-1) + uniform(-jitter, jitter)，下限为 0
func (p *Policy) BackoffTime(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseBackoff) * math.Pow(2, float64(attempt-1))

	if p.Jitter > 0 {
		r := p.Rand
		if r == nil {
			r = rand.Float64
		}
		delay += (r()*2 - 1) * float64(p.Jitter)
	}

	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

// ShouldAbort 判断错误类别是否属于 abort 类
func (p *Policy) ShouldAbort(category string) bool {
	if category == "" {
		return false
	}
	return slices.Contains(p.AbortOn, category)
}

// Wait 等待退避时间，同时监听 context 取消
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Categorized 是携带错误类别的错误
type Categorized interface {
	error
	ErrorCategory() string
}

// CategoryOf 提取错误链中的错误类别，找不到时返回空串
func CategoryOf(err error) string {
	var c Categorized
	if errors.As(err, &c) {
		return c.ErrorCategory()
	}
	return ""
}

// Retryer 重试器接口
type Retryer interface {
	// Do 执行函数，失败时根据策略重试
	Do(ctx context.Context, fn func() error) error

	// DoWithResult 执行函数并返回结果，失败时根据策略重试
	DoWithResult(ctx context.Context, fn func() (any, error)) (any, error)
}

// backoffRetryer 基于指数退避的重试器实现
type backoffRetryer struct {
	policy *Policy
	logger *zap.Logger
}

// NewBackoffRetryer 创建指数退避重试器
func NewBackoffRetryer(policy *Policy, logger *zap.Logger) Retryer {
	if policy == nil {
		policy = DefaultPolicy()
	}
	policy.Normalize()
	if logger == nil {
		logger = zap.NewNop()
	}

	return &backoffRetryer{
		policy: policy,
		logger: logger,
	}
}

// Do 实现 Retryer.Do
func (r *backoffRetryer) Do(ctx context.Context, fn func() error) error {
	_, err := r.DoWithResult(ctx, func() (any, error) {
		return nil, fn()
	})
	return err
}

// DoWithResult 实现 Retryer.DoWithResult
func (r *backoffRetryer) DoWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			if attempt > 1 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err

		// abort 类错误直接返回
		if r.policy.ShouldAbort(CategoryOf(err)) {
			r.logger.Debug("abort-class error, not retrying", zap.Error(err))
			return nil, err
		}

		if attempt == r.policy.MaxAttempts {
			break
		}

		delay := r.policy.BackoffTime(attempt)
		r.logger.Debug("retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.policy.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if r.policy.OnRetry != nil {
			r.policy.OnRetry(attempt, err, delay)
		}
		if err := Wait(ctx, delay); err != nil {
			return nil, err
		}
	}

	r.logger.Warn("retries exhausted",
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return nil, fmt.Errorf("failed after %d attempts: %w", r.policy.MaxAttempts, lastErr)
}
