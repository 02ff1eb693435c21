package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 恢复窗口已过，允许一次探测
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// ErrCircuitOpen 熔断器已打开
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config 熔断器配置
type Config struct {
	// FailureThreshold 连续失败次数阈值（触发熔断）
	FailureThreshold int

	// RecoveryTime 熔断恢复等待时间（Open -> HalfOpen）
	RecoveryTime time.Duration

	// Clock 时间源，nil 时使用 time.Now
	Clock func() time.Time

	// OnStateChange 状态变更回调
	OnStateChange func(from State, to State)
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		RecoveryTime:     30 * time.Second,
	}
}

// Breaker 熔断器实现
type Breaker struct {
	name   string
	config *Config
	logger *zap.Logger

	mu              sync.Mutex
	failures        int       // 连续失败次数
	lastFailureTime time.Time // 最后失败时间
}

// New 创建熔断器
func New(name string, config *Config, logger *zap.Logger) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}

	// 参数校验
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTime < 0 {
		config.RecoveryTime = 0
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Breaker{
		name:   name,
		config: config,
		logger: logger.With(zap.String("breaker", name)),
	}
}

// Name 返回熔断器名称
func (b *Breaker) Name() string {
	return b.name
}

// RecordFailure 记录一次失败
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	before := b.stateLocked()
	b.failures++
	b.lastFailureTime = b.config.Clock()
	after := b.stateLocked()

	if after == StateOpen && before != StateOpen {
		b.logger.Warn("circuit breaker opened",
			zap.Int("failures", b.failures),
			zap.Int("threshold", b.config.FailureThreshold),
		)
		b.emit(before, after)
	}
}

// RecordSuccess 记录一次成功，重置失败计数
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	before := b.stateLocked()
	b.failures = 0
	b.lastFailureTime = time.Time{}

	if before != StateClosed {
		b.logger.Info("circuit breaker closed", zap.String("from_state", before.String()))
		b.emit(before, StateClosed)
	}
}

// IsOpen 失败次数达到阈值且仍在恢复窗口内时返回 true
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked() == StateOpen
}

// State 获取当前状态
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

// Failures 获取当前连续失败次数
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// RetryAfter 返回距离恢复窗口结束的剩余时间，未熔断时为 0
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stateLocked() != StateOpen {
		return 0
	}
	return b.config.RecoveryTime - b.config.Clock().Sub(b.lastFailureTime)
}

// Reset 重置熔断器（手动恢复）
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	before := b.stateLocked()
	b.failures = 0
	b.lastFailureTime = time.Time{}

	b.logger.Info("circuit breaker reset", zap.String("from_state", before.String()))
	if before != StateClosed {
		b.emit(before, StateClosed)
	}
}

// stateLocked 计算当前状态（必须在锁内调用）
func (b *Breaker) stateLocked() State {
	if b.failures < b.config.FailureThreshold {
		return StateClosed
	}
	if b.config.Clock().Sub(b.lastFailureTime) < b.config.RecoveryTime {
		return StateOpen
	}
	return StateHalfOpen
}

// emit 触发状态变更回调（必须在锁内调用）
func (b *Breaker) emit(from, to State) {
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(from, to)
	}
}
