package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ---------------------------------------------------------------------------
// DefaultConfig / New
// ---------------------------------------------------------------------------

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.RecoveryTime)
	assert.Nil(t, cfg.OnStateChange)
}

func TestNew(t *testing.T) {
	tests := []struct {
		name          string
		cfg           *Config
		wantThreshold int
		wantRecovery  time.Duration
	}{
		{name: "nil config uses defaults", cfg: nil, wantThreshold: 5, wantRecovery: 30 * time.Second},
		{name: "zero threshold corrected", cfg: &Config{FailureThreshold: 0, RecoveryTime: time.Second}, wantThreshold: 5, wantRecovery: time.Second},
		{name: "custom values preserved", cfg: &Config{FailureThreshold: 2, RecoveryTime: 10 * time.Second}, wantThreshold: 2, wantRecovery: 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("atom", tt.cfg, zap.NewNop())
			require.NotNil(t, b)
			assert.Equal(t, StateClosed, b.State())
			assert.Equal(t, tt.wantThreshold, b.config.FailureThreshold)
			assert.Equal(t, tt.wantRecovery, b.config.RecoveryTime)
			assert.Equal(t, "atom", b.Name())
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Closed", StateClosed.String())
	assert.Equal(t, "Open", StateOpen.String())
	assert.Equal(t, "HalfOpen", StateHalfOpen.String())
	assert.Equal(t, "Unknown", State(99).String())
}

// ---------------------------------------------------------------------------
// 状态转换
// ---------------------------------------------------------------------------

func TestBreaker_OpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	b := New("atom", &Config{FailureThreshold: 3, RecoveryTime: time.Minute, Clock: clock.Now}, nil)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		assert.False(t, b.IsOpen())
	}
	b.RecordFailure()
	assert.True(t, b.IsOpen())
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 3, b.Failures())
	assert.Equal(t, time.Minute, b.RetryAfter())
}

func TestBreaker_RecoveryWindowThenSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	b := New("atom", &Config{FailureThreshold: 2, RecoveryTime: 10 * time.Second, Clock: clock.Now}, nil)

	b.RecordFailure()
	b.RecordFailure()
	require.True(t, b.IsOpen())

	clock.Advance(5 * time.Second)
	assert.True(t, b.IsOpen())

	clock.Advance(5 * time.Second)
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateHalfOpen, b.State())

	// 一次成功即完全关闭
	b.RecordSuccess()
	assert.Equal(t, 0, b.Failures())
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := New("atom", &Config{FailureThreshold: 1, RecoveryTime: time.Second, Clock: clock.Now}, nil)

	b.RecordFailure()
	clock.Advance(2 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordFailure()
	assert.True(t, b.IsOpen())
	assert.Equal(t, time.Second, b.RetryAfter())
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := New("atom", &Config{FailureThreshold: 3, RecoveryTime: time.Minute}, nil)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	assert.False(t, b.IsOpen())
	assert.Equal(t, 1, b.Failures())
}

func TestBreaker_Reset(t *testing.T) {
	b := New("atom", &Config{FailureThreshold: 1, RecoveryTime: time.Hour}, nil)
	b.RecordFailure()
	require.True(t, b.IsOpen())
	b.Reset()
	assert.False(t, b.IsOpen())
	assert.Equal(t, time.Duration(0), b.RetryAfter())
}

func TestBreaker_OnStateChange(t *testing.T) {
	var mu sync.Mutex
	var transitions [][2]State
	done := make(chan struct{}, 2)

	b := New("atom", &Config{
		FailureThreshold: 1,
		RecoveryTime:     time.Hour,
		OnStateChange: func(from, to State) {
			mu.Lock()
			transitions = append(transitions, [2]State{from, to})
			mu.Unlock()
			done <- struct{}{}
		},
	}, zap.NewNop())

	b.RecordFailure()
	<-done
	b.RecordSuccess()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, [][2]State{{StateClosed, StateOpen}, {StateOpen, StateClosed}}, transitions)
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := New("atom", &Config{FailureThreshold: 1000, RecoveryTime: time.Minute}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.RecordFailure()
			_ = b.IsOpen()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, b.Failures())
}
