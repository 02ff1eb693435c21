package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	runIDKey   contextKey = "run_id"
	intentKey  contextKey = "intent"
	atomIDKey  contextKey = "atom_id"
	idemKey    contextKey = "idempotency_key"
)

// WithTraceID 设置 TraceID
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID 获取 TraceID
func TraceID(ctx context.Context) (string, bool) {
	return lookup(ctx, traceIDKey)
}

// WithRunID 设置 RunID
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunID 获取 RunID
func RunID(ctx context.Context) (string, bool) {
	return lookup(ctx, runIDKey)
}

// WithIntent 设置当前运行的意图
func WithIntent(ctx context.Context, intent string) context.Context {
	return context.WithValue(ctx, intentKey, intent)
}

// Intent 获取当前运行的意图
func Intent(ctx context.Context) (string, bool) {
	return lookup(ctx, intentKey)
}

// WithAtomID 设置正在执行的原子 ID
func WithAtomID(ctx context.Context, atomID string) context.Context {
	return context.WithValue(ctx, atomIDKey, atomID)
}

// AtomID 获取正在执行的原子 ID
func AtomID(ctx context.Context) (string, bool) {
	return lookup(ctx, atomIDKey)
}

// WithIdempotencyKey 设置有副作用调用的幂等键，同一次执行的重试共享该键
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idemKey, key)
}

// IdempotencyKey 获取幂等键
func IdempotencyKey(ctx context.Context) (string, bool) {
	return lookup(ctx, idemKey)
}

func lookup(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
