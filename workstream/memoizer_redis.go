package workstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisMemoizer 基于 Redis 的 Memoizer，供多进程共享纯函数原子结果。
type RedisMemoizer struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisMemoizer 创建基于 Redis 的 Memoizer。
// prefix 为空时使用 "workstream:memo:"，ttl <= 0 时使用 1 小时。
func NewRedisMemoizer(client redis.UniversalClient, prefix string, ttl time.Duration, logger *zap.Logger) *RedisMemoizer {
	if prefix == "" {
		prefix = "workstream:memo:"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisMemoizer{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "redis_memoizer")),
	}
}

// Get 实现 Memoizer.Get
func (m *RedisMemoizer) Get(ctx context.Context, id AtomIdentity) (map[string]any, bool, error) {
	data, err := m.client.Get(ctx, m.prefix+id.Key()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("从 Redis 获取失败: %w", err)
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false, fmt.Errorf("反序列化缓存结果失败: %w", err)
	}

	m.logger.Debug("memo hit",
		zap.String("atom_id", id.Name),
		zap.String("version", id.Version),
		zap.Int("data_size", len(data)),
	)
	return out, true, nil
}

// Set 实现 Memoizer.Set
func (m *RedisMemoizer) Set(ctx context.Context, id AtomIdentity, output map[string]any) error {
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("序列化结果失败: %w", err)
	}
	if err := m.client.Set(ctx, m.prefix+id.Key(), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("存储到 Redis 失败: %w", err)
	}
	return nil
}
