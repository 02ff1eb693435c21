package main

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/workstream/config"
	"github.com/BaSui01/workstream/testutil/mocks"
	"github.com/BaSui01/workstream/workstream"
)

func TestNewApp_RedisMemoizerSharedAcrossRuns(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.DefaultConfig()
	cfg.Templates.Path = templatesPath(t)
	cfg.Memo.Backend = "redis"
	cfg.Redis.Addr = mr.Addr()

	inv := mocks.NewMockInvoker()
	ctx := context.Background()
	a, err := newApp(ctx, cfg, zap.NewNop(), appOptions{invoker: inv})
	require.NoError(t, err)
	defer a.close(ctx)

	input := map[string]any{"text": "hi"}
	first, err := a.execute(ctx, "echo", nil, input)
	require.NoError(t, err)
	second, err := a.execute(ctx, "echo", nil, input)
	require.NoError(t, err)

	// 第二次运行命中 redis 中的记忆化结果
	assert.Equal(t, 1, inv.CallCount("echo"))
	assert.NotEqual(t, first.RunID, second.RunID)
	require.Len(t, second.Outcomes, 1)
	assert.Equal(t, workstream.StatusMemoized, second.Outcomes[0].Status)
	assert.NotEmpty(t, mr.Keys())
}

func TestNewApp_Errors(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{name: "missing templates", mutate: func(c *config.Config) { c.Templates.Path = "does-not-exist.yaml" }, want: "templates"},
		{name: "unknown memo backend", mutate: func(c *config.Config) { c.Memo.Backend = "memcached" }, want: "unsupported memo backend"},
		{name: "redis unreachable", mutate: func(c *config.Config) {
			c.Memo.Backend = "redis"
			c.Redis.Addr = "127.0.0.1:1"
		}, want: "failed to connect to redis"},
		{name: "sqlite without name", mutate: func(c *config.Config) { c.Database.Driver = "sqlite" }, want: "run archive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Templates.Path = templatesPath(t)
			tt.mutate(cfg)
			_, err := newApp(ctx, cfg, zap.NewNop(), appOptions{invoker: mocks.NewMockInvoker()})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
