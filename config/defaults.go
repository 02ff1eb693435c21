// =============================================================================
// 📦 Workstream 默认配置
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Engine:     DefaultEngineConfig(),
		Retry:      DefaultRetryConfig(),
		Breaker:    DefaultBreakerConfig(),
		Loop:       DefaultLoopConfig(),
		Templates:  DefaultTemplatesConfig(),
		Memo:       DefaultMemoConfig(),
		Redis:      DefaultRedisConfig(),
		Database:   DefaultDatabaseConfig(),
		AtomClient: DefaultAtomClientConfig(),
		Server:     DefaultServerConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultEngineConfig 返回默认引擎配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DedupeBudget:        3,
		Cooldown:            0,
		MaxBacktracks:       3,
		BacktrackTimeBudget: 5 * time.Minute,
		MaxParallel:         4,
		ShortCircuit:        true,
	}
}

// DefaultRetryConfig 返回默认重试配置
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		Jitter:      100 * time.Millisecond,
	}
}

// DefaultBreakerConfig 返回默认熔断器配置。
// 每次运行的每个原子各有一个熔断器，阈值不大于重试次数才可能在一次运行内打开。
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		RecoveryTime:     30 * time.Second,
	}
}

// DefaultLoopConfig 返回默认循环检测配置
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		Window:               60 * time.Second,
		InputRepeatThreshold: 3,
		RatioThreshold:       4.0,
		StallThreshold:       5,
		PerNodeTimeBudget:    2 * time.Minute,
	}
}

// DefaultTemplatesConfig 返回默认模板配置
func DefaultTemplatesConfig() TemplatesConfig {
	return TemplatesConfig{
		Path:         "templates.yaml",
		Watch:        true,
		PollInterval: 5 * time.Second,
	}
}

// DefaultMemoConfig 返回默认缓存配置
func DefaultMemoConfig() MemoConfig {
	return MemoConfig{
		Backend: "memory",
		TTL:     time.Hour,
		Prefix:  "workstream:memo:",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置，默认不启用归档
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "",
		Host:            "localhost",
		Port:            5432,
		User:            "workstream",
		Password:        "",
		Name:            "workstream",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultAtomClientConfig 返回默认原子客户端配置
func DefaultAtomClientConfig() AtomClientConfig {
	return AtomClientConfig{
		BaseURL:      "http://localhost:8080",
		Timeout:      30 * time.Second,
		RateLimitRPS: 50,
		Burst:        100,
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    20,
		RateLimitBurst:  40,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stderr"}, // stdout 留给命令输出
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "workstream",
		SampleRate:   0.1,
	}
}
