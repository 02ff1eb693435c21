// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package tlsutil 集中提供 TLS 加固配置（TLS 1.2+，仅 AEAD 密码套件），
// 用于原子 HTTP 客户端与 Redis 记忆化连接。
package tlsutil
