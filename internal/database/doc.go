// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 database 提供基于 GORM 的数据库连接池管理，为运行归档
（internal/runstore）提供连接、健康检查与事务重试。

# 概述

Open 根据 config.DatabaseConfig 的 Driver 选择 postgres / mysql /
sqlite（纯 Go 的 glebarez 驱动）方言，PoolManager 统一管理连接
生命周期。后台健康检查定时探活，异常时通过 zap 日志输出诊断信息。

# 主要能力

  - 方言选择：Dialector 按驱动名构造 gorm.Dialector。
  - 连接池调优：PoolConfigFrom 从应用配置派生连接池参数。
  - 事务管理：WithTransaction 执行单次事务，WithTransactionRetry
    复用 retry.Policy 在死锁、序列化失败、连接中断时重试，其余错误立即返回。
*/
package database
