// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package runstore 把完成的运行结果（快照、遥测汇总、输出）归档到关系数据库。
//
// Store 实现 workstream.RunArchive，可通过 workstream.WithArchive 交给 Runner；
// 写入在事务中完成并在可重试的数据库错误上重试。查询侧提供按运行 ID
// 读取与按意图列出最近运行。
package runstore
