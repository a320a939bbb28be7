// Copyright 2025-2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package cache 管理共享的 Redis 连接。

Redis 任务存储（jobs.RedisStore）与幂等管理器（internal/idempotency）
使用同一个客户端，连接生命周期由 Manager 统一负责：

  - NewManager：按 Config 建立连接（可选 TLS），启动时 Ping 确认可达。
  - 后台健康检查：定时 Ping，状态变化时记录日志，Healthy 供就绪检查读取。
  - GetStats：解析 INFO 与 DBSIZE，用于 /health 详情。
  - Close：停止健康检查并关闭客户端。
*/
package cache
