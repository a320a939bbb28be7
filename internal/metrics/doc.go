// Copyright 2025-2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
包 metrics 基于 Prometheus 采集 cinegen 的运行指标。

Collector 通过 promauto.With 注册到调用方提供的 Registerer，测试中可以
使用独立的 prometheus.Registry。它同时实现 persona.Recorder、
video.Recorder 与 jobs.Recorder，由 cmd 在启动时注入。

  - HTTP：请求数、耗时、响应体大小，path 取路由模板
  - 人设解析：按 outcome/emotion 计数
  - 视频服务商：按 provider/operation/outcome 计数与耗时
  - 生成任务：生命周期事件、终态耗时、各状态任务数
  - 幂等缓存命中与数据库连接池
*/
package metrics
