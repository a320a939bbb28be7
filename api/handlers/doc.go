// Copyright 2025-2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package handlers 提供 CineGen HTTP API 的请求处理器实现。

# 概述

所有 Handler 遵循标准 net/http 接口，路由由 Routes.Register 在
http.ServeMux 上以方法 + 通配符模式注册。响应统一使用信封结构：

	{"success": true, "data": {...}, "timestamp": "...", "request_id": "..."}
	{"success": false, "error": {"kind": "validation_error", "message": "...", "retryable": false}, ...}

错误类别到 HTTP 状态码的映射只在 types.StatusForKind 一处维护。

# 核心类型

  - HealthHandler    : /health、/ready、/version
  - PersonaHandler   : 人设 CRUD、参考图上传、相似度搜索
  - GenerationHandler: 入队（支持 Idempotency-Key）、任务查询与取消、WebSocket 事件流
  - ProviderHandler  : 服务商状态与脚本试运行校验
  - ResponseWriter   : 捕获状态码与响应大小，供日志与指标中间件使用

# 幂等入队

带 Idempotency-Key 的 POST /generate/video 先占位再入队：相同键相同请求返回
原任务（Idempotent-Replayed: true），相同键不同请求或仍在处理中返回 409。
入队失败会释放占位，允许客户端重试。
*/
package handlers
