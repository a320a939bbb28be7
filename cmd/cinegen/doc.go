// Copyright 2025-2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package main 提供 cinegen 服务端程序入口。

# 概述

cmd/cinegen 组装人设目录、向量存储、视频服务商客户端与任务 worker 池，
并通过 HTTP API 暴露。子命令包括 serve、migrate、health 与 version。

# 中间件链

请求依次经过 Recovery、RequestID、OTelTracing、MetricsMiddleware、
SecurityHeaders、RequestLogger、CORS、RateLimiter，最后是认证
（JWTAuth 可选，APIKeyAuth）。/health、/ready、/version 免认证且不限流。

# 热更新

配置文件变更时，日志级别、API Key、CORS 来源与限流参数立即生效；
其余字段记录为需要重启。

# 关闭顺序

收到 SIGINT/SIGTERM 后先关闭 HTTP 与 metrics 服务器，再停止 worker
（运行中的任务重新入队），最后关闭存储连接并刷新遥测数据。
*/
package main
