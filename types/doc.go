// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 CineGen 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 persona、video、jobs、
api 等上层模块提供统一的错误契约与上下文键。

# 核心类型

  - Error: 结构化错误（Kind、Message、HTTPStatus、Retryable、Provider、Cause）
  - ErrorKind: 稳定的错误种类标识，作为 API 响应中的 error.kind

# 错误种类

  - validation_error: 请求格式错误，或规则不满足
  - persona_not_found: 无法匹配人设且无默认策略
  - provider_transient_error: 限流、超时、5xx，可重试
  - provider_permanent_error: 认证失败、内容被拒、请求非法
  - timeout_error: 异步轮询超过上限
  - store_error: 持久化后端故障

# 上下文

WithRequestID / WithSubject / WithJobID 在请求与任务链路中传递标识，
供日志与追踪使用。
*/
package types
