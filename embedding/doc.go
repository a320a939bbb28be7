// Copyright 2025-2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package embedding 为人设参考图生成固定维度的向量.

  - Provider: 统一嵌入接口（Embed / EmbedQuery / EmbedDocuments）
  - HashProvider: 离线确定性特征哈希嵌入器，默认后端
  - OpenAIProvider: OpenAI 兼容 /v1/embeddings 端点

上游错误统一归一化为 types.Error：网络错误与 408/429/5xx 为可重试的
provider_transient_error，其余 4xx 与无法解析的响应为 provider_permanent_error.
*/
package embedding
