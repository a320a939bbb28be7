// Copyright 2025-2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package video 定义视频生成服务商的统一契约与客户端。

# 服务商

  - mock: 始终可用，资源位置由归一化请求的 SHA-256 决定
  - veo: Gemini API generateVideos 长时操作
  - runway: image_to_video 任务，必须提供参考图

# 客户端

Client 按 preferred → Priority → mock 的顺序选择服务商，对暂时性错误做
指数退避重试，并用加权信号量限制同时进行的服务商调用。异步服务商只返回
OperationID，轮询由 jobs 包的 worker 负责。
*/
package video
