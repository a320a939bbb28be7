// Copyright 2025-2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
包 server 管理 cinegen API 的 HTTP/HTTPS 服务器生命周期。

Manager 封装 net/http.Server：Start 非阻塞启动，配置证书时通过
tlsutil.ServerConfig 提供 HTTPS；Wait 监听 SIGINT/SIGTERM 或异步
服务错误；Shutdown 在 ShutdownTimeout 内排空连接。关闭顺序由 cmd
决定：先停止接收请求，再停止任务 worker。
*/
package server
