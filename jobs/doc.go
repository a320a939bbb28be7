// Copyright 2025-2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package jobs 管理视频生成任务的生命周期。

# 状态机

	queued → running → succeeded | failed | cancelled
	running → queued   （可重试失败且 attempts < max_attempts）
	queued  → cancelled

终态不再变化。

# 存储

Store 有 memory、redis 与 database 三种实现。单个任务的修改都经过
Store.Update 串行化，ClaimNext 按 Seq 领取最早的 queued 任务并保证独占。

# Worker

Manager 用 errgroup 运行固定数量的 worker。worker 通过 Dispatcher 提交
请求，异步服务商按 PollInterval 轮询直到终态或 PollTimeout。取消是协作式
的：派发前、轮询之间与写终态时检查取消标记，已取消的任务不会变为
succeeded。
*/
package jobs
