// Copyright 2025-2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package idempotency 为生成请求提供 Idempotency-Key 去重。

同一调用方携带相同 Idempotency-Key 的重复请求返回第一次创建的任务，
而不是再创建一个。处理开始前先通过 Reserve 占位，并发的重复请求会看到占位并被拒绝；
处理成功后 Set 写入任务 ID，失败时 Delete 释放占位。

提供 Redis（SETNX，多实例共享）与内存两种实现。
*/
package idempotency
