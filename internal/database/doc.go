// Copyright 2025-2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package database 打开关系数据库并管理连接池。

Open 按 driver 选择 GORM 方言（postgres、mysql、sqlite），GORM 日志转发到 zap。
sqlite 只允许一个连接。PoolManager 负责后台健康检查、统计与关闭，
人设目录、参考向量表与任务表共用同一个连接池。
*/
package database
