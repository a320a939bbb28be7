// Copyright 2025-2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
包 migration 管理 cinegen 的数据库 Schema 版本，基于 golang-migrate，
支持 PostgreSQL、MySQL 与 SQLite。

各方言的 SQL 文件通过 embed.FS 内嵌，涵盖 personas、reference_embeddings
与 generation_jobs 三张表，与 GORM 模型保持一致。SQLite 使用纯 Go 的
modernc 驱动，无需 CGO。

  - DefaultMigrator：Up/Down/Steps/Goto/Force/Version/Status/Info，
    ctx 取消时在当前迁移结束后停止。
  - NewMigratorFromDatabaseConfig：复用服务的 database 配置。
  - CLI：`cinegen migrate` 子命令的输出层。
*/
package migration
