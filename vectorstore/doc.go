// Copyright 2025-2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package vectorstore 保存人设参考图的嵌入向量，并按人设与情绪检索最具代表性的参考图。

# 核心接口/类型

  - Store: 向量存储统一接口（Upsert / Query / Search / Delete / Count）
  - Record: 一张参考图的向量与元数据
  - Filter: 按 persona_id / emotion 限定检索范围

# 后端

  - MemoryStore: 进程内存储，适合测试与单实例部署
  - GormStore: 关系数据库存储（PostgreSQL / MySQL / SQLite），向量以 JSON 列保存
  - QdrantStore: 通过 REST API 访问 Qdrant

# 排序规则

Query 以组内向量质心为参照，按余弦相似度降序返回前 k 条；分数相同时
按插入顺序。替换已有 ID 的记录不会改变其插入顺序。没有匹配记录时返回空切片。
*/
package vectorstore
