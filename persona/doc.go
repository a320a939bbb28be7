// Copyright 2025-2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package persona 管理人设目录，并把自由文本 prompt 解析为人设、情绪和参考图.

# 解析流程

 1. 人设检测：名称与别名的大小写不敏感整词匹配，按目录顺序；位置重叠时更长的名称优先
 2. 情绪分类：固定优先级的关键词表（angry > inspired > reflective > relief），无命中为 neutral
 3. 参考图选择：向量存储 Query(persona, emotion, 3)，为空时回退到 neutral

显式指定的人设优先于自动检测；未检测到人设时由调用方提供的 DefaultPolicy 决定
（none / first_available / require）。目录为空时返回不含人设的上下文，不视为错误.

# 目录与参考图

  - Registry: 人设目录（MemoryRegistry / GormRegistry），List 保持创建顺序
  - Service: 创建、删除（连同向量）、上传参考图、目录种子加载（LoadDir）
  - AssetStore: 上传图片的落盘位置（LocalAssetStore）
*/
package persona
