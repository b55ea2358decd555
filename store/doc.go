// Copyright (c) DAGFlow Authors.
// Licensed under the MIT License.

/*
包 store 提供运行记录与追踪记录的持久化存储抽象及多后端实现。

# 概述

运行记录是引擎唯一的事实来源。每个运行是一条独立的持久记录，每次 Update
整体覆盖写入，没有局部补丁 API。二级索引（run id → dag id、状态、时间戳、
存储位置）用于列表与过滤，属于派生数据，可随时从主记录重建。

# 核心接口

  - Store: 基础接口，提供 Close 和 Ping 健康检查。
  - RunStore: Create / Get / Update / Delete / List / ActiveRuns /
    CleanupOlderThan / Statistics / SaveTrace / GetTrace。
  - RunIndex: 二级索引接口，MemoryIndex 与 GormIndex 两种实现。

# 后端实现

  - Memory: 内存实现，适合开发与测试。
  - File: 每个运行一个 JSON 文件，临时文件 + 重命名原子写入；索引默认为
    纯 Go sqlite（gorm），也可指向 postgres / mysql。Reindex 从主记录重建索引。
  - Redis: JSON 记录 + Hash 索引 + 按创建时间打分的 Sorted Set，Pipeline 批量写入。

# 错误约定

读取单条记录失败只记录日志并返回不存在；写入失败一律返回错误。

	s, err := store.NewRunStore(store.DefaultStoreConfig(), logger)
*/
package store
