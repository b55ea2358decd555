// Copyright (c) DAGFlow Authors.
// Licensed under the MIT License.

/*
Package migration 管理运行索引（run_index 表）的数据库 Schema，
支持 PostgreSQL、MySQL 与 SQLite，基于 golang-migrate 实现。

# 概述

迁移文件按方言内嵌在 migrations/<dialect>/ 下，通过 iofs 源交给
golang-migrate 执行。SQLite 使用纯 Go 的 glebarez/go-sqlite 驱动，
与 store 包的 gorm 索引共用同一个 index.db 文件。由 `dagflow migrate`
管理 Schema 时，应关闭 store.index.auto_migrate。

# 核心类型

  - Migrator：Up/Down/DownAll/Steps/Goto/Force/Version/Status/Info/Close。
  - DefaultMigrator：golang-migrate 实现，日志输出到 zap。
  - Config：方言、连接串、版本表名与锁超时。
  - CLI：面向终端的格式化输出。

# 主要能力

  - NewMigratorFromConfig 从 DAGFlow 配置推导索引数据库，
    未配置时落在存储目录下的 index.db。
  - ParseDatabaseType 解析方言别名，BuildDatabaseURL 按方言拼接连接串。
*/
package migration
