// Copyright (c) DAGFlow Authors.
// Licensed under the MIT License.

/*
Package database 提供运行索引所用的 GORM 连接打开与连接池管理。

# 概述

Open / Dialector 按驱动名称选择 GORM 方言：postgres、mysql、
纯 Go 的 sqlite（glebarez，默认）以及 cgo 的 sqlite3（mattn）。
PoolManager 封装底层 sql.DB 的连接池参数、后台健康检查与事务重试，
store 包的 GormIndex 通过它读写 run_index 表。

# 核心类型

  - PoolManager：持有 GORM DB 与 sql.DB，提供 DB/Ping/Stats/GetStats/Close。
  - PoolConfig：最大空闲/打开连接数、连接生命周期、空闲超时与健康检查间隔。
  - PoolStats：连接池统计快照。
  - TransactionFunc：事务回调。

# 主要能力

  - 健康检查：按 HealthCheckInterval 定时探活，并通过 WithMetrics
    把连接数上报到 Prometheus。
  - 事务重试：WithTransactionRetry 对死锁、序列化失败与 SQLITE_BUSY
    等可重试错误做指数退避。
*/
package database
