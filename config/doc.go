// Copyright (c) DAGFlow Authors.
// Licensed under the MIT License.

/*
Package config 提供 DAGFlow 的配置加载与校验。

# 概述

配置按 默认值 → YAML 文件 → 环境变量 三层叠加。环境变量键名由前缀
（默认 DAGFLOW）与各层 env 标签拼接而成，例如
DAGFLOW_SCHEDULER_MAX_CONCURRENCY、DAGFLOW_STORE_REDIS_HOST。

# 核心类型

  - Config：顶层配置，包含 Store、Database、Scheduler、Log、Telemetry、Metrics
  - Loader：Builder 风格的加载器，支持自定义路径、前缀与验证器
  - SchedulerConfig：步骤注册时的默认重试策略与并发上限

# 主要能力

  - Validate 汇总所有字段错误后一次返回
  - DatabaseConfig.DSN 按驱动生成连接串
  - StoreConfig 将 database 段合并进文件存储索引配置
*/
package config
