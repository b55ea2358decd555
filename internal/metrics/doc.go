// Copyright (c) DAGFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的运行引擎指标采集能力，覆盖
运行、步骤、存储与数据库四个维度。

# 概述

Collector 通过 promauto.With 注册到调用方传入的 prometheus.Registerer，
测试中可使用独立的 Registry 互不干扰。所有 Record 方法在 nil
Collector 上为空操作，调度器与存储可选择性接入。

# 主要能力

  - 运行指标：runs_total，按 dag_id/status 分组。
  - 步骤指标：step_executions_total、step_duration_seconds、
    step_retries_total、steps_in_flight，按 dag_id 分组。
  - 存储指标：store_operation_duration_seconds，按 backend/operation 分组。
  - 数据库指标：活跃/空闲连接数 Gauge。
*/
package metrics
