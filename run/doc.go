// Copyright (c) DAGFlow Authors.
// Licensed under the MIT License.

/*
Package run 定义 DAG 运行引擎的数据模型。

# 概述

run 是引擎最底层的状态容器包，不包含任何 I/O。Run 记录一次 DAG 执行的
全部状态，Step 记录单个步骤的状态、重试计数与错误历史；Trace 为运行期间
追加写入的诊断日志，从属于 Run 记录本身。

# 核心类型

  - Run / Status：运行记录与运行状态（含 PARTIAL_SUCCESS）
  - Step / StepStatus：步骤记录与步骤状态
  - StepMetadata：重试延迟、退避策略、关键标记、依赖、错误历史
  - RunMetadata：失败原因、恢复计数、聚合的步骤失败日志
  - Trace / TraceEntry：执行追踪与追踪条目
  - Outcome：单次尝试的结果（Success | Failure）

# 不变量

  - 同一 Run 内步骤 ID 唯一，步骤按插入顺序保存
  - RetryCount 永远不超过 MaxRetries
  - DeriveFinalStatus：无失败 ⇒ SUCCESS；有失败且有成功 ⇒ PARTIAL_SUCCESS；
    仅失败 ⇒ FAILED
*/
package run
