// Copyright (c) DAGFlow Authors.
// Licensed under the MIT License.

/*
Package scheduler 执行 DAG 运行：顺序调度器与依赖感知的并行调度器。

# 概述

调度器拥有一次运行（run.Run）的全部状态迁移：创建时立即持久化，
每次步骤状态变化都整条写回 RunStore，并同步到 trace.Collector。
执行器（Executor）是调用方提供的工作单元，引擎只解释其返回值。

# 核心类型

  - Sequential：按注册顺序逐个执行步骤，关键步骤失败时跳过剩余步骤并终止
  - Parallel：按依赖关系并发执行，最大并发由信号量硬性限制，
    关键步骤失败只跳过其传递依赖者
  - Options / StepOption：存储、追踪、恢复管理器与重试策略注入
  - StatusSnapshot：只读状态快照

# 主要能力

  - 重试：指数 / 线性 / 固定退避，*types.Error 可声明不可重试
  - 恢复：ResumeSequential / ResumeParallel 支持原样加载或修复后重跑
  - 取消：Cancel 与 ctx 取消均为协作式，已派发的执行器结果仍会记录
  - 可观测性：zap 日志、OpenTelemetry span、Prometheus 指标
*/
package scheduler
