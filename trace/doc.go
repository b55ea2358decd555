// Copyright (c) DAGFlow Authors.
// Licensed under the MIT License.

/*
包 trace 提供运行期间的执行追踪收集器。

# 概述

Collector 在内存中为每个运行中的 Run 持有一份打开的 run.Trace，调度器在
每次状态变化时追加条目；CompleteTrace 计算摘要并把追踪从内存中分离，
由调用方负责持久化。追踪只用于诊断，缺失的追踪不会阻塞执行或恢复。

# 主要能力

  - StartTrace / ContinueTrace：打开新追踪或续接已持久化的追踪
  - StepStarted / StepCompleted / StepFailed / StepRetried / StepSkipped
  - AddInfo / AppendInfo：自由注释，无打开追踪时写入已持久化的追踪
  - 每个 (run, step) 的开始时间侧表，用于计算耗时，消费后即清除
*/
package trace
