// Copyright (c) DAGFlow Authors.
// Licensed under the MIT License.

/*
包 resume 提供崩溃恢复管理器，基于已持久化的运行记录判断能否恢复并修复状态。

# 概述

Manager 只读取 store.RunStore 中的记录与追踪：FindIncompleteRuns 查找仍有
未成功步骤的 RUNNING / FAILED 运行，CanResume 给出能否恢复及原因，
ResumeState 对步骤分类并确定恢复点。PrepareForResume 是唯一的写操作，
把 FAILED / SKIPPED 步骤重置为 PENDING 并递增恢复计数，非幂等。

# 恢复点

优先第一个 FAILED 步骤，其次第一个 PENDING 步骤，最后参考追踪中
有开始事件但没有结束事件的步骤（执行中被中断）。
*/
package resume
