// Copyright (c) DAGFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 DAGFlow 的结构化错误类型。

# 概述

types 是最底层的公共包，不依赖任何内部包。执行器可以返回 *Error
控制重试：Retryable=false 的失败即使仍有重试额度也立即耗尽。
调度器也用同一套错误码标记 panic、未绑定执行器与依赖死锁等情况。

# 核心类型

  - Error / ErrorCode：错误码、消息、是否可重试、所属步骤与原因链

# 主要能力

  - 构造：NewError / Permanent / Transient，链式 WithCause / WithRetryable / WithStep
  - 判定：IsRetryable（非结构化错误视为可重试）、GetErrorCode
*/
package types
