// Copyright (c) DAGFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 dagflow 运维命令行程序入口。

# 概述

cmd/dagflow 面向运行存储做检查与维护：运行索引的 schema 迁移、
运行列表与详情、可恢复运行的诊断、统计与过期清理。它不执行任何步骤，
运行由嵌入 scheduler 包的程序驱动。命令行基于 cobra，配置沿用
config 包（YAML + DAGFLOW_ 环境变量），全局参数可覆盖存储类型、
存储目录与日志级别。

	dagflow migrate up                     # 应用运行索引迁移
	dagflow list --dag etl --status failed # 按创建时间倒序列出运行
	dagflow show <run-id> --trace          # 单个运行及其追踪
	dagflow incomplete                     # 含未完成步骤的运行
	dagflow stats --dag etl                # 聚合统计
	dagflow cleanup --days 30              # 删除过期的已结束运行
	dagflow reindex                        # 重建文件存储索引

# 核心类型

  - app：全局参数、加载后的配置与 logger，供各子命令共享

# 主要能力

  - 子命令：migrate（up/down/reset/steps/goto/force/status/version/info）、
    list、show、incomplete、stats、cleanup、reindex、version
  - 输出：默认 tabwriter 表格，--json 输出 JSON；日志写 stderr
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
