// Copyright (c) DAGFlow Authors.
// Licensed under the MIT License.

// Package telemetry 封装 OpenTelemetry SDK 初始化，为 DAGFlow 提供
// 全局 TracerProvider 与 MeterProvider（OTLP/gRPC 导出）。
// 调度器的 dagflow.run / dagflow.step Span 与 Instruments 指标
// 通过 otel 全局对象接入；遥测禁用时保持 noop，不连接任何外部服务。
package telemetry
