// Package telemetry 封装 OpenTelemetry SDK 初始化，为 cinegen 安装全局
// TracerProvider 与 MeterProvider。禁用时保持 noop，不连接任何外部服务。
// jobs 与 video 包通过 otel.Tracer 获取 tracer，无需依赖本包。
package telemetry
