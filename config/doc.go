// Package config 提供 cinegen 的配置管理。
//
// 加载顺序为默认值、YAML 文件、CINEGEN_ 前缀的环境变量；Validate 汇总全部
// 错误。各段配置通过转换方法生成 jobs、video、vectorstore 等组件的配置。
// HotReloadManager 监听配置文件，运行中只替换日志级别、限流、API Key 与 CORS。
package config
