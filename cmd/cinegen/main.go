// =============================================================================
// cinegen 主入口
// =============================================================================
// 人设驱动的视频生成服务：HTTP API、任务 worker、Prometheus 指标
//
// 使用方法:
//
//	cinegen serve                         # 启动服务
//	cinegen serve --config config.yaml    # 指定配置文件
//	cinegen migrate up                    # 运行数据库迁移
//	cinegen migrate status                # 查看迁移状态
//	cinegen health                        # 健康检查
//	cinegen version                       # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/cinegen/config"
)

// 构建时通过 ldflags 注入
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "migrate":
		err = runMigrate(os.Args[2:])
	case "health":
		err = runHealthCheck(os.Args[2:])
	case "version":
		printVersion(os.Stdout)
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "cinegen %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("CINEGEN_CONFIG"), "path to YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	loader := config.NewLoader().WithConfigPath(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	logger, level, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting cinegen",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("config", *configPath),
	)

	srv := NewServer(cfg, loader, logger, level)
	ctx := context.Background()
	startErr := srv.Start(ctx)
	if startErr == nil {
		startErr = srv.Wait(ctx)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && startErr == nil {
		return err
	}
	return startErr
}

// =============================================================================
// 🏥 health 命令（容器探针使用）
// =============================================================================

func runHealthCheck(args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "server base URL")
	path := fs.String("path", "/ready", "endpoint to probe")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Get(strings.TrimRight(*addr, "/") + *path)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	fmt.Println("OK")
	return nil
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "cinegen %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `cinegen - persona-grounded video generation service

Usage:
  cinegen <command> [options]

Commands:
  serve     Start the API server and job workers
  migrate   Database migration commands (see: cinegen migrate help)
  health    Probe a running server
  version   Show version information
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML), default $CINEGEN_CONFIG

Environment variables use the CINEGEN_ prefix, e.g. CINEGEN_SERVER_ADDR=:9000.

Examples:
  cinegen serve --config /etc/cinegen/config.yaml
  cinegen migrate up --config /etc/cinegen/config.yaml
  cinegen health --addr http://localhost:8080
`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

// newLogger 返回 logger 及其共享的 AtomicLevel，后者随配置热更新
func newLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if lvl, err := zapcore.ParseLevel(cfg.Level); err == nil {
		level.SetLevel(lvl)
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             level,
		Development:       cfg.Format == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}
	logger, err := zapConfig.Build()
	if err != nil {
		return nil, level, fmt.Errorf("build logger: %w", err)
	}
	return logger.With(zap.String("service", "cinegen")), level, nil
}
