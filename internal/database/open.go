package database

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// 支持的驱动
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// Config 数据库配置
type Config struct {
	Driver string `yaml:"driver" json:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" json:"-" env:"DSN"`

	Pool PoolConfig `yaml:"pool" json:"pool" env:"POOL"`

	// SlowThreshold 超过该耗时的 SQL 记为慢查询
	SlowThreshold time.Duration `yaml:"slow_threshold" json:"slow_threshold" env:"SLOW_THRESHOLD"`
	// LogLevel silent|error|warn|info
	LogLevel string `yaml:"log_level" json:"log_level" env:"LOG_LEVEL"`
}

// DefaultConfig 返回默认配置，默认使用本地 sqlite 文件
func DefaultConfig() Config {
	return Config{
		Driver:        DriverSQLite,
		DSN:           "cinegen.db",
		Pool:          DefaultPoolConfig(),
		SlowThreshold: 200 * time.Millisecond,
		LogLevel:      "warn",
	}
}

// Dialector 根据驱动名选择 GORM 方言
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	switch strings.ToLower(driver) {
	case DriverPostgres, "postgresql", "pg":
		return postgres.Open(dsn), nil
	case DriverMySQL:
		return mysql.Open(dsn), nil
	case DriverSQLite, "sqlite3":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Open 打开数据库并应用连接池配置
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	dialector, err := Dialector(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return OpenDialector(dialector, cfg, logger)
}

// OpenDialector 使用给定方言打开数据库，测试可以传入 sqlmock 连接
func OpenDialector(dialector gorm.Dialector, cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: NewGormLogger(logger, cfg.LogLevel, cfg.SlowThreshold),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	pool := cfg.Pool
	if strings.EqualFold(cfg.Driver, DriverSQLite) || strings.EqualFold(cfg.Driver, "sqlite3") {
		// sqlite 单写者，多连接只会带来 SQLITE_BUSY
		pool.MaxOpenConns = 1
		pool.MaxIdleConns = 1
	}
	applyPool(sqlDB, pool)
	return db, nil
}

// zapWriter 把 GORM 日志转发到 zap
type zapWriter struct {
	sugar *zap.SugaredLogger
}

func (w zapWriter) Printf(format string, args ...any) {
	w.sugar.Infof(format, args...)
}

// NewGormLogger 创建写入 zap 的 GORM 日志器
func NewGormLogger(logger *zap.Logger, level string, slow time.Duration) gormlogger.Interface {
	return gormlogger.New(
		zapWriter{sugar: logger.With(zap.String("component", "gorm")).Sugar()},
		gormlogger.Config{
			SlowThreshold:             slow,
			LogLevel:                  parseLogLevel(level),
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

func parseLogLevel(level string) gormlogger.LogLevel {
	switch strings.ToLower(level) {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "info":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}
