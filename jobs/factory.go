package jobs

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Backend 任务存储后端
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendRedis    Backend = "redis"
	BackendDatabase Backend = "database"
)

// StoreConfig 任务存储配置
type StoreConfig struct {
	Backend   Backend `json:"backend" yaml:"backend"`
	KeyPrefix string  `json:"key_prefix" yaml:"key_prefix"`
	// AutoMigrate database 后端启动时自动建表
	AutoMigrate bool `json:"auto_migrate" yaml:"auto_migrate"`
}

// NewStore 根据配置创建任务存储。redis 与 database 后端分别需要对应的客户端
func NewStore(cfg StoreConfig, rdb redis.UniversalClient, db *gorm.DB, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("job store backend %q requires a redis client", cfg.Backend)
		}
		return NewRedisStore(rdb, cfg.KeyPrefix, logger), nil
	case BackendDatabase:
		if db == nil {
			return nil, fmt.Errorf("job store backend %q requires a database", cfg.Backend)
		}
		if cfg.AutoMigrate {
			if err := AutoMigrate(db); err != nil {
				return nil, fmt.Errorf("migrate generation_jobs: %w", err)
			}
		}
		return NewGormStore(db, logger), nil
	default:
		return nil, fmt.Errorf("unknown job store backend %q", cfg.Backend)
	}
}
