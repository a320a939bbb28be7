package vectorstore

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Backend 标识向量存储后端
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendDatabase Backend = "database"
	BackendQdrant   Backend = "qdrant"
)

// Config 向量存储配置
type Config struct {
	Backend    Backend      `yaml:"backend" json:"backend"`
	Dimensions int          `yaml:"dimensions" json:"dimensions"`
	Qdrant     QdrantConfig `yaml:"qdrant" json:"qdrant"`
}

// New 根据后端类型创建 Store。database 后端需要非空的 db。
// Backend 为空时默认使用内存后端。
func New(cfg Config, db *gorm.DB, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryStore(cfg.Dimensions, logger), nil

	case BackendDatabase:
		if db == nil {
			return nil, fmt.Errorf("vector store backend %q requires a database connection", cfg.Backend)
		}
		if err := AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("migrate reference_embeddings: %w", err)
		}
		return NewGormStore(db, cfg.Dimensions, logger), nil

	case BackendQdrant:
		qc := cfg.Qdrant
		if qc.Dimensions == 0 {
			qc.Dimensions = cfg.Dimensions
		}
		return NewQdrantStore(qc, logger), nil

	default:
		return nil, fmt.Errorf("unsupported vector store backend: %s", cfg.Backend)
	}
}
