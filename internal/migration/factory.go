package migration

import (
	"fmt"

	"github.com/BaSui01/cinegen/internal/database"
)

// NewMigratorFromDatabaseConfig 使用与 GORM 相同的 driver/dsn 创建迁移器
func NewMigratorFromDatabaseConfig(cfg database.Config) (*DefaultMigrator, error) {
	dbType, err := ParseDatabaseType(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}
	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  cfg.DSN,
	})
}

// NewMigratorFromURL creates a new migrator from a database URL
func NewMigratorFromURL(dbType, dbURL string) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}
	return NewMigrator(&Config{DatabaseType: dt, DatabaseURL: dbURL})
}
