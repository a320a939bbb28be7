package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/BaSui01/cinegen/config"
	"github.com/BaSui01/cinegen/internal/migration"
)

// runMigrate 处理 migrate 子命令，例如 `cinegen migrate goto 2 --config c.yaml`
func runMigrate(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		fmt.Println(migration.Usage)
		fmt.Println(`
options:
  --config <path>    configuration file (YAML), default $CINEGEN_CONFIG
  --db-type <type>   postgres | mysql | sqlite (default: database.driver)
  --db-url <url>     connection URL (default: database.dsn)`)
		if len(args) == 0 {
			return fmt.Errorf("missing migrate command")
		}
		return nil
	}
	command := args[0]

	// 位置参数（版本号、步数）在 flag 之前
	rest := args[1:]
	var positional []string
	for len(rest) > 0 && (len(rest[0]) == 0 || rest[0][0] != '-' || isNegativeNumber(rest[0])) {
		positional = append(positional, rest[0])
		rest = rest[1:]
	}

	migrator, err := createMigrator(rest)
	if err != nil {
		return err
	}
	defer func() { _ = migrator.Close() }()

	return migration.NewCLI(migrator).Run(context.Background(), command, positional)
}

func isNegativeNumber(s string) bool {
	if len(s) < 2 || s[0] != '-' {
		return false
	}
	for _, c := range s[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// createMigrator 优先使用 --db-type/--db-url，否则从配置读取 database 段
func createMigrator(args []string) (*migration.DefaultMigrator, error) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("CINEGEN_CONFIG"), "path to config file")
	dbType := fs.String("db-type", "", "database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "database connection URL")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *dbType != "" && *dbURL != "" {
		return migration.NewMigratorFromURL(*dbType, *dbURL)
	}

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	dbCfg := cfg.Database
	if *dbType != "" {
		dbCfg.Driver = *dbType
	}
	if *dbURL != "" {
		dbCfg.DSN = *dbURL
	}
	return migration.NewMigratorFromDatabaseConfig(dbCfg)
}
