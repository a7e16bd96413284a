package migration

import (
	"fmt"

	"github.com/vorrawut/DebuggyDuckyMCP/config"
)

// NewMigratorFromConfig builds a Migrator from the audit store settings.
func NewMigratorFromConfig(cfg *config.DatabaseConfig) (Migrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config is required")
	}

	dbType, err := ParseDatabaseType(cfg.Driver)
	if err != nil {
		return nil, err
	}

	url := BuildDatabaseURL(dbType, cfg.Host, cfg.Port, cfg.Name, cfg.User, cfg.Password, cfg.SSLMode)
	if url == "" {
		return nil, fmt.Errorf("failed to build database URL for driver %q", cfg.Driver)
	}

	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  url,
	})
}
