package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vorrawut/DebuggyDuckyMCP/internal/migration"
)

func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	dbURL := fs.String("url", "", "Database URL (overrides config)")
	dbType := fs.String("driver", "", "Database driver: postgres, mysql, sqlite (with --url)")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "migrate requires a subcommand (up, down, down-all, steps, goto, force, version, status)")
		os.Exit(1)
	}

	migrator, err := buildMigrator(*configPath, *dbType, *dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	if err := cli.Run(context.Background(), rest[0], rest[1:]...); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
}

// buildMigrator prefers an explicit URL over the config file's database
// section.
func buildMigrator(configPath, driver, url string) (migration.Migrator, error) {
	if url != "" {
		if driver == "" {
			return nil, fmt.Errorf("--url requires --driver")
		}
		dbType, err := migration.ParseDatabaseType(driver)
		if err != nil {
			return nil, err
		}
		return migration.NewMigrator(&migration.Config{
			DatabaseType: dbType,
			DatabaseURL:  url,
		})
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return migration.NewMigratorFromConfig(&cfg.Database)
}
