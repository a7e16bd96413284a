// Package migration manages versioned schema migrations for the audit
// store. SQL migration files for PostgreSQL, MySQL and SQLite are
// embedded per dialect and applied through golang-migrate.
//
// The Migrator interface covers the full operation set (Up, Down,
// DownAll, Steps, Goto, Force, Version, Status, Info); DefaultMigrator
// is its golang-migrate-backed implementation. NewMigratorFromConfig
// builds one straight from config.DatabaseConfig, and CLI wraps a
// Migrator for command-line use.
package migration
