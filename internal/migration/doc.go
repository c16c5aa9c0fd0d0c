/*
Package migration manages the memory_entries schema across PostgreSQL,
MySQL, and SQLite using golang-migrate, with the dialect's SQL files
embedded via embed.FS.

# Core types

  - Migrator: Up/Down/DownAll/Steps/Goto/Force/Version/Status/Info/Close.
  - DefaultMigrator: the golang-migrate-backed implementation.
  - Config: database type, connection URL, migrations table, lock timeout.
  - CLI: formats Migrator output for a terminal.

NewMigratorFromDatabaseConfig builds a migrator straight from the
gateway's config.DatabaseConfig.
*/
package migration
