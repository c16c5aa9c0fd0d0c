package migration

import (
	"fmt"

	"github.com/stephabauva/wellness-gateway/internal/config"
)

// NewMigratorFromDatabaseConfig creates a migrator from the gateway's
// database configuration. dbCfg.DSN is used as-is: building dialect-specific
// URLs from discrete host/port/user fields is left to the deployment's
// config file, not reconstructed here.
func NewMigratorFromDatabaseConfig(dbCfg config.DatabaseConfig) (*DefaultMigrator, error) {
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}

	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  dbCfg.DSN,
		TableName:    "schema_migrations",
	})
}

// NewMigratorFromURL creates a migrator from an explicit database type and
// connection URL, bypassing config.DatabaseConfig.
func NewMigratorFromURL(dbType, dbURL string) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}

	return NewMigrator(&Config{
		DatabaseType: dt,
		DatabaseURL:  dbURL,
		TableName:    "schema_migrations",
	})
}
