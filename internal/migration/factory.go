package migration

import (
	"fmt"

	appconfig "github.com/BaSui01/dagflow/config"
	"go.uber.org/zap"
)

// NewMigratorFromConfig creates a migrator for the run index database.
// An unset database falls back to the sqlite index.db under the store base
// directory, the same file the file store indexes into.
func NewMigratorFromConfig(cfg *appconfig.Config, logger *zap.Logger) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	return NewMigratorFromDatabaseConfig(cfg.IndexDatabase(), logger)
}

// NewMigratorFromDatabaseConfig creates a migrator from a database section
func NewMigratorFromDatabaseConfig(dbCfg appconfig.DatabaseConfig, logger *zap.Logger) (*DefaultMigrator, error) {
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}

	var dbURL string
	switch dbType {
	case DatabaseTypePostgres:
		dbURL = BuildDatabaseURL(dbType, dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, dbCfg.SSLMode)
	case DatabaseTypeMySQL:
		dbURL = BuildDatabaseURL(dbType, dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, "")
	case DatabaseTypeSQLite:
		if dbCfg.Name == "" {
			return nil, fmt.Errorf("sqlite database file is required")
		}
		dbURL = BuildDatabaseURL(dbType, "", 0, dbCfg.Name, "", "", "")
	}

	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  dbURL,
		TableName:    DefaultTableName,
		Logger:       logger,
	})
}

// NewMigratorFromURL creates a migrator from a dialect name and a raw URL
func NewMigratorFromURL(dbType, dbURL string, logger *zap.Logger) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}
	return NewMigrator(&Config{
		DatabaseType: dt,
		DatabaseURL:  dbURL,
		TableName:    DefaultTableName,
		Logger:       logger,
	})
}
