package database

import (
	"fmt"

	glebarez "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	cgosqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// 支持的驱动名称
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"  // 纯 Go 实现（glebarez）
	DriverSQLite3  = "sqlite3" // cgo 实现（mattn）
)

// Dialector 根据驱动名称返回 GORM 方言
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case DriverPostgres:
		return postgres.Open(dsn), nil
	case DriverMySQL:
		return mysql.Open(dsn), nil
	case DriverSQLite, "":
		return glebarez.Open(dsn), nil
	case DriverSQLite3:
		return cgosqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, mysql, sqlite, sqlite3)", driver)
	}
}

// Open 打开数据库连接
func Open(driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dsn == "" {
		return nil, fmt.Errorf("database dsn not configured")
	}

	dialector, err := Dialector(driver, dsn)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	logger.Info("database connected", zap.String("driver", dialector.Name()))
	return db, nil
}
