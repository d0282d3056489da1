package storage

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open dials the backing store for the given driver and DSN and returns a
// configured store. SQLite suits tests and single-process deployments;
// Postgres is the production target and enables SKIP LOCKED claims.
func Open(driver, dsn string, opts ...PoolOption) (*GormStore, error) {
	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}

	return NewGormStore(db, opts...)
}
