// Package database opens the durable session store database.
package database

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/obot-platform/agentrelay/internal/config"
	"github.com/obot-platform/agentrelay/internal/logger"
)

// Open connects to the configured database and returns a gorm handle.
func Open(cfg *config.Config, log *logger.Logger) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}

	var db *gorm.DB
	var err error

	switch cfg.DatabaseDriver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.CleanDSN()), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(cfg.CleanDSN()), gormConfig)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.DatabaseDriver)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.DatabaseDriver == "sqlite" {
		// WAL mode so checkpoint writes do not block reads.
		if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
		if err := db.Exec("PRAGMA busy_timeout=5000").Error; err != nil {
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}

	log.Info("database connected", "driver", cfg.DatabaseDriver)
	return db, nil
}

// Close closes the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
