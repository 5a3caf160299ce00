package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JeanDecroos/XMLPrompt-sub001/internal/models"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database wraps the gorm connection shared by the usage ledger and the
// rate limit store.
type Database struct {
	DB *gorm.DB
}

// PoolConfig holds connection pool limits.
type PoolConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// NewDatabase opens a connection for dsn. Postgres URLs/DSNs use the postgres
// driver; "file:" DSNs and paths ending in .db use SQLite.
func NewDatabase(dsn string, pool PoolConfig) (*Database, error) {
	db, err := gorm.Open(dialectorFor(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	return &Database{DB: db}, nil
}

func dialectorFor(dsn string) gorm.Dialector {
	trimmed := strings.TrimSpace(dsn)
	if strings.HasPrefix(trimmed, "file:") || strings.HasSuffix(trimmed, ".db") || trimmed == ":memory:" {
		return sqlite.Open(trimmed)
	}
	return postgres.Open(trimmed)
}

func (d *Database) Ping(ctx context.Context) error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}

	return sqlDB.PingContext(ctx)
}

// AutoMigrate creates or updates the gateway tables.
func (d *Database) AutoMigrate() error {
	return d.DB.AutoMigrate(
		&models.UsageRecord{},
		&models.RateLimitEntry{},
		&models.SavedPrompt{},
	)
}

func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}
