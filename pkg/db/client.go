package db

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kinoramahq/kinorama-backend/pkg/config"
	"github.com/kinoramahq/kinorama-backend/pkg/logger"
)

// Client owns the process-wide GORM handle and its connection pool.
type Client struct {
	conn *gorm.DB
}

// Pinger is the slice of Client the health endpoints depend on.
type Pinger interface {
	Ping(ctx context.Context) error
}

// New opens a Postgres pool per cfg and verifies the database answers before
// returning, so a bad DSN fails boot instead of the first query.
func New(ctx context.Context, cfg config.DBConfig, logg *logger.Logger) (*Client, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	if cfg.Driver != "" && cfg.Driver != "postgres" {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	conn, err := gorm.Open(postgres.New(postgres.Config{
		DSN: cfg.DSN,
		// Simple protocol keeps transaction-pooling pgbouncer workable;
		// the extended protocol prepares statements the pooler cannot track.
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		// Write paths run inside explicit WithTx transactions; the
		// implicit per-statement transaction is skipped.
		SkipDefaultTransaction: true,
		Logger: gormlogger.New(log.New(io.Discard, "", log.LstdFlags), gormlogger.Config{
			LogLevel: gormlogger.Silent,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql handle: %w", err)
	}
	configurePool(sqlDB, cfg)

	if logg != nil {
		logg.Info(ctx, "database pool ready")
	}
	return &Client{conn: conn}, nil
}

func configurePool(sqlDB *sql.DB, cfg config.DBConfig) {
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}

// DB exposes the raw GORM handle for repositories.
func (c *Client) DB() *gorm.DB {
	return c.conn
}

// Ping reports whether the database answers on a live connection.
func (c *Client) Ping(ctx context.Context) error {
	sqlDB, err := c.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases every pooled connection.
func (c *Client) Close() error {
	sqlDB, err := c.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx runs fn inside one transaction: commit when fn returns nil, roll
// back when it returns an error or panics.
func (c *Client) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return c.conn.WithContext(ctx).Transaction(fn)
}
