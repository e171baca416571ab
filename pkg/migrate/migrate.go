// Package migrate wraps goose so the schema ships with the repo and every
// entry point applies it the same way.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/pressly/goose/v3"
)

// DefaultDir is where the repo keeps its SQL migrations, relative to the
// repository root.
const DefaultDir = "pkg/migrate/migrations"

// Postgres is the only supported backend.
func setDialect() error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	return nil
}

// Run executes one of the plain goose commands (up, down, status) against db.
// Goose writes its progress to stdout.
func Run(ctx context.Context, db *sql.DB, dir, command string) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	if dir == "" {
		return fmt.Errorf("dir is required")
	}
	if err := setDialect(); err != nil {
		return err
	}
	if err := goose.RunContext(ctx, command, db, dir); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}
	return nil
}

// MigrateToVersion walks the schema to exactly target, upward or downward
// depending on where the database currently sits. A database already at
// target is left alone.
func MigrateToVersion(ctx context.Context, db *sql.DB, dir, target string) error {
	want, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid version %q (expected YYYYMMDDHHMMSS): %w", target, err)
	}
	if err := setDialect(); err != nil {
		return err
	}

	current, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("get db version: %w", err)
	}

	switch {
	case current < want:
		if err := goose.UpToContext(ctx, db, dir, want); err != nil {
			return fmt.Errorf("goose up-to %d: %w", want, err)
		}
	case current > want:
		if err := goose.DownToContext(ctx, db, dir, want); err != nil {
			return fmt.Errorf("goose down-to %d: %w", want, err)
		}
	}
	return nil
}
