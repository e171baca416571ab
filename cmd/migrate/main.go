package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/kinoramahq/kinorama-backend/pkg/config"
	"github.com/kinoramahq/kinorama-backend/pkg/db"
	"github.com/kinoramahq/kinorama-backend/pkg/logger"
	"github.com/kinoramahq/kinorama-backend/pkg/migrate"
)

func main() {
	command := flag.String("cmd", "up", "one of: up, down, status, version, create, validate")
	dir := flag.String("dir", migrate.DefaultDir, "directory holding the SQL migrations")
	name := flag.String("name", "", "migration name, required by -cmd=create")
	target := flag.String("version", "", "target version (YYYYMMDDHHMMSS), required by -cmd=version")
	flag.Parse()

	// create and validate only touch the migrations directory. They run
	// before any env or database wiring so CI can call them standalone.
	switch *command {
	case "create":
		if *name == "" {
			fail("create needs -name")
		}
		path, err := migrate.CreateSQLMigration(*dir, *name)
		if err != nil {
			fail("create migration: %v", err)
		}
		fmt.Println("created migration:", path)
		return
	case "validate":
		if err := migrate.ValidateDir(*dir); err != nil {
			fail("migration validation failed: %v", err)
		}
		fmt.Println("migration validation passed")
		return
	case "up", "down", "status", "version":
	default:
		fail("unknown -cmd %q", *command)
	}

	logg := logger.New(logger.Options{ServiceName: "migrate"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), "no .env file, reading configuration from the process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env": cfg.App.Env,
		"cmd": *command,
		"dir": *dir,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "database bootstrap failed", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(ctx, "database close failed", err)
		}
	}()

	sqlDB, err := dbClient.DB().DB()
	if err != nil {
		logg.Error(ctx, "failed to unwrap sql handle", err)
		os.Exit(1)
	}

	if err := apply(ctx, sqlDB, *dir, *command, *target); err != nil {
		logg.Error(ctx, "migration command failed", err)
		os.Exit(1)
	}
	logg.Info(ctx, "migration command complete")
}

// apply runs the database-backed commands. up, down and status map straight
// onto goose; version drives goose to an exact timestamp in either direction.
func apply(ctx context.Context, sqlDB *sql.DB, dir, command, target string) error {
	if command != "version" {
		return migrate.Run(ctx, sqlDB, dir, command)
	}
	if target == "" {
		return fmt.Errorf("version needs -version")
	}
	return migrate.MigrateToVersion(ctx, sqlDB, dir, target)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
