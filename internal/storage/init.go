// internal/storage/init_storage.go
package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"

	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationPath = "migrations"

// Migrate runs a goose command ("up", "down", "status", ...) against db
// using the embedded migrations.
func Migrate(db *sql.DB, command string) error {
	const op = "storage.Migrate"

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	var err error
	switch command {
	case "", "up":
		err = goose.Up(db, migrationPath)
	case "down":
		err = goose.Down(db, migrationPath)
	case "status":
		err = goose.Status(db, migrationPath)
	case "version":
		err = goose.Version(db, migrationPath)
	default:
		return fmt.Errorf("%s: unknown command %q", op, command)
	}
	if err != nil {
		if errors.Is(err, goose.ErrNoNextVersion) {
			slog.Info("no migrations to apply")
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func runMigrations(db *sql.DB) error {
	if err := Migrate(db, "up"); err != nil {
		return err
	}
	slog.Info("database migrations applied")
	return nil
}
