package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"

	"card-authorizer/internal/repository/migrations"
)

// gooseUp is swapped in tests.
var gooseUp = goose.UpContext

// RunMigrations applies the embedded schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	if err := gooseUp(ctx, db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}
