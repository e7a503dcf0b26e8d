package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/kantong-id/kantong/pkg/observability"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "migrations"

// gooseLogger routes goose output through the service logger
type gooseLogger struct {
	logger *observability.Logger
}

func (g gooseLogger) Printf(format string, v ...interface{}) {
	g.logger.Infof(format, v...)
}

func (g gooseLogger) Fatalf(format string, v ...interface{}) {
	g.logger.Errorf(format, v...)
}

// Migrate applies every pending embedded migration
func Migrate(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NopLogger()
	}

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(gooseLogger{logger: logger.WithField("component", "migrations")})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	logger.WithField("version", version).Info("database schema up to date")

	return nil
}
