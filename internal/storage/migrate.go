package storage

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"

	"github.com/jmdall/fileswap/internal/storage/migrations"
)

var gooseUpContext = goose.UpContext

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}
