// Package migrations embeds the escrowd schema and applies it with goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var FS embed.FS

// Dir is the directory inside FS that holds the migrations.
const Dir = "."

// Setup points goose at the embedded migrations.
func Setup() error {
	goose.SetBaseFS(FS)
	return goose.SetDialect("postgres")
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	if err := Setup(); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, Dir)
}

// Run executes a goose command (up, down, status, redo, ...) against db.
func Run(ctx context.Context, command string, db *sql.DB, args ...string) error {
	if err := Setup(); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, Dir, args...)
}
