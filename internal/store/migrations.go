package store

import (
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/muntu/possync/migrations"
)

// RunMigrations brings the sync schema up to date from the embedded goose
// SQL files. Called on every store open, so a fresh terminal and an
// upgraded one go through the same path.
func RunMigrations(db *sql.DB) error {
	// Goose logs to stdout by default, which would interleave with the
	// agent's JSON log stream.
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("apply sync schema migrations: %w", err)
	}
	return nil
}
