package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for the snapshot tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id            TEXT PRIMARY KEY,
		seq           INTEGER NOT NULL,
		priority      INTEGER NOT NULL,
		task_type     TEXT NOT NULL,
		status        TEXT NOT NULL,
		dependencies  TEXT NOT NULL DEFAULT '[]',
		data          TEXT NOT NULL,
		created_at    TEXT NOT NULL,
		completed_at  TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS scheduler_meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_seq ON tasks(seq)`,
}

// alterStatements adds columns to databases created by older versions.
var alterStatements = []struct {
	table, column, ddl string
}{
	{"tasks", "producing_provider", `ALTER TABLE tasks ADD COLUMN producing_provider TEXT NOT NULL DEFAULT ''`},
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	for _, a := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, a.table, a.column, a.ddl); err != nil {
			return err
		}
	}
	return nil
}

func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, ddl string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid         int
			name, ctype string
			notnull, pk int
			dflt        sql.NullString
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	_, err = db.ExecContext(ctx, ddl)
	return err
}
