package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// tableSchema is instantiated once per kind; words and sentences share
// every column.
var tableSchema = `CREATE TABLE IF NOT EXISTS %[1]s (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	content       TEXT NOT NULL UNIQUE,
	fingerprint   TEXT NOT NULL UNIQUE,
	kind          TEXT NOT NULL,
	translation   TEXT NOT NULL DEFAULT '',
	image_files   TEXT NOT NULL DEFAULT '[]',
	voice_files   TEXT NOT NULL DEFAULT '[]',
	last_modified TIMESTAMP NOT NULL,
	created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_last_modified ON %[1]s (last_modified)`

func migrationsSQL() string {
	var b strings.Builder
	for _, table := range []string{wordsTable, sentencesTable} {
		b.WriteString(fmt.Sprintf(tableSchema, table))
		b.WriteString(";\n")
	}
	return b.String()
}

// InitDB runs migrations on the given DB connection.
func InitDB(ctx context.Context, db *sql.DB) error {
	stmts := strings.Split(migrationsSQL(), ";")
	for _, s := range stmts {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
