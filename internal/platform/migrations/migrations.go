// Package migrations applies the mixer's schema to a PostgreSQL database,
// following system/platform/migrations/migrations.go's embedded-SQL,
// lexical-order, IF-NOT-EXISTS-idempotent shape.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed sql/*.sql
var files embed.FS

// Apply executes all embedded SQL migration files in lexical order. It is
// idempotent because each migration uses IF NOT EXISTS guards.
func Apply(ctx context.Context, db *sql.DB) error {
	entries, err := files.ReadDir("sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".sql") {
			names = append(names, name)
		}
	}

	sort.Strings(names)

	for _, name := range names {
		sqlBytes, err := files.ReadFile("sql/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}
