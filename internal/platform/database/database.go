// Package database opens the PostgreSQL connection the mixer's storage
// layer runs on, following internal/platform/database/database.go's
// open-then-ping shape, upgraded to return an *sqlx.DB so the storage
// layer can use sqlx's Get/Select helpers instead of raw database/sql
// scanning.
package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/mixer/pkg/config"
)

// Open establishes a PostgreSQL connection using cfg and verifies
// connectivity with a ping. The returned *sqlx.DB must be closed by the
// caller.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("database: dsn is required")
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("database: open postgres: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database: ping postgres: %w", err)
	}
	return db, nil
}
