// Package postgres implements storage.Store on PostgreSQL, following
// internal/app/storage/postgres/store.go's CRUD shape (uuid.NewString IDs,
// JSON-marshaled composite columns, sql.Null* for optional fields) and
// pkg/storage/postgres/base_store.go's context-carried-transaction pattern,
// upgraded from raw database/sql to jmoiron/sqlx.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/mixer/internal/cryptobox"
	"github.com/R3E-Network/mixer/internal/storage"
)

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx, letting every method
// below run unmodified whether or not it is inside a WithTx call.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error)
}

type txKey struct{}

func txFromContext(ctx context.Context) *sqlx.Tx {
	tx, _ := ctx.Value(txKey{}).(*sqlx.Tx)
	return tx
}

func contextWithTx(ctx context.Context, tx *sqlx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// Store implements storage.Store backed by a *sqlx.DB.
type Store struct {
	db  *sqlx.DB
	enc *cryptobox.Manager
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// SetEncryptionManager wires the EncryptionManager used to envelope-encrypt
// MixRequest's sensitive free-text fields (ip_address, user_agent,
// referrer, notes) before they reach the database. It must be constructed
// against this same Store (as its EncryptionKeyStore) and set before any
// MixRequest is created or read; nil leaves those fields stored in plain
// text, which is only acceptable for local/dev use.
func (s *Store) SetEncryptionManager(m *cryptobox.Manager) {
	s.enc = m
}

func (s *Store) q(ctx context.Context) queryer {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return s.db
}

// WithTx runs fn inside a REPEATABLE READ (snapshot isolation in
// PostgreSQL) *sqlx.Tx carried on ctx; every method fn's Store
// argument calls picks up that same transaction via q(ctx). A WithTx call
// nested inside another reuses the outer transaction rather than opening a
// second one, since PostgreSQL has no true nested transactions.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx storage.Store) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx, s)
	}

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}

	txCtx := contextWithTx(ctx, tx)
	if err := fn(txCtx, s); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}
