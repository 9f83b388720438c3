package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/mixer/internal/domain/mixer"
)

const outputTransactionSelect = `
	SELECT id, mix_request_id, address, amount, tx_id, output_index, status,
	       scheduled_for, confirmations, created_at, updated_at
	FROM output_transactions`

func (s *Store) CreateOutputTransaction(ctx context.Context, tx mixer.OutputTransaction) (mixer.OutputTransaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO output_transactions
			(id, mix_request_id, address, amount, tx_id, output_index, status, scheduled_for,
			 confirmations, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, tx.ID, tx.MixRequestID, tx.Address, int64(tx.Amount), tx.TxID, tx.OutputIndex, string(tx.Status),
		tx.ScheduledFor, tx.Confirmations, tx.CreatedAt, tx.UpdatedAt)
	if err != nil {
		return mixer.OutputTransaction{}, fmt.Errorf("postgres: insert output_transaction: %w", err)
	}
	return tx, nil
}

func (s *Store) UpdateOutputTransaction(ctx context.Context, tx mixer.OutputTransaction) (mixer.OutputTransaction, error) {
	tx.UpdatedAt = time.Now().UTC()
	result, err := s.q(ctx).ExecContext(ctx, `
		UPDATE output_transactions
		SET address = $2, amount = $3, tx_id = $4, output_index = $5, status = $6,
		    scheduled_for = $7, confirmations = $8, updated_at = $9
		WHERE id = $1
	`, tx.ID, tx.Address, int64(tx.Amount), tx.TxID, tx.OutputIndex, string(tx.Status),
		tx.ScheduledFor, tx.Confirmations, tx.UpdatedAt)
	if err != nil {
		return mixer.OutputTransaction{}, fmt.Errorf("postgres: update output_transaction: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return mixer.OutputTransaction{}, sql.ErrNoRows
	}
	return tx, nil
}

func (s *Store) GetOutputTransaction(ctx context.Context, id string) (mixer.OutputTransaction, error) {
	row := s.q(ctx).QueryRowxContext(ctx, outputTransactionSelect+` WHERE id = $1`, id)
	return scanOutputTransaction(row)
}

func (s *Store) DeleteOutputTransaction(ctx context.Context, id string) error {
	result, err := s.q(ctx).ExecContext(ctx, `DELETE FROM output_transactions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete output_transaction: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) ListOutputTransactions(ctx context.Context, mixRequestID string) ([]mixer.OutputTransaction, error) {
	rows, err := s.q(ctx).QueryxContext(ctx, outputTransactionSelect+` WHERE mix_request_id = $1 ORDER BY output_index`, mixRequestID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list output_transactions: %w", err)
	}
	defer rows.Close()
	return scanOutputTransactions(rows)
}

func (s *Store) ListOrphanedOutputTransactions(ctx context.Context) ([]mixer.OutputTransaction, error) {
	rows, err := s.q(ctx).QueryxContext(ctx, outputTransactionSelect+`
		WHERE NOT EXISTS (SELECT 1 FROM mix_requests m WHERE m.id = output_transactions.mix_request_id)
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orphaned output_transactions: %w", err)
	}
	defer rows.Close()
	return scanOutputTransactions(rows)
}

func scanOutputTransaction(scanner rowScanner) (mixer.OutputTransaction, error) {
	var (
		tx     mixer.OutputTransaction
		status string
	)
	if err := scanner.Scan(&tx.ID, &tx.MixRequestID, &tx.Address, &tx.Amount, &tx.TxID, &tx.OutputIndex, &status,
		&tx.ScheduledFor, &tx.Confirmations, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
		return mixer.OutputTransaction{}, err
	}
	tx.Status = mixer.OutputTransactionStatus(status)
	return tx, nil
}

func scanOutputTransactions(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]mixer.OutputTransaction, error) {
	out := make([]mixer.OutputTransaction, 0)
	for rows.Next() {
		tx, err := scanOutputTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}
