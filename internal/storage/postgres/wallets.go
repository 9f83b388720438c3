package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/mixer/internal/domain/ledger"
	"github.com/R3E-Network/mixer/internal/domain/mixer"
)

func (s *Store) CreateWallet(ctx context.Context, w mixer.Wallet) (mixer.Wallet, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO wallets
			(id, address, currency, type, balance, is_active, is_locked, locked_by, locked_at,
			 status, last_used_at, created_at, tx_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, w.ID, w.Address, string(w.Currency), string(w.Type), int64(w.Balance), w.IsActive, w.IsLocked,
		w.LockedBy, toNullTime(derefTime(w.LockedAt)), string(w.Status), w.LastUsedAt, w.CreatedAt, w.TxCount)
	if err != nil {
		if strings.Contains(err.Error(), "unique") || strings.Contains(err.Error(), "duplicate") {
			return mixer.Wallet{}, fmt.Errorf("postgres: wallet address %s already in use for %s: %w", w.Address, w.Currency, err)
		}
		return mixer.Wallet{}, fmt.Errorf("postgres: insert wallet: %w", err)
	}
	return w, nil
}

func (s *Store) GetWallet(ctx context.Context, id string) (mixer.Wallet, error) {
	row := s.q(ctx).QueryRowxContext(ctx, walletSelect+` WHERE id = $1`, id)
	return scanWallet(row)
}

func (s *Store) ListWallets(ctx context.Context, currency ledger.Currency) ([]mixer.Wallet, error) {
	rows, err := s.q(ctx).QueryxContext(ctx, walletSelect+` WHERE currency = $1`, string(currency))
	if err != nil {
		return nil, fmt.Errorf("postgres: list wallets: %w", err)
	}
	defer rows.Close()
	return scanWallets(rows)
}

// SelectAvailableWallets returns HOT/POOL wallets with balance >= minAmount,
// active, unlocked, ordered by balance DESC, last_used_at ASC.
func (s *Store) SelectAvailableWallets(ctx context.Context, currency ledger.Currency, minAmount ledger.Amount, limit int) ([]mixer.Wallet, error) {
	query := walletSelect + `
		WHERE currency = $1 AND type IN ($2, $3) AND is_active = TRUE AND is_locked = FALSE
		  AND status = $4 AND balance >= $5
		ORDER BY balance DESC, last_used_at ASC`
	args := []any{string(currency), string(mixer.WalletHot), string(mixer.WalletPool), string(mixer.WalletStatusActive), int64(minAmount)}
	if limit > 0 {
		query += " LIMIT $6"
		args = append(args, limit)
	}
	rows, err := s.q(ctx).QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: select available wallets: %w", err)
	}
	defer rows.Close()
	return scanWallets(rows)
}

// LockWallet performs the compare-and-swap `UPDATE ... WHERE is_locked =
// false`: zero rows affected (ok=false) signals lock contention rather
// than an error, matching the in-memory store's semantics.
func (s *Store) LockWallet(ctx context.Context, id string, lockedBy string) (bool, error) {
	result, err := s.q(ctx).ExecContext(ctx, `
		UPDATE wallets SET is_locked = TRUE, locked_by = $2, locked_at = $3
		WHERE id = $1 AND is_locked = FALSE
	`, id, lockedBy, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("postgres: lock wallet: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: lock wallet rows affected: %w", err)
	}
	return rows > 0, nil
}

func (s *Store) UnlockWallet(ctx context.Context, id string) error {
	result, err := s.q(ctx).ExecContext(ctx, `
		UPDATE wallets SET is_locked = FALSE, locked_by = '', locked_at = NULL WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("postgres: unlock wallet: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AdjustBalance applies delta, refusing to let the balance go negative; the
// check runs as part of the same UPDATE so it is race-free even without an
// enclosing WithTx.
func (s *Store) AdjustBalance(ctx context.Context, id string, delta ledger.Amount) (mixer.Wallet, error) {
	result, err := s.q(ctx).ExecContext(ctx, `
		UPDATE wallets
		SET balance = balance + $2, last_used_at = $3, tx_count = tx_count + 1
		WHERE id = $1 AND balance + $2 >= 0
	`, id, int64(delta), time.Now().UTC())
	if err != nil {
		return mixer.Wallet{}, fmt.Errorf("postgres: adjust balance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return mixer.Wallet{}, fmt.Errorf("postgres: adjust balance rows affected: %w", err)
	}
	if rows == 0 {
		if _, getErr := s.GetWallet(ctx, id); getErr != nil {
			return mixer.Wallet{}, getErr
		}
		return mixer.Wallet{}, fmt.Errorf("wallet %s: %w", id, ledger.ErrNegativeAmount)
	}
	return s.GetWallet(ctx, id)
}

func (s *Store) ListNegativeBalanceWallets(ctx context.Context) ([]mixer.Wallet, error) {
	rows, err := s.q(ctx).QueryxContext(ctx, walletSelect+` WHERE balance < 0`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list negative balance wallets: %w", err)
	}
	defer rows.Close()
	return scanWallets(rows)
}

func (s *Store) ListAnomalousBalanceWallets(ctx context.Context, threshold ledger.Amount) ([]mixer.Wallet, error) {
	rows, err := s.q(ctx).QueryxContext(ctx, walletSelect+` WHERE balance > $1`, int64(threshold))
	if err != nil {
		return nil, fmt.Errorf("postgres: list anomalous balance wallets: %w", err)
	}
	defer rows.Close()
	return scanWallets(rows)
}

func (s *Store) ListDuplicateWalletAddresses(ctx context.Context) (map[string][]mixer.Wallet, error) {
	rows, err := s.q(ctx).QueryxContext(ctx, walletSelect+`
		WHERE (currency, address) IN (
			SELECT currency, address FROM wallets GROUP BY currency, address HAVING COUNT(*) > 1
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list duplicate wallet addresses: %w", err)
	}
	defer rows.Close()
	list, err := scanWallets(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]mixer.Wallet)
	for _, w := range list {
		key := string(w.Currency) + "|" + w.Address
		out[key] = append(out[key], w)
	}
	return out, nil
}

const walletSelect = `
	SELECT id, address, currency, type, balance, is_active, is_locked, locked_by, locked_at,
	       status, last_used_at, created_at, tx_count
	FROM wallets`

func scanWallet(scanner rowScanner) (mixer.Wallet, error) {
	var (
		w         mixer.Wallet
		currency  string
		walletTyp string
		status    string
		lockedAt  sql.NullTime
	)
	if err := scanner.Scan(&w.ID, &w.Address, &currency, &walletTyp, &w.Balance, &w.IsActive, &w.IsLocked,
		&w.LockedBy, &lockedAt, &status, &w.LastUsedAt, &w.CreatedAt, &w.TxCount); err != nil {
		return mixer.Wallet{}, err
	}
	w.Currency = ledger.Currency(currency)
	w.Type = mixer.WalletType(walletTyp)
	w.Status = mixer.WalletStatus(status)
	if lockedAt.Valid {
		t := lockedAt.Time.UTC()
		w.LockedAt = &t
	}
	return w, nil
}

func scanWallets(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]mixer.Wallet, error) {
	out := make([]mixer.Wallet, 0)
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
