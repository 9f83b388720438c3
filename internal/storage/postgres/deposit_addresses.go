package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/mixer/internal/domain/mixer"
)

const depositAddressSelect = `
	SELECT id, mix_request_id, address, currency, used, created_at, used_at
	FROM deposit_addresses`

func (s *Store) CreateDepositAddress(ctx context.Context, addr mixer.DepositAddress) (mixer.DepositAddress, error) {
	if addr.ID == "" {
		addr.ID = uuid.NewString()
	}
	if addr.CreatedAt.IsZero() {
		addr.CreatedAt = time.Now().UTC()
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO deposit_addresses (id, mix_request_id, address, currency, used, created_at, used_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, addr.ID, addr.MixRequestID, addr.Address, addr.Currency, addr.Used, addr.CreatedAt, toNullTime(derefTime(addr.UsedAt)))
	if err != nil {
		return mixer.DepositAddress{}, fmt.Errorf("postgres: insert deposit_address: %w", err)
	}
	return addr, nil
}

func (s *Store) UpdateDepositAddress(ctx context.Context, addr mixer.DepositAddress) (mixer.DepositAddress, error) {
	result, err := s.q(ctx).ExecContext(ctx, `
		UPDATE deposit_addresses SET address = $2, currency = $3, used = $4, used_at = $5
		WHERE id = $1
	`, addr.ID, addr.Address, addr.Currency, addr.Used, toNullTime(derefTime(addr.UsedAt)))
	if err != nil {
		return mixer.DepositAddress{}, fmt.Errorf("postgres: update deposit_address: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return mixer.DepositAddress{}, sql.ErrNoRows
	}
	return addr, nil
}

func (s *Store) GetDepositAddressByMixRequest(ctx context.Context, mixRequestID string) (mixer.DepositAddress, error) {
	row := s.q(ctx).QueryRowxContext(ctx, depositAddressSelect+` WHERE mix_request_id = $1`, mixRequestID)
	return scanDepositAddress(row)
}

func (s *Store) DeleteDepositAddress(ctx context.Context, id string) error {
	result, err := s.q(ctx).ExecContext(ctx, `DELETE FROM deposit_addresses WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete deposit_address: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListOrphanedDepositAddresses returns deposit addresses unused for longer
// than olderThan whose parent MixRequest is terminal or absent.
func (s *Store) ListOrphanedDepositAddresses(ctx context.Context, olderThan time.Duration) ([]mixer.DepositAddress, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.q(ctx).QueryxContext(ctx, depositAddressSelect+`
		WHERE used = FALSE AND created_at <= $1
		  AND NOT EXISTS (
		      SELECT 1 FROM mix_requests m
		      WHERE m.id = deposit_addresses.mix_request_id
		        AND m.status NOT IN ($2, $3, $4)
		  )
	`, cutoff, string(mixer.StatusCompleted), string(mixer.StatusFailed), string(mixer.StatusCancelled))
	if err != nil {
		return nil, fmt.Errorf("postgres: list orphaned deposit addresses: %w", err)
	}
	defer rows.Close()
	return scanDepositAddresses(rows)
}

func (s *Store) ListDuplicateAddresses(ctx context.Context) (map[string][]mixer.DepositAddress, error) {
	rows, err := s.q(ctx).QueryxContext(ctx, depositAddressSelect+`
		WHERE address IN (SELECT address FROM deposit_addresses GROUP BY address HAVING COUNT(*) > 1)
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list duplicate deposit addresses: %w", err)
	}
	defer rows.Close()
	list, err := scanDepositAddresses(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]mixer.DepositAddress)
	for _, addr := range list {
		out[addr.Address] = append(out[addr.Address], addr)
	}
	return out, nil
}

func (s *Store) ListMixRequestIDsWithDepositAddress(ctx context.Context) (map[string]bool, error) {
	rows, err := s.q(ctx).QueryxContext(ctx, `SELECT DISTINCT mix_request_id FROM deposit_addresses`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list mix request ids with deposit address: %w", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func scanDepositAddress(scanner rowScanner) (mixer.DepositAddress, error) {
	var (
		addr   mixer.DepositAddress
		usedAt sql.NullTime
	)
	if err := scanner.Scan(&addr.ID, &addr.MixRequestID, &addr.Address, &addr.Currency, &addr.Used, &addr.CreatedAt, &usedAt); err != nil {
		return mixer.DepositAddress{}, err
	}
	if usedAt.Valid {
		t := usedAt.Time.UTC()
		addr.UsedAt = &t
	}
	return addr, nil
}

func scanDepositAddresses(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]mixer.DepositAddress, error) {
	out := make([]mixer.DepositAddress, 0)
	for rows.Next() {
		addr, err := scanDepositAddress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}
