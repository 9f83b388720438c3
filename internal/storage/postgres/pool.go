package postgres

import (
	"context"
	"fmt"

	"github.com/R3E-Network/mixer/internal/domain/ledger"
	"github.com/R3E-Network/mixer/internal/domain/mixer"
)

func (s *Store) GetPool(ctx context.Context, currency ledger.Currency) (mixer.Pool, error) {
	return s.RecomputePool(ctx, currency)
}

// RecomputePool derives pool size and active participants straight from
// wallet rows — there is no separate cache that could disagree.
func (s *Store) RecomputePool(ctx context.Context, currency ledger.Currency) (mixer.Pool, error) {
	pool := mixer.Pool{Currency: currency}
	row := s.q(ctx).QueryRowxContext(ctx, `
		SELECT COALESCE(SUM(balance), 0), COALESCE(SUM(CASE WHEN is_locked THEN 1 ELSE 0 END), 0)
		FROM wallets WHERE currency = $1 AND type = $2
	`, string(currency), string(mixer.WalletPool))
	var size int64
	var participants int
	if err := row.Scan(&size, &participants); err != nil {
		return mixer.Pool{}, fmt.Errorf("postgres: recompute pool: %w", err)
	}
	pool.SizeNativeUnits = ledger.Amount(size)
	pool.ActiveParticipants = participants
	return pool, nil
}
