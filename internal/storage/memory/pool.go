package memory

import (
	"context"

	"github.com/R3E-Network/mixer/internal/domain/ledger"
	"github.com/R3E-Network/mixer/internal/domain/mixer"
)

func (s *Store) GetPool(ctx context.Context, currency ledger.Currency) (mixer.Pool, error) {
	return s.RecomputePool(ctx, currency)
}

// RecomputePool derives pool size and active participants from wallet rows
// — there is no separate cache that could disagree, per spec.md §5.
func (s *Store) RecomputePool(_ context.Context, currency ledger.Currency) (mixer.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pool := mixer.Pool{Currency: currency}
	for _, w := range s.wallets {
		if w.Currency != currency || w.Type != mixer.WalletPool {
			continue
		}
		pool.SizeNativeUnits = pool.SizeNativeUnits.Add(w.Balance)
		if w.IsLocked {
			pool.ActiveParticipants++
		}
	}
	return pool, nil
}
