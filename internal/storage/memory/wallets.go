package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/R3E-Network/mixer/internal/domain/ledger"
	"github.com/R3E-Network/mixer/internal/domain/mixer"
)

func (s *Store) CreateWallet(_ context.Context, w mixer.Wallet) (mixer.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.ID == "" {
		w.ID = s.nextIDLocked()
	} else if _, exists := s.wallets[w.ID]; exists {
		return mixer.Wallet{}, fmt.Errorf("wallet %s already exists", w.ID)
	}
	for _, existing := range s.wallets {
		if existing.Address == w.Address && existing.Currency == w.Currency {
			return mixer.Wallet{}, fmt.Errorf("wallet address %s already in use for %s", w.Address, w.Currency)
		}
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	s.wallets[w.ID] = cloneWallet(w)
	return cloneWallet(w), nil
}

func (s *Store) GetWallet(_ context.Context, id string) (mixer.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[id]
	if !ok {
		return mixer.Wallet{}, fmt.Errorf("wallet %s not found", id)
	}
	return cloneWallet(w), nil
}

func (s *Store) ListWallets(_ context.Context, currency ledger.Currency) ([]mixer.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]mixer.Wallet, 0)
	for _, w := range s.wallets {
		if w.Currency == currency {
			out = append(out, cloneWallet(w))
		}
	}
	return out, nil
}

// SelectAvailableWallets returns HOT/POOL wallets matching the availability
// criteria, ordered by balance DESC, last_used_at ASC, per spec.md §4.2.
func (s *Store) SelectAvailableWallets(_ context.Context, currency ledger.Currency, minAmount ledger.Amount, limit int) ([]mixer.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]mixer.Wallet, 0)
	for _, w := range s.wallets {
		if w.Currency != currency {
			continue
		}
		if w.Type != mixer.WalletHot && w.Type != mixer.WalletPool {
			continue
		}
		if !w.Available(minAmount) {
			continue
		}
		out = append(out, cloneWallet(w))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Balance != out[j].Balance {
			return out[i].Balance > out[j].Balance
		}
		return out[i].LastUsedAt.Before(out[j].LastUsedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LockWallet emulates `UPDATE wallets SET is_locked = true WHERE id = $1 AND
// is_locked = false`: zero rows affected (ok=false) signals lock contention.
func (s *Store) LockWallet(_ context.Context, id string, lockedBy string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[id]
	if !ok {
		return false, fmt.Errorf("wallet %s not found", id)
	}
	if w.IsLocked {
		return false, nil
	}
	now := time.Now().UTC()
	w.IsLocked = true
	w.LockedBy = lockedBy
	w.LockedAt = &now
	s.wallets[id] = w
	return true, nil
}

func (s *Store) UnlockWallet(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[id]
	if !ok {
		return fmt.Errorf("wallet %s not found", id)
	}
	w.IsLocked = false
	w.LockedBy = ""
	w.LockedAt = nil
	s.wallets[id] = w
	return nil
}

// AdjustBalance applies delta, refusing to let the balance go negative —
// the invariant spec.md §4.2 and §8 require hold inside every committed
// transaction.
func (s *Store) AdjustBalance(_ context.Context, id string, delta ledger.Amount) (mixer.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[id]
	if !ok {
		return mixer.Wallet{}, fmt.Errorf("wallet %s not found", id)
	}
	newBalance := w.Balance.Add(delta)
	if newBalance < 0 {
		return mixer.Wallet{}, fmt.Errorf("wallet %s: %w", id, ledger.ErrNegativeAmount)
	}
	w.Balance = newBalance
	w.LastUsedAt = time.Now().UTC()
	w.TxCount++
	s.wallets[id] = w
	return cloneWallet(w), nil
}

func (s *Store) ListNegativeBalanceWallets(_ context.Context) ([]mixer.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]mixer.Wallet, 0)
	for _, w := range s.wallets {
		if w.Balance < 0 {
			out = append(out, cloneWallet(w))
		}
	}
	return out, nil
}

func (s *Store) ListAnomalousBalanceWallets(_ context.Context, threshold ledger.Amount) ([]mixer.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]mixer.Wallet, 0)
	for _, w := range s.wallets {
		if w.Balance > threshold {
			out = append(out, cloneWallet(w))
		}
	}
	return out, nil
}

func (s *Store) ListDuplicateWalletAddresses(_ context.Context) (map[string][]mixer.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey := make(map[string][]mixer.Wallet)
	for _, w := range s.wallets {
		key := string(w.Currency) + "|" + w.Address
		byKey[key] = append(byKey[key], cloneWallet(w))
	}
	out := make(map[string][]mixer.Wallet)
	for key, list := range byKey {
		if len(list) > 1 {
			out[key] = list
		}
	}
	return out, nil
}
