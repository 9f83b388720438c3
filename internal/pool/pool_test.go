package pool

import (
	"context"
	"testing"

	"github.com/R3E-Network/mixer/internal/domain/ledger"
	"github.com/R3E-Network/mixer/internal/domain/mixer"
	"github.com/R3E-Network/mixer/internal/storage/memory"
)

func seedPoolWallet(t *testing.T, store *memory.Store, balance ledger.Amount) mixer.Wallet {
	t.Helper()
	w, err := store.CreateWallet(context.Background(), mixer.Wallet{
		Address: "pool-wallet", Currency: ledger.BTC, Type: mixer.WalletPool,
		Balance: balance, IsActive: true, Status: mixer.WalletStatusActive,
	})
	if err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	return w
}

func TestProcessChunkNeverLeavesNegativeBalance(t *testing.T) {
	store := memory.New()
	seedPoolWallet(t, store, 100)
	m := New(store, Config{MinPoolSize: 10}, nil, nil)

	if _, err := m.ProcessChunk(context.Background(), "session-1", ledger.BTC, 150); err == nil {
		t.Fatalf("expected process_chunk to fail when amount exceeds balance")
	}

	wallets, _ := store.ListWallets(context.Background(), ledger.BTC)
	if wallets[0].Balance < 0 {
		t.Fatalf("wallet balance went negative: %d", wallets[0].Balance)
	}
}

func TestProcessChunkUnlocksWalletAfterSuccess(t *testing.T) {
	store := memory.New()
	w := seedPoolWallet(t, store, 100)
	m := New(store, Config{MinPoolSize: 10}, nil, nil)

	if _, err := m.ProcessChunk(context.Background(), "session-1", ledger.BTC, 40); err != nil {
		t.Fatalf("process_chunk: %v", err)
	}

	got, err := store.GetWallet(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if got.IsLocked {
		t.Fatalf("expected wallet to be unlocked after chunk completes")
	}
	if got.Balance != 60 {
		t.Fatalf("expected balance 60 after chunk of 40, got %d", got.Balance)
	}
}

func TestSelectWalletsOrdersByBalanceDescLastUsedAsc(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	_, _ = store.CreateWallet(ctx, mixer.Wallet{Address: "a", Currency: ledger.BTC, Type: mixer.WalletPool, Balance: 50, IsActive: true, Status: mixer.WalletStatusActive})
	_, _ = store.CreateWallet(ctx, mixer.Wallet{Address: "b", Currency: ledger.BTC, Type: mixer.WalletPool, Balance: 90, IsActive: true, Status: mixer.WalletStatusActive})

	m := New(store, Config{}, nil, nil)
	wallets, err := m.SelectWallets(ctx, ledger.BTC, 0, 10)
	if err != nil {
		t.Fatalf("select wallets: %v", err)
	}
	if len(wallets) != 2 || wallets[0].Balance != 90 {
		t.Fatalf("expected highest-balance wallet first, got %+v", wallets)
	}
}
