// Package gateway defines BlockchainGateway, the external collaborator the
// mixing engine uses to sign, broadcast, and observe on-chain activity. Raw
// node clients are out of scope (spec.md §1); this package only carries the
// capability interface plus a marker for transient-vs-permanent failures.
package gateway

import (
	"context"

	"github.com/R3E-Network/mixer/internal/domain/ledger"
)

// UnsignedTx is an opaque transaction built by BuildCoinJoin, ready for
// per-participant partial signing.
type UnsignedTx struct {
	Currency ledger.Currency
	Payload  []byte
}

// PartialSignature is one participant's signature share over an UnsignedTx.
type PartialSignature struct {
	KeyHandle string
	InputIndex int
	Signature []byte
}

// SignedTx is a fully signed, broadcast-ready transaction.
type SignedTx struct {
	Currency ledger.Currency
	Payload  []byte
}

// TxInput is one spendable input offered to BuildCoinJoin.
type TxInput struct {
	WalletID string
	Address  string
	Amount   ledger.Amount
}

// TxOutput is one destination offered to BuildCoinJoin.
type TxOutput struct {
	Address string
	Amount  ledger.Amount
}

// DepositEvent is one observed on-chain event for a watched address.
type DepositEvent struct {
	TxID          string
	Amount        ledger.Amount
	Confirmations uint32
}

// TemporaryError is implemented by gateway errors that carry an explicit
// transient/permanent classification (TransientGatewayError in spec.md §7):
// the engine retries an error whose Temporary() returns true (network
// hiccups, node not ready) and fails the request immediately when it
// returns false. Errors that do not implement it are retried like any other
// unclassified phase error.
type TemporaryError interface {
	error
	Temporary() bool
}

// Gateway is the capability the mixing engine, pool manager, and scheduler
// consume to interact with the chain. Implementations are per-currency or
// multiplexed across currencies; the core only ever holds this interface.
type Gateway interface {
	// Broadcast submits signed_tx, idempotent on a client-generated nonce
	// where the chain supports it.
	Broadcast(ctx context.Context, tx SignedTx, idempotencyKey string) (txid string, err error)
	GetConfirmations(ctx context.Context, currency ledger.Currency, txid string) (uint32, error)
	BuildCoinJoin(ctx context.Context, currency ledger.Currency, inputs []TxInput, outputs []TxOutput) (UnsignedTx, error)
	SignPartial(ctx context.Context, tx UnsignedTx, keyHandle string, inputIndex int) (PartialSignature, error)
	Combine(ctx context.Context, tx UnsignedTx, sigs []PartialSignature) (SignedTx, error)
	// ObserveDeposits streams events for address until ctx is cancelled.
	// The returned channel is closed when observation stops.
	ObserveDeposits(ctx context.Context, currency ledger.Currency, address string) (<-chan DepositEvent, error)
}
