// Package simulated is a deterministic stand-in for a real
// BlockchainGateway, used by tests and by cmd/mixer when no production
// node client is configured. It mimics a node's JSON-RPC responses (parsed
// with gjson, as the teacher's datafeed code does) and advances
// confirmations on a timer instead of talking to a real chain.
package simulated

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/mixer/internal/domain/ledger"
	"github.com/R3E-Network/mixer/internal/gateway"
)

// Gateway is an in-process simulated chain adapter satisfying gateway.Gateway.
type Gateway struct {
	mu            sync.Mutex
	confirmations map[string]uint32
	// ConfirmRate is how many confirmations accumulate per GetConfirmations
	// call, simulating block production.
	ConfirmRate uint32
	// BlockInterval paces the simulated deposit stream: ObserveDeposits
	// emits one event per interval with one more confirmation than the
	// last, until the currency's required count is reached.
	BlockInterval time.Duration
}

// New returns a simulated gateway with a default confirmation rate of 1 per
// poll.
func New() *Gateway {
	return &Gateway{
		confirmations: make(map[string]uint32),
		ConfirmRate:   1,
		BlockInterval: 10 * time.Millisecond,
	}
}

func randomTxID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// rpcResponse mimics what a real broadcast RPC call would return; parsing
// it with gjson exercises the same extraction path a live gjson-backed
// client would use against a real node's JSON.
func rpcResponse(txid string) []byte {
	return []byte(fmt.Sprintf(`{"result":{"txid":"%s","accepted":true}}`, txid))
}

// Broadcast simulates submitting a signed transaction. Idempotency: the
// same idempotencyKey always returns the same txid.
func (g *Gateway) Broadcast(_ context.Context, tx gateway.SignedTx, idempotencyKey string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	txid := idempotencyKey
	if txid == "" {
		generated, err := randomTxID()
		if err != nil {
			return "", fmt.Errorf("simulated: broadcast: %w", err)
		}
		txid = generated
	}

	raw := rpcResponse(txid)
	parsed := gjson.GetBytes(raw, "result.txid").String()
	if !gjson.GetBytes(raw, "result.accepted").Bool() {
		return "", fmt.Errorf("simulated: node rejected transaction")
	}

	if _, exists := g.confirmations[parsed]; !exists {
		g.confirmations[parsed] = 0
	}
	return parsed, nil
}

// GetConfirmations advances and returns the simulated confirmation count
// for txid.
func (g *Gateway) GetConfirmations(_ context.Context, _ ledger.Currency, txid string) (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.confirmations[txid]
	if !ok {
		return 0, fmt.Errorf("simulated: unknown txid %s", txid)
	}
	n += g.ConfirmRate
	g.confirmations[txid] = n
	return n, nil
}

// BuildCoinJoin returns an opaque payload describing inputs/outputs; no
// real transaction construction happens in the simulator.
func (g *Gateway) BuildCoinJoin(_ context.Context, currency ledger.Currency, inputs []gateway.TxInput, outputs []gateway.TxOutput) (gateway.UnsignedTx, error) {
	payload := fmt.Sprintf("coinjoin:%d-in:%d-out", len(inputs), len(outputs))
	return gateway.UnsignedTx{Currency: currency, Payload: []byte(payload)}, nil
}

// SignPartial returns a deterministic fake signature derived from the key
// handle and input index.
func (g *Gateway) SignPartial(_ context.Context, tx gateway.UnsignedTx, keyHandle string, inputIndex int) (gateway.PartialSignature, error) {
	sig := fmt.Sprintf("sig(%s,%d,%s)", keyHandle, inputIndex, string(tx.Payload))
	return gateway.PartialSignature{KeyHandle: keyHandle, InputIndex: inputIndex, Signature: []byte(sig)}, nil
}

// Combine concatenates partial signatures into a fake signed transaction.
func (g *Gateway) Combine(_ context.Context, tx gateway.UnsignedTx, sigs []gateway.PartialSignature) (gateway.SignedTx, error) {
	payload := append([]byte(nil), tx.Payload...)
	for _, sig := range sigs {
		payload = append(payload, sig.Signature...)
	}
	return gateway.SignedTx{Currency: tx.Currency, Payload: payload}, nil
}

// ObserveDeposits emits a simulated deposit shortly after subscription and
// re-emits it with one more confirmation per block interval until the
// currency's required count is reached, then closes — enough to exercise
// the DEPOSITED transition in tests without a live node.
func (g *Gateway) ObserveDeposits(ctx context.Context, currency ledger.Currency, address string) (<-chan gateway.DepositEvent, error) {
	interval := g.BlockInterval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	needed := currency.Confirmations()

	ch := make(chan gateway.DepositEvent, 1)
	go func() {
		defer close(ch)
		txid, err := randomTxID()
		if err != nil {
			return
		}
		for n := uint32(1); n <= needed; n++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
			select {
			case ch <- gateway.DepositEvent{TxID: txid, Amount: 0, Confirmations: n}:
			case <-ctx.Done():
				return
			}
		}
	}()
	_ = address
	return ch, nil
}

var _ gateway.Gateway = (*Gateway)(nil)
