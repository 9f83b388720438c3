// Package memory is an in-memory implementation of storage.Store. It is the
// zero-config default and the backing store used by every package's unit
// tests, following the teacher's internal/app/storage.Memory conventions:
// a single mutex, simple maps keyed by ID, and clone-on-read/write to avoid
// aliasing bugs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/R3E-Network/mixer/internal/domain/mixer"
	"github.com/R3E-Network/mixer/internal/storage"
)

// Store is a thread-safe in-memory persistence layer implementing
// storage.Store. Intended for tests and the zero-config default; not for
// production durability.
type Store struct {
	mu sync.Mutex

	// txMu serializes WithTx calls end to end: the snapshot, fn, and any
	// rollback run under it, so one transaction's rollback can never
	// restore state over another transaction's committed writes. It is a
	// separate mutex from mu because fn calls back into the store's own
	// methods, which take mu per operation.
	txMu sync.Mutex

	nextID int64

	mixRequests     map[string]mixer.MixRequest
	depositAddrs    map[string]mixer.DepositAddress
	wallets         map[string]mixer.Wallet
	outputTxs       map[string]mixer.OutputTransaction
	keyVersions     map[string]mixer.EncryptionKeyVersion
	audit           []storage.AuditRecord
	jobs            map[string]storage.SchedulerJob
	jobKeyToID      map[string]string // "mixRequestID|outputIndex" -> job ID
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		nextID:       1,
		mixRequests:  make(map[string]mixer.MixRequest),
		depositAddrs: make(map[string]mixer.DepositAddress),
		wallets:      make(map[string]mixer.Wallet),
		outputTxs:    make(map[string]mixer.OutputTransaction),
		keyVersions:  make(map[string]mixer.EncryptionKeyVersion),
		jobs:         make(map[string]storage.SchedulerJob),
		jobKeyToID:   make(map[string]string),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// snapshot is a deep-enough copy of the store's state used to implement
// WithTx: since there is no real transaction log in memory, the store
// clones its maps before running fn and restores them if fn fails.
type snapshot struct {
	nextID       int64
	mixRequests  map[string]mixer.MixRequest
	depositAddrs map[string]mixer.DepositAddress
	wallets      map[string]mixer.Wallet
	outputTxs    map[string]mixer.OutputTransaction
	keyVersions  map[string]mixer.EncryptionKeyVersion
	audit        []storage.AuditRecord
	jobs         map[string]storage.SchedulerJob
	jobKeyToID   map[string]string
}

func cloneStringMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *Store) snapshotLocked() snapshot {
	return snapshot{
		nextID:       s.nextID,
		mixRequests:  cloneStringMap(s.mixRequests),
		depositAddrs: cloneStringMap(s.depositAddrs),
		wallets:      cloneStringMap(s.wallets),
		outputTxs:    cloneStringMap(s.outputTxs),
		keyVersions:  cloneStringMap(s.keyVersions),
		audit:        append([]storage.AuditRecord(nil), s.audit...),
		jobs:         cloneStringMap(s.jobs),
		jobKeyToID:   cloneStringMap(s.jobKeyToID),
	}
}

func (s *Store) restoreLocked(snap snapshot) {
	s.nextID = snap.nextID
	s.mixRequests = snap.mixRequests
	s.depositAddrs = snap.depositAddrs
	s.wallets = snap.wallets
	s.outputTxs = snap.outputTxs
	s.keyVersions = snap.keyVersions
	s.audit = snap.audit
	s.jobs = snap.jobs
	s.jobKeyToID = snap.jobKeyToID
}

type txKey struct{}

// WithTx runs fn against the same store, snapshotting state first so a
// returned error rolls every mutation made by fn back atomically. txMu is
// held for the whole call, so concurrent transactions are serialized and a
// rollback restores exactly the state this transaction started from. A
// WithTx nested inside another joins the outer transaction (marked on ctx)
// rather than deadlocking on txMu, matching the postgres.Store's
// context-carried-transaction behaviour.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx storage.Store) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx, s)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, true), s); err != nil {
		s.mu.Lock()
		s.restoreLocked(snap)
		s.mu.Unlock()
		return err
	}
	return nil
}

func cloneOutputSplits(in []mixer.OutputSplit) []mixer.OutputSplit {
	return append([]mixer.OutputSplit(nil), in...)
}

func cloneMixRequest(r mixer.MixRequest) mixer.MixRequest {
	r.OutputAddresses = cloneOutputSplits(r.OutputAddresses)
	if r.DepositConfirmedAt != nil {
		t := *r.DepositConfirmedAt
		r.DepositConfirmedAt = &t
	}
	return r
}

func cloneWallet(w mixer.Wallet) mixer.Wallet {
	if w.LockedAt != nil {
		t := *w.LockedAt
		w.LockedAt = &t
	}
	return w
}
