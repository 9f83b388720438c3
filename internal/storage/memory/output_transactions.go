package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/R3E-Network/mixer/internal/domain/mixer"
)

func (s *Store) CreateOutputTransaction(_ context.Context, tx mixer.OutputTransaction) (mixer.OutputTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ID == "" {
		tx.ID = s.nextIDLocked()
	} else if _, exists := s.outputTxs[tx.ID]; exists {
		return mixer.OutputTransaction{}, fmt.Errorf("output transaction %s already exists", tx.ID)
	}
	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	s.outputTxs[tx.ID] = tx
	return tx, nil
}

func (s *Store) UpdateOutputTransaction(_ context.Context, tx mixer.OutputTransaction) (mixer.OutputTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.outputTxs[tx.ID]
	if !ok {
		return mixer.OutputTransaction{}, fmt.Errorf("output transaction %s not found", tx.ID)
	}
	tx.CreatedAt = original.CreatedAt
	tx.UpdatedAt = time.Now().UTC()
	s.outputTxs[tx.ID] = tx
	return tx, nil
}

func (s *Store) GetOutputTransaction(_ context.Context, id string) (mixer.OutputTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.outputTxs[id]
	if !ok {
		return mixer.OutputTransaction{}, fmt.Errorf("output transaction %s not found", id)
	}
	return tx, nil
}

func (s *Store) DeleteOutputTransaction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.outputTxs[id]; !ok {
		return fmt.Errorf("output transaction %s not found", id)
	}
	delete(s.outputTxs, id)
	return nil
}

func (s *Store) ListOutputTransactions(_ context.Context, mixRequestID string) ([]mixer.OutputTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]mixer.OutputTransaction, 0)
	for _, tx := range s.outputTxs {
		if tx.MixRequestID == mixRequestID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *Store) ListOrphanedOutputTransactions(_ context.Context) ([]mixer.OutputTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]mixer.OutputTransaction, 0)
	for _, tx := range s.outputTxs {
		if _, ok := s.mixRequests[tx.MixRequestID]; !ok {
			out = append(out, tx)
		}
	}
	return out, nil
}
