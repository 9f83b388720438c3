package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/R3E-Network/mixer/internal/domain/ledger"
	"github.com/R3E-Network/mixer/internal/domain/mixer"
)

func (s *Store) CreateMixRequest(_ context.Context, req mixer.MixRequest) (mixer.MixRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID == "" {
		req.ID = s.nextIDLocked()
	} else if _, exists := s.mixRequests[req.ID]; exists {
		return mixer.MixRequest{}, fmt.Errorf("mix request %s already exists", req.ID)
	}
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now

	s.mixRequests[req.ID] = cloneMixRequest(req)
	return cloneMixRequest(req), nil
}

func (s *Store) UpdateMixRequest(_ context.Context, req mixer.MixRequest) (mixer.MixRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.mixRequests[req.ID]
	if !ok {
		return mixer.MixRequest{}, fmt.Errorf("mix request %s not found", req.ID)
	}
	req.CreatedAt = original.CreatedAt
	req.UpdatedAt = time.Now().UTC()

	s.mixRequests[req.ID] = cloneMixRequest(req)
	return cloneMixRequest(req), nil
}

func (s *Store) GetMixRequest(_ context.Context, id string) (mixer.MixRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.mixRequests[id]
	if !ok {
		return mixer.MixRequest{}, fmt.Errorf("mix request %s not found", id)
	}
	return cloneMixRequest(req), nil
}

func (s *Store) ListMixRequestsByStatus(_ context.Context, status mixer.Status, limit int) ([]mixer.MixRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]mixer.MixRequest, 0)
	for _, r := range s.mixRequests {
		if r.Status == status {
			out = append(out, cloneMixRequest(r))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) ListCandidates(_ context.Context, currency ledger.Currency, amount ledger.Amount, toleranceBP ledger.BasisPoints, asOf time.Time, excludeID string) ([]mixer.MixRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lowBP := int64(ledger.BasisPointsDenominator) - int64(toleranceBP)
	highBP := int64(ledger.BasisPointsDenominator) + int64(toleranceBP)
	low := int64(amount) * lowBP / int64(ledger.BasisPointsDenominator)
	high := int64(amount) * highBP / int64(ledger.BasisPointsDenominator)

	out := make([]mixer.MixRequest, 0)
	for _, r := range s.mixRequests {
		if r.ID == excludeID {
			continue
		}
		if r.Currency != currency || r.Status != mixer.StatusPending {
			continue
		}
		if !r.ExpiresAt.After(asOf) {
			continue
		}
		v := int64(r.InputAmount)
		if v < low || v > high {
			continue
		}
		out = append(out, cloneMixRequest(r))
	}
	return out, nil
}

func (s *Store) ListNonTerminal(_ context.Context) ([]mixer.MixRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]mixer.MixRequest, 0)
	for _, r := range s.mixRequests {
		if !r.Status.Terminal() {
			out = append(out, cloneMixRequest(r))
		}
	}
	return out, nil
}
