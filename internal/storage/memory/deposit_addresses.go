package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/R3E-Network/mixer/internal/domain/mixer"
)

func (s *Store) CreateDepositAddress(_ context.Context, addr mixer.DepositAddress) (mixer.DepositAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if addr.ID == "" {
		addr.ID = s.nextIDLocked()
	} else if _, exists := s.depositAddrs[addr.ID]; exists {
		return mixer.DepositAddress{}, fmt.Errorf("deposit address %s already exists", addr.ID)
	}
	if addr.CreatedAt.IsZero() {
		addr.CreatedAt = time.Now().UTC()
	}
	s.depositAddrs[addr.ID] = addr
	return addr, nil
}

func (s *Store) UpdateDepositAddress(_ context.Context, addr mixer.DepositAddress) (mixer.DepositAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.depositAddrs[addr.ID]
	if !ok {
		return mixer.DepositAddress{}, fmt.Errorf("deposit address %s not found", addr.ID)
	}
	addr.CreatedAt = original.CreatedAt
	s.depositAddrs[addr.ID] = addr
	return addr, nil
}

func (s *Store) GetDepositAddressByMixRequest(_ context.Context, mixRequestID string) (mixer.DepositAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, addr := range s.depositAddrs {
		if addr.MixRequestID == mixRequestID {
			return addr, nil
		}
	}
	return mixer.DepositAddress{}, fmt.Errorf("deposit address for mix request %s not found", mixRequestID)
}

func (s *Store) DeleteDepositAddress(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.depositAddrs[id]; !ok {
		return fmt.Errorf("deposit address %s not found", id)
	}
	delete(s.depositAddrs, id)
	return nil
}

func (s *Store) ListOrphanedDepositAddresses(_ context.Context, olderThan time.Duration) ([]mixer.DepositAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	out := make([]mixer.DepositAddress, 0)
	for _, addr := range s.depositAddrs {
		if addr.Used {
			continue
		}
		if addr.CreatedAt.After(cutoff) {
			continue
		}
		parent, ok := s.mixRequests[addr.MixRequestID]
		if ok && !parent.Status.Terminal() {
			continue
		}
		out = append(out, addr)
	}
	return out, nil
}

func (s *Store) ListDuplicateAddresses(_ context.Context) (map[string][]mixer.DepositAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byAddr := make(map[string][]mixer.DepositAddress)
	for _, addr := range s.depositAddrs {
		byAddr[addr.Address] = append(byAddr[addr.Address], addr)
	}
	out := make(map[string][]mixer.DepositAddress)
	for addr, list := range byAddr {
		if len(list) > 1 {
			out[addr] = list
		}
	}
	return out, nil
}

func (s *Store) ListMixRequestIDsWithDepositAddress(_ context.Context) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]bool, len(s.depositAddrs))
	for _, addr := range s.depositAddrs {
		out[addr.MixRequestID] = true
	}
	return out, nil
}
