package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/R3E-Network/mixer/internal/domain/mixer"
)

func (s *Store) CreateKeyVersion(_ context.Context, v mixer.EncryptionKeyVersion) (mixer.EncryptionKeyVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keyVersions[v.VersionID]; exists {
		return mixer.EncryptionKeyVersion{}, fmt.Errorf("key version %s already exists", v.VersionID)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	s.keyVersions[v.VersionID] = v
	return v, nil
}

func (s *Store) GetKeyVersion(_ context.Context, versionID string) (mixer.EncryptionKeyVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.keyVersions[versionID]
	if !ok {
		return mixer.EncryptionKeyVersion{}, fmt.Errorf("key version %s not found", versionID)
	}
	return v, nil
}

func (s *Store) ListKeyVersions(_ context.Context) ([]mixer.EncryptionKeyVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]mixer.EncryptionKeyVersion, 0, len(s.keyVersions))
	for _, v := range s.keyVersions {
		out = append(out, v)
	}
	return out, nil
}

func (s *Store) RetireKeyVersion(_ context.Context, versionID string, retiredAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.keyVersions[versionID]
	if !ok {
		return fmt.Errorf("key version %s not found", versionID)
	}
	v.RetiredAt = &retiredAt
	s.keyVersions[versionID] = v
	return nil
}
