package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/R3E-Network/mixer/internal/domain/mixer"
)

// encryptField envelope-encrypts plaintext via the Store's EncryptionManager
// and returns the EncryptedField marshaled to JSON, ready for a JSONB
// column. Empty plaintext is stored as nil (no envelope, nothing to
// decrypt). A nil EncryptionManager falls back to storing plaintext
// wrapped in a JSON string, which is only acceptable for local/dev use
// without ENCRYPTION_MASTER_KEY configured.
func (s *Store) encryptField(ctx context.Context, plaintext, dataType string) ([]byte, error) {
	if plaintext == "" {
		return nil, nil
	}
	if s.enc == nil {
		return json.Marshal(plaintext)
	}
	field, err := s.enc.Encrypt(ctx, []byte(plaintext), dataType, "")
	if err != nil {
		return nil, fmt.Errorf("postgres: encrypt %s: %w", dataType, err)
	}
	return json.Marshal(field)
}

// decryptField reverses encryptField.
func (s *Store) decryptField(ctx context.Context, raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	if s.enc == nil {
		var plain string
		if err := json.Unmarshal(raw, &plain); err != nil {
			return "", fmt.Errorf("postgres: decode plaintext field: %w", err)
		}
		return plain, nil
	}
	var field mixer.EncryptedField
	if err := json.Unmarshal(raw, &field); err != nil {
		return "", fmt.Errorf("postgres: decode encrypted field: %w", err)
	}
	plaintext, err := s.enc.Decrypt(ctx, field)
	if err != nil {
		return "", fmt.Errorf("postgres: decrypt field: %w", err)
	}
	return string(plaintext), nil
}
