// Package cryptobox implements the EncryptionManager: authenticated
// envelope encryption (AES-256-GCM) over versioned, PBKDF2-derived keys,
// following the key-derivation shape of infrastructure/crypto/envelope.go
// and the master-key loading pattern of
// infrastructure/database/oauth_tokens_encryption.go, extended with the
// versioned key-rotation log and integrity checksum spec.md §3/§4.5 require.
package cryptobox

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/R3E-Network/mixer/internal/domain/mixer"
	"github.com/R3E-Network/mixer/internal/storage"
	"github.com/R3E-Network/mixer/pkg/logger"
)

const (
	// Algorithm is the single authenticated algorithm this manager
	// supports; readers must reject any envelope naming a different one.
	Algorithm = "aes-256-gcm"

	// MaxPlaintextBytes is the pre-compression payload size limit.
	MaxPlaintextBytes = 1 << 20 // 1 MiB

	// CompressThresholdBytes is the minimum plaintext size that triggers
	// gzip compression when compression is enabled.
	CompressThresholdBytes = 100

	// gcmIVSize is 16 bytes, not Go's 12-byte GCM default: the envelope
	// wire format fixes the IV at 128 bits, so the AEAD is constructed
	// with an explicit nonce size.
	gcmIVSize  = 16
	gcmTagSize = 16
)

// Config carries the options named in spec.md §6 under "encryption.*".
type Config struct {
	MasterKey            string
	KeyRotationDays      int
	CompressionEnabled   bool
	IntegrityCheckEnabled bool
}

// Manager is the EncryptionManager: it derives keys per version, encrypts
// and decrypts EncryptedField envelopes, and rotates the active version.
type Manager struct {
	store     storage.EncryptionKeyStore
	masterKey []byte
	cache     *keyCache
	cfg       Config
	log       *logger.Logger

	activeVersion string
}

// New constructs a Manager. The master key must be at least 32 bytes; it is
// used directly as PBKDF2 input key material (not as the AES key itself —
// every envelope uses a version-derived key).
func New(ctx context.Context, store storage.EncryptionKeyStore, cfg Config, log *logger.Logger) (*Manager, error) {
	if len(cfg.MasterKey) < 32 {
		return nil, ErrMasterKeyLength
	}
	if cfg.KeyRotationDays <= 0 || cfg.KeyRotationDays > 365 {
		cfg.KeyRotationDays = 90
	}
	if log == nil {
		log = logger.NewDefault("cryptobox")
	}

	m := &Manager{
		store:     store,
		masterKey: []byte(cfg.MasterKey),
		cache:     newKeyCache(),
		cfg:       cfg,
		log:       log,
	}

	versions, err := store.ListKeyVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: list key versions: %w", err)
	}
	for _, v := range versions {
		if v.Active() && (m.activeVersion == "" || v.CreatedAt.After(mustVersionCreatedAt(versions, m.activeVersion))) {
			m.activeVersion = v.VersionID
		}
	}
	if m.activeVersion == "" {
		if _, err := m.Rotate(ctx); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func mustVersionCreatedAt(versions []mixer.EncryptionKeyVersion, id string) time.Time {
	for _, v := range versions {
		if v.VersionID == id {
			return v.CreatedAt
		}
	}
	return time.Time{}
}

// Rotate allocates a new key_version and makes it the active version for
// future encrypts. Existing envelopes remain decryptable under their
// original version — they are rewrapped lazily by Reencrypt, never eagerly.
func (m *Manager) Rotate(ctx context.Context) (string, error) {
	id, err := NewKeyVersionID(time.Now().UTC())
	if err != nil {
		return "", err
	}
	if _, err := m.store.CreateKeyVersion(ctx, mixer.EncryptionKeyVersion{
		VersionID: id,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return "", fmt.Errorf("cryptobox: create key version: %w", err)
	}
	m.activeVersion = id
	m.log.WithField("key_version", id).Info("rotated encryption key")
	return id, nil
}

// Encrypt produces an EncryptedField for plaintext, optionally compressing
// it first, and always recording a SHA-256 checksum of the pre-compression
// bytes.
func (m *Manager) Encrypt(ctx context.Context, plaintext []byte, dataType string, keyVersion string) (mixer.EncryptedField, error) {
	if len(plaintext) > MaxPlaintextBytes {
		return mixer.EncryptedField{}, ErrPayloadTooLarge
	}

	checksum := sha256.Sum256(plaintext)
	originalLength := len(plaintext)

	version := keyVersion
	if version == "" {
		version = m.activeVersion
	}
	if _, err := m.store.GetKeyVersion(ctx, version); err != nil {
		return mixer.EncryptedField{}, fmt.Errorf("%w: %s", ErrUnknownKeyVersion, version)
	}

	body := plaintext
	compressed := false
	if m.cfg.CompressionEnabled && len(plaintext) > CompressThresholdBytes {
		compressedBody, err := gzipCompress(plaintext)
		if err != nil {
			return mixer.EncryptedField{}, fmt.Errorf("cryptobox: compress: %w", err)
		}
		body = compressedBody
		compressed = true
	}

	key := m.deriveKey(version)
	block, err := aes.NewCipher(key)
	if err != nil {
		return mixer.EncryptedField{}, fmt.Errorf("cryptobox: new cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, gcmIVSize)
	if err != nil {
		return mixer.EncryptedField{}, fmt.Errorf("cryptobox: new gcm: %w", err)
	}

	iv := make([]byte, gcmIVSize)
	if _, err := rand.Read(iv); err != nil {
		return mixer.EncryptedField{}, fmt.Errorf("cryptobox: read iv: %w", err)
	}

	sealed := aead.Seal(nil, iv, body, nil)
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return mixer.EncryptedField{
		EncryptedValue: ciphertext,
		IV:             iv,
		Tag:            tag,
		Algorithm:      Algorithm,
		KeyVersion:     version,
		DataType:       dataType,
		CreatedAt:      time.Now().UTC(),
		Compressed:     compressed,
		Metadata: mixer.EncryptedFieldMetadata{
			OriginalLength: originalLength,
			Checksum:       hex.EncodeToString(checksum[:]),
		},
	}, nil
}

// Decrypt reverses Encrypt. It always verifies the GCM tag (implicitly, via
// AEAD.Open) and verifies algorithm/key_version, and — if
// IntegrityCheckEnabled — recomputes the checksum, failing on any mismatch.
// Every failure mode collapses to ErrDecryptionFailed: these are never
// recovered locally (spec.md §4.5/§7).
func (m *Manager) Decrypt(ctx context.Context, field mixer.EncryptedField) ([]byte, error) {
	if field.Algorithm != Algorithm {
		return nil, fmt.Errorf("%w: %w: %s", ErrDecryptionFailed, ErrUnsupportedAlgorithm, field.Algorithm)
	}
	if _, err := m.store.GetKeyVersion(ctx, field.KeyVersion); err != nil {
		return nil, fmt.Errorf("%w: %w: %s", ErrDecryptionFailed, ErrUnknownKeyVersion, field.KeyVersion)
	}
	if len(field.IV) != gcmIVSize || len(field.Tag) != gcmTagSize {
		return nil, fmt.Errorf("%w: malformed iv or tag", ErrDecryptionFailed)
	}

	key := m.deriveKey(field.KeyVersion)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: new cipher: %v", ErrDecryptionFailed, err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, gcmIVSize)
	if err != nil {
		return nil, fmt.Errorf("%w: new gcm: %v", ErrDecryptionFailed, err)
	}

	sealed := append(append([]byte(nil), field.EncryptedValue...), field.Tag...)
	body, err := aead.Open(nil, field.IV, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: gcm open: %v", ErrDecryptionFailed, err)
	}

	plaintext := body
	if field.Compressed {
		plaintext, err = gzipDecompress(body)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %v", ErrDecryptionFailed, err)
		}
	}

	if m.cfg.IntegrityCheckEnabled {
		checksum := sha256.Sum256(plaintext)
		if hex.EncodeToString(checksum[:]) != field.Metadata.Checksum {
			return nil, fmt.Errorf("%w: checksum mismatch", ErrDecryptionFailed)
		}
	}

	return plaintext, nil
}

// Reencrypt decrypts field under its current key_version and re-encrypts
// it under newVersion. Used by the field migration utility to rewrap
// envelopes lazily after a rotation.
func (m *Manager) Reencrypt(ctx context.Context, field mixer.EncryptedField, newVersion string) (mixer.EncryptedField, error) {
	plaintext, err := m.Decrypt(ctx, field)
	if err != nil {
		return mixer.EncryptedField{}, err
	}
	return m.Encrypt(ctx, plaintext, field.DataType, newVersion)
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
