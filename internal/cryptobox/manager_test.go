package cryptobox

import (
	"context"
	"testing"

	"github.com/R3E-Network/mixer/internal/storage/memory"
	"github.com/R3E-Network/mixer/pkg/logger"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store := memory.New()
	m, err := New(context.Background(), store, Config{
		MasterKey:             "0123456789abcdef0123456789abcdef",
		CompressionEnabled:    true,
		IntegrityCheckEnabled: true,
	}, logger.NewDefault("cryptobox-test"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	plaintext := []byte("1.2.3.4")
	field, err := m.Encrypt(ctx, plaintext, "IP_ADDRESS", "")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	got, err := m.Decrypt(ctx, field)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecryptTamperedTagFails(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	field, err := m.Encrypt(ctx, []byte("1.2.3.4"), "IP_ADDRESS", "")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	field.Tag[0] ^= 0xFF

	if _, err := m.Decrypt(ctx, field); err == nil {
		t.Fatalf("expected tampered tag to fail decryption")
	}
}

func TestDecryptTamperedChecksumFails(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	field, err := m.Encrypt(ctx, []byte("1.2.3.4"), "IP_ADDRESS", "")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	field.Metadata.Checksum = "0000000000000000000000000000000000000000000000000000000000000000"

	if _, err := m.Decrypt(ctx, field); err == nil {
		t.Fatalf("expected tampered checksum to fail decryption")
	}
}

func TestDecryptUnknownKeyVersionFails(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	field, err := m.Encrypt(ctx, []byte("hello"), "NOTES", "")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	field.KeyVersion = "v0_deadbeef"

	if _, err := m.Decrypt(ctx, field); err == nil {
		t.Fatalf("expected unknown key version to fail decryption")
	}
}

func TestEncryptPayloadTooLarge(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	huge := make([]byte, MaxPlaintextBytes+1)
	if _, err := m.Encrypt(ctx, huge, "NOTES", ""); err != ErrPayloadTooLarge {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestRotateChangesActiveVersionButKeepsOldDecryptable(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	field, err := m.Encrypt(ctx, []byte("before rotation"), "NOTES", "")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	oldVersion := field.KeyVersion

	newVersion, err := m.Rotate(ctx)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if newVersion == oldVersion {
		t.Fatalf("expected rotate to mint a new version")
	}

	got, err := m.Decrypt(ctx, field)
	if err != nil {
		t.Fatalf("expected old-version envelope to remain decryptable: %v", err)
	}
	if string(got) != "before rotation" {
		t.Fatalf("unexpected plaintext: %q", got)
	}
}
