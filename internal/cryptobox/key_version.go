package cryptobox

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

// NewKeyVersionID mints a version_id of the form "v<unix_ms>_<8 hex
// digits>" per spec.md §3 EncryptionKeyVersion.
func NewKeyVersionID(now time.Time) (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("cryptobox: read random suffix: %w", err)
	}
	suffix := binary.BigEndian.Uint32(buf[:])
	return fmt.Sprintf("v%d_%08x", now.UnixMilli(), suffix), nil
}
