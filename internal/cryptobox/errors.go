package cryptobox

import "errors"

// ErrDecryptionFailed is returned for any of: GCM tag mismatch, checksum
// mismatch, unknown key version, or unsupported algorithm. Per spec.md §7
// these are never recovered locally — always bubbled to the caller.
var ErrDecryptionFailed = errors.New("cryptobox: decryption failed")

// ErrUnknownKeyVersion is wrapped by ErrDecryptionFailed when a field names
// a key_version absent from the rotation log.
var ErrUnknownKeyVersion = errors.New("cryptobox: unknown key version")

// ErrUnsupportedAlgorithm is wrapped by ErrDecryptionFailed when a field's
// algorithm does not match the configured one.
var ErrUnsupportedAlgorithm = errors.New("cryptobox: unsupported algorithm")

// ErrPayloadTooLarge is returned by Encrypt when plaintext exceeds the 1 MiB
// pre-compression limit.
var ErrPayloadTooLarge = errors.New("cryptobox: payload exceeds 1 MiB limit")

// ErrMasterKeyLength is returned when the configured master key is shorter
// than the required 32 characters.
var ErrMasterKeyLength = errors.New("cryptobox: master key must be at least 32 bytes")
