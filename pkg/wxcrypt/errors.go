package wxcrypt

import "errors"

var (
	// ErrSignatureMismatch is returned when a callback signature does not verify.
	ErrSignatureMismatch = errors.New("signature mismatch")
	// ErrInvalidAESKey is returned for an EncodingAESKey that does not decode to 32 bytes.
	ErrInvalidAESKey = errors.New("encoding AES key must decode to 32 bytes")
	// ErrInvalidPadding is returned when PKCS#7 padding is malformed.
	ErrInvalidPadding = errors.New("invalid PKCS#7 padding")
	// ErrInvalidLength is returned when the embedded message length exceeds the plaintext.
	ErrInvalidLength = errors.New("message length out of range")
	// ErrReceiverMismatch is returned when the decrypted receiver id differs from ours.
	ErrReceiverMismatch = errors.New("receiver id mismatch")
)
