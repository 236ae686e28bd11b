package store

import (
	"crypto/rand"
	"encoding/base64"
)

// cryptoRandRead fills b with cryptographically random bytes.
func cryptoRandRead(b []byte) (int, error) {
	return rand.Read(b)
}

// encodeKey renders a symmetric key blob for storage. The key itself is
// reserved for future use (see AppConfig.EncryptionKey) and unused by the
// current protocol.
func encodeKey(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
