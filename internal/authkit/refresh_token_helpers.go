package authkit

import (
	"crypto/sha256"
	"encoding/base64"
)

// fingerprintRefreshToken derives the value persisted on the user record.
func fingerprintRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
