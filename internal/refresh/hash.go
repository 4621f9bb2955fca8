package refresh

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const secretBytes = 32

// Hasher derives the stored lookup hash of a refresh secret: HMAC-SHA256 when a
// key is configured, plain SHA-256 otherwise. Both are lowercase hex.
type Hasher struct {
	key []byte
}

func NewHasher(key []byte) Hasher {
	return Hasher{key: key}
}

func (h Hasher) Hash(raw string) string {
	if len(h.key) == 0 {
		sum := sha256.Sum256([]byte(raw))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

func newSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate refresh secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
