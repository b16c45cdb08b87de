// ABOUTME: API key generation, hashing and verification for worker and client authentication.
// ABOUTME: Keys are opaque strings (bq_ prefix + random bytes). Only sha256 is configured.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// APIKeyPrefix is the human-readable prefix on all batchq API keys.
const APIKeyPrefix = "bq_"

// GenerateAPIKey creates a new API key. Returns the raw key (shown to the
// operator once), the sha256 hex hash (put in API_KEY_HASHES), and any error.
func GenerateAPIKey() (rawKey, keyHash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	rawKey = APIKeyPrefix + hex.EncodeToString(b)
	keyHash = HashAPIKey(rawKey)
	return rawKey, keyHash, nil
}

// HashAPIKey returns the sha256 hex hash of rawKey.
func HashAPIKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// KeySet verifies presented keys against a fixed set of hashes.
type KeySet struct {
	hashes [][]byte
}

// NewKeySet builds a KeySet from hex hashes. Blank entries are skipped and
// case is normalized.
func NewKeySet(hashes []string) *KeySet {
	ks := &KeySet{}
	for _, h := range hashes {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		ks.hashes = append(ks.hashes, []byte(h))
	}
	return ks
}

// Empty reports whether no keys are configured.
func (ks *KeySet) Empty() bool { return len(ks.hashes) == 0 }

// Verify reports whether rawKey hashes to one of the configured hashes.
// Every hash is compared so timing does not reveal which one matched.
func (ks *KeySet) Verify(rawKey string) bool {
	if !strings.HasPrefix(rawKey, APIKeyPrefix) {
		return false
	}
	got := []byte(HashAPIKey(rawKey))
	match := 0
	for _, h := range ks.hashes {
		match |= subtle.ConstantTimeCompare(got, h)
	}
	return match == 1
}
