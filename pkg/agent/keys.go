package agent

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// KeyPrefixString prefixes every issued API key.
const KeyPrefixString = "tg_"

// keyDigestInfo domain-separates the credential KDF from any other HKDF use
// of the same pepper.
const keyDigestInfo = "tollgate/agent-api-key/v1"

// Hasher derives storage digests from presented API keys. The pepper is a
// server-side secret: a dump of the agents table alone is not enough to
// verify candidate keys offline.
type Hasher struct {
	pepper []byte
}

// NewHasher builds a Hasher around the server pepper.
func NewHasher(pepper []byte) *Hasher {
	return &Hasher{pepper: pepper}
}

// Digest maps a presented key to its stored digest, deterministically.
func (h *Hasher) Digest(apiKey string) string {
	r := hkdf.New(sha256.New, []byte(apiKey), h.pepper, []byte(keyDigestInfo))
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		// HKDF over SHA-256 cannot fail for a 32-byte read.
		panic(fmt.Sprintf("agent: hkdf read: %v", err))
	}
	return hex.EncodeToString(out)
}

// GenerateKey mints a fresh API key. It returns the plaintext (shown to the
// caller exactly once), its digest, and the display prefix kept for
// identifying the key in listings.
func (h *Hasher) GenerateKey() (plaintext, digest, prefix string, err error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", "", "", fmt.Errorf("agent: generate key: %w", err)
	}
	plaintext = KeyPrefixString + base64.RawURLEncoding.EncodeToString(secret)
	return plaintext, h.Digest(plaintext), DisplayPrefix(plaintext), nil
}

// DisplayPrefix returns the short identifying prefix of a key, safe to store
// and show.
func DisplayPrefix(apiKey string) string {
	const visible = len(KeyPrefixString) + 8
	if len(apiKey) < visible {
		return apiKey
	}
	return apiKey[:visible]
}

// WellFormed reports whether a presented credential even looks like one of
// ours, letting handlers distinguish garbage from a wrong key early.
func WellFormed(apiKey string) bool {
	return strings.HasPrefix(apiKey, KeyPrefixString) && len(apiKey) > len(KeyPrefixString)
}
