// Package signing verifies detached request signatures from remote callers.
// Callers sign a canonical string covering the request method, path, host
// and a fixed header set; keys live in an externally managed registry and
// nonces are single-use.
package signing

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Key statuses. Only active keys verify.
const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
)

// KeyRecord is one registered signing key.
type KeyRecord struct {
	KID       string `yaml:"kid" json:"kid"`
	ClientID  string `yaml:"client_id" json:"client_id"`
	PublicKey string `yaml:"public_key" json:"-"` // PEM
	Status    string `yaml:"status" json:"status"`

	parsed crypto.PublicKey
}

// Registry holds the known signing keys, keyed by kid.
type Registry struct {
	mu   sync.RWMutex
	keys map[string]*KeyRecord
}

type registryFile struct {
	Keys []*KeyRecord `yaml:"keys"`
}

// NewRegistry builds a registry from records, parsing each PEM key.
func NewRegistry(records []*KeyRecord) (*Registry, error) {
	r := &Registry{keys: make(map[string]*KeyRecord, len(records))}
	for _, rec := range records {
		if rec.KID == "" {
			return nil, fmt.Errorf("signing: key record without kid")
		}
		pub, err := parsePublicKey(rec.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("signing: key %s: %w", rec.KID, err)
		}
		rec.parsed = pub
		r.keys[rec.KID] = rec
	}
	return r, nil
}

// LoadRegistry reads a YAML key registry from path.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signing: read registry: %w", err)
	}
	var f registryFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("signing: parse registry: %w", err)
	}
	return NewRegistry(f.Keys)
}

// Lookup returns the active key for kid. Revoked and unknown kids both come
// back as a plain miss so callers cannot distinguish them.
func (r *Registry) Lookup(kid string) (*KeyRecord, crypto.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.keys[kid]
	if !ok || rec.Status != StatusActive {
		return nil, nil, false
	}
	return rec, rec.parsed, true
}

// Revoke marks a key revoked in place.
func (r *Registry) Revoke(kid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.keys[kid]
	if !ok {
		return false
	}
	rec.Status = StatusRevoked
	return true
}

func parsePublicKey(pemData string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKIX key: %w", err)
	}
	switch pub.(type) {
	case ed25519.PublicKey, *rsa.PublicKey:
		return pub, nil
	default:
		return nil, fmt.Errorf("unsupported key type %T", pub)
	}
}
