package signing

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Verifier checks detached request signatures against the key registry.
type Verifier struct {
	registry *Registry
	nonces   NonceStore
	maxSkew  time.Duration
}

// DefaultMaxSkew bounds how far a request timestamp may drift from server
// time in either direction.
const DefaultMaxSkew = 5 * time.Minute

// NewVerifier wires a verifier. maxSkew <= 0 selects DefaultMaxSkew.
func NewVerifier(registry *Registry, nonces NonceStore, maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Verifier{registry: registry, nonces: nonces, maxSkew: maxSkew}
}

// Request carries the signed parts of an inbound call.
type Request struct {
	Method        string
	Path          string
	Host          string
	ClientID      string
	Timestamp     string // unix seconds, as sent
	Nonce         string
	ContentDigest string // sha-256 of the body, hex
}

// CanonicalString builds the exact byte string both sides sign: the method,
// path and host followed by the fixed header set, one field per line.
func CanonicalString(r Request) string {
	return strings.Join([]string{
		strings.ToUpper(r.Method),
		r.Path,
		strings.ToLower(r.Host),
		r.ClientID,
		r.Timestamp,
		r.Nonce,
		r.ContentDigest,
	}, "\n")
}

// DigestBody hashes a request body for the content-digest field.
func DigestBody(body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("%x", sum)
}

// Verify checks one signed request end to end: key lookup, client binding,
// timestamp window, signature, then nonce claim. The nonce is burned last so
// a request failing any earlier check does not consume it.
func (v *Verifier) Verify(ctx context.Context, req Request, signatureB64, keyID string) error {
	rec, pub, ok := v.registry.Lookup(keyID)
	if !ok {
		return fmt.Errorf("signing: unknown or inactive key %q", keyID)
	}
	if rec.ClientID != req.ClientID {
		return fmt.Errorf("signing: key %q is not bound to client %q", keyID, req.ClientID)
	}

	ts, err := strconv.ParseInt(req.Timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("signing: bad timestamp %q", req.Timestamp)
	}
	if drift := time.Since(time.Unix(ts, 0)); drift > v.maxSkew || drift < -v.maxSkew {
		return fmt.Errorf("signing: timestamp outside the permitted window")
	}

	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("signing: signature is not valid base64: %w", err)
	}
	if err := verifyBytes(pub, []byte(CanonicalString(req)), sig); err != nil {
		return err
	}

	if req.Nonce == "" {
		return fmt.Errorf("signing: missing nonce")
	}
	fresh, err := v.nonces.Claim(ctx, req.Nonce, v.maxSkew*2)
	if err != nil {
		return err
	}
	if !fresh {
		return fmt.Errorf("signing: nonce already used")
	}
	return nil
}

// VerifyDetached is the raw hook for callers that already hold the canonical
// string: no timestamp or nonce handling, just key lookup plus signature.
func (v *Verifier) VerifyDetached(canonicalString, signatureB64, keyID string) error {
	_, pub, ok := v.registry.Lookup(keyID)
	if !ok {
		return fmt.Errorf("signing: unknown or inactive key %q", keyID)
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("signing: signature is not valid base64: %w", err)
	}
	return verifyBytes(pub, []byte(canonicalString), sig)
}

func verifyBytes(pub crypto.PublicKey, msg, sig []byte) error {
	switch pk := pub.(type) {
	case ed25519.PublicKey:
		if !ed25519.Verify(pk, msg, sig) {
			return fmt.Errorf("signing: ed25519 verification failed")
		}
		return nil
	case *rsa.PublicKey:
		hash := sha256.Sum256(msg)
		if err := rsa.VerifyPKCS1v15(pk, crypto.SHA256, hash[:], sig); err != nil {
			return fmt.Errorf("signing: rsa verification failed: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("signing: unsupported key type %T", pub)
	}
}
