// Package identity implements Reticulum identities: a long-lived
// X25519 + Ed25519 keypair, its public-form hash, and a process-wide
// recall cache for identities observed on the network (spec §3).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

// HashLen is the length in bytes of an identity hash.
const HashLen = 16

// PublicLen is the length of the concatenated public form: X25519 (32) + Ed25519 (32).
const PublicLen = 64

// Identity is a Reticulum identity keypair. The private halves are
// zero for identities recalled from the network (public-only).
type Identity struct {
	EncPub  [32]byte
	EncPriv [32]byte // zero if public-only
	SigPub  ed25519.PublicKey
	SigPriv ed25519.PrivateKey // nil if public-only
}

// New generates a fresh owned identity with both private halves present.
func New() (*Identity, error) {
	var encPriv [32]byte
	if _, err := rand.Read(encPriv[:]); err != nil {
		return nil, fmt.Errorf("identity: generate X25519 key: %w", err)
	}
	encPub, err := curve25519.X25519(encPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("identity: derive X25519 public key: %w", err)
	}

	sigPub, sigPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("identity: generate Ed25519 key: %w", err)
	}

	id := &Identity{SigPub: sigPub, SigPriv: sigPriv}
	copy(id.EncPub[:], encPub)
	copy(id.EncPriv[:], encPriv[:])
	return id, nil
}

// Close zeroes the private key material. Safe to call on public-only identities.
func (id *Identity) Close() {
	clear(id.EncPriv[:])
	for i := range id.SigPriv {
		id.SigPriv[i] = 0
	}
}

// Public returns the 64-byte concatenated public form: EncPub || SigPub.
func (id *Identity) Public() [PublicLen]byte {
	var out [PublicLen]byte
	copy(out[0:32], id.EncPub[:])
	copy(out[32:64], id.SigPub)
	return out
}

// FromPublic builds a public-only identity from its 64-byte public
// form, validating that the Ed25519 half decodes as a curve point. The
// X25519 half is taken as is.
func FromPublic(pub [PublicLen]byte) (*Identity, error) {
	var encPub [32]byte
	copy(encPub[:], pub[0:32])
	sigPub := ed25519.PublicKey(append([]byte(nil), pub[32:64]...))

	if _, err := new(edwards25519.Point).SetBytes(sigPub); err != nil {
		return nil, fmt.Errorf("identity: invalid Ed25519 point: %w", err)
	}

	return &Identity{EncPub: encPub, SigPub: sigPub}, nil
}

// Hash returns the first 16 bytes of SHA-256 over the identity's public form.
func (id *Identity) Hash() [HashLen]byte {
	pub := id.Public()
	full := sha256.Sum256(pub[:])
	var h [HashLen]byte
	copy(h[:], full[:HashLen])
	return h
}

// Sign signs message with the identity's Ed25519 private key.
func (id *Identity) Sign(message []byte) ([]byte, error) {
	if id.SigPriv == nil {
		return nil, fmt.Errorf("identity: no private signing key (public-only identity)")
	}
	return ed25519.Sign(id.SigPriv, message), nil
}

// Verify verifies a signature against the identity's Ed25519 public key.
func (id *Identity) Verify(message, signature []byte) bool {
	return ed25519.Verify(id.SigPub, message, signature)
}

// Cache is a process-wide, concurrency-safe store of identities
// recalled from the network, keyed by destination hash (spec §5:
// "read-heavy, concurrent readers with exclusive writers").
type Cache struct {
	mu    sync.RWMutex
	byKey map[[HashLen]byte]*Identity
}

// NewCache creates an empty identity cache.
func NewCache() *Cache {
	return &Cache{byKey: make(map[[HashLen]byte]*Identity)}
}

// Remember records a (public-only or owned) identity under key, idempotently.
func (c *Cache) Remember(key [HashLen]byte, id *Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey[key] = id
}

// Recall returns the identity stored under key, if any.
func (c *Cache) Recall(key [HashLen]byte) (*Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byKey[key]
	return id, ok
}

// Forget removes an identity the cache no longer needs to track. Owner
// identities are destroyed by the caller, never by the cache.
func (c *Cache) Forget(key [HashLen]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byKey, key)
}
