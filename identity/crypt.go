package identity

import (
	crand "crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/cvsouth/reticulum-go/rnscrypto"
)

// EncBlobMin is the smallest valid encrypted blob: ephemeral public
// key (32) plus the Token envelope minimum.
const EncBlobMin = 32 + rnscrypto.Overhead

// EncryptFor encrypts plaintext to the target identity's X25519 key
// using an ephemeral keypair: the output is ephPub(32) || Token blob,
// with keys derived via HKDF-SHA256 over the ECDH shared secret,
// salted with the destination hash so the same identity under two
// destinations never shares key material.
func EncryptFor(target *Identity, destHash [HashLen]byte, plaintext []byte) ([]byte, error) {
	var ephPriv [32]byte
	if _, err := io.ReadFull(crand.Reader, ephPriv[:]); err != nil {
		return nil, fmt.Errorf("identity: generate ephemeral key: %w", err)
	}
	defer clear(ephPriv[:])

	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("identity: derive ephemeral public key: %w", err)
	}
	shared, err := curve25519.X25519(ephPriv[:], target.EncPub[:])
	if err != nil {
		return nil, fmt.Errorf("identity: ECDH: %w", err)
	}

	token, err := deriveToken(shared, destHash)
	if err != nil {
		return nil, err
	}
	blob, err := token.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("identity: encrypt: %w", err)
	}

	out := make([]byte, 0, 32+len(blob))
	out = append(out, ephPub...)
	out = append(out, blob...)
	return out, nil
}

// Decrypt reverses EncryptFor using this identity's private X25519 key.
func (id *Identity) Decrypt(destHash [HashLen]byte, blob []byte) ([]byte, error) {
	if len(blob) < EncBlobMin {
		return nil, fmt.Errorf("identity: encrypted blob too short: %d bytes", len(blob))
	}
	var zero [32]byte
	if id.EncPriv == zero {
		return nil, fmt.Errorf("identity: no private encryption key (public-only identity)")
	}

	shared, err := curve25519.X25519(id.EncPriv[:], blob[:32])
	if err != nil {
		return nil, fmt.Errorf("identity: ECDH: %w", err)
	}
	token, err := deriveToken(shared, destHash)
	if err != nil {
		return nil, err
	}
	plaintext, err := token.Decrypt(blob[32:])
	if err != nil {
		return nil, fmt.Errorf("identity: decrypt: %w", err)
	}
	return plaintext, nil
}

func deriveToken(shared []byte, destHash [HashLen]byte) (*rnscrypto.Token, error) {
	kdf := hkdf.New(sha256.New, shared, destHash[:], []byte("data"))
	var key [rnscrypto.KeyLen]byte
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return nil, fmt.Errorf("identity: derive token keys: %w", err)
	}
	return rnscrypto.NewToken(key), nil
}
