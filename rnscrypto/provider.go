// Package rnscrypto is the CryptoProvider/Compressor façade the core
// consumes instead of calling cryptographic primitives directly (spec
// §1, §6): X25519, Ed25519, HKDF-SHA256, AES-256-CBC, HMAC-SHA256,
// SHA-256, and a BZ2-class compression capability. The default
// adapters are built from the same stack the teacher repo uses for
// its own ntor handshake and descriptor crypto.
package rnscrypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Provider is the capability the core uses for all cryptographic
// primitives. A conforming transport/host wires a concrete
// implementation in; Default() returns the stdlib/x-crypto backed one.
type Provider interface {
	GenerateX25519() (priv, pub [32]byte, err error)
	X25519(priv, peerPub [32]byte) ([32]byte, error)
	GenerateEd25519() (pub ed25519.PublicKey, priv ed25519.PrivateKey, err error)
	Ed25519Sign(priv ed25519.PrivateKey, msg []byte) []byte
	Ed25519Verify(pub ed25519.PublicKey, msg, sig []byte) bool
	SHA256(data []byte) [32]byte
	HMACSHA256(key, data []byte) []byte
	HKDFSHA256(secret, salt, info []byte, length int) ([]byte, error)
}

type stdProvider struct{}

// Default returns the standard CryptoProvider adapter, built from
// crypto/ed25519, crypto/sha256, crypto/hmac and
// golang.org/x/crypto/{curve25519,hkdf} — the same primitives the
// teacher's ntor handshake uses.
func Default() Provider { return stdProvider{} }

func (stdProvider) GenerateX25519() (priv, pub [32]byte, err error) {
	if _, err = io.ReadFull(crand.Reader, priv[:]); err != nil {
		return priv, pub, fmt.Errorf("rnscrypto: generate X25519 key: %w", err)
	}
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("rnscrypto: derive X25519 public key: %w", err)
	}
	copy(pub[:], pubSlice)
	return priv, pub, nil
}

func (stdProvider) X25519(priv, peerPub [32]byte) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return out, fmt.Errorf("rnscrypto: X25519 ECDH: %w", err)
	}
	copy(out[:], shared)
	return out, nil
}

func (stdProvider) GenerateEd25519() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(nil)
}

func (stdProvider) Ed25519Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

func (stdProvider) Ed25519Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}

func (stdProvider) SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

func (stdProvider) HMACSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func (stdProvider) HKDFSHA256(secret, salt, info []byte, length int) ([]byte, error) {
	kdf := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("rnscrypto: HKDF-SHA256: %w", err)
	}
	return out, nil
}
