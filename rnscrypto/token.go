package rnscrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
)

// Token implements the Fernet-variant symmetric envelope Links and
// Resources use for everything after the handshake: AES-256-CBC
// encryption under an HMAC-SHA256 integrity tag, laid out as
// IV(16) || ciphertext (PKCS7-padded) || HMAC(32) — 48 bytes of fixed
// overhead plus AES block padding (spec §8 invariant 3), verified
// MAC-then-decrypt the same way onion.DecryptDescriptorLayer orders
// its MAC check before the AES-CTR XOR.
type Token struct {
	encKey [32]byte
	macKey [32]byte
}

// KeyLen is the length of the combined key material: encKey(32) || macKey(32).
const KeyLen = 64

// IVLen is the AES block size used as the CBC initialization vector length.
const IVLen = aes.BlockSize

// MACLen is the HMAC-SHA256 tag length.
const MACLen = sha256.Size

// Overhead is the fixed (non-padding) byte cost of a Token-wrapped message.
const Overhead = IVLen + MACLen

// NewToken builds a Token from 64 bytes of key material: encKey || macKey.
func NewToken(key [KeyLen]byte) *Token {
	t := &Token{}
	copy(t.encKey[:], key[:32])
	copy(t.macKey[:], key[32:64])
	return t
}

// Encrypt encrypts plaintext under a freshly generated random IV.
func (t *Token) Encrypt(plaintext []byte) ([]byte, error) {
	var iv [IVLen]byte
	if _, err := io.ReadFull(crand.Reader, iv[:]); err != nil {
		return nil, fmt.Errorf("token: generate IV: %w", err)
	}
	return t.EncryptWithIV(plaintext, iv)
}

// EncryptWithIV encrypts plaintext under the given IV (for deterministic tests).
func (t *Token) EncryptWithIV(plaintext []byte, iv [IVLen]byte) ([]byte, error) {
	block, err := aes.NewCipher(t.encKey[:])
	if err != nil {
		return nil, fmt.Errorf("token: AES cipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(ciphertext, padded)

	out := make([]byte, 0, IVLen+len(ciphertext)+MACLen)
	out = append(out, iv[:]...)
	out = append(out, ciphertext...)

	mac := t.mac(out)
	out = append(out, mac...)
	return out, nil
}

// Decrypt verifies the HMAC tag and decrypts a Token-wrapped blob.
func (t *Token) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < Overhead {
		return nil, fmt.Errorf("token: blob too short: %d bytes", len(blob))
	}
	body := blob[:len(blob)-MACLen]
	tag := blob[len(blob)-MACLen:]

	expected := t.mac(body)
	if subtle.ConstantTimeCompare(expected, tag) != 1 {
		return nil, fmt.Errorf("token: HMAC verification failed")
	}

	iv := body[:IVLen]
	ciphertext := body[IVLen:]
	if len(ciphertext)%aes.BlockSize != 0 || len(ciphertext) == 0 {
		return nil, fmt.Errorf("token: ciphertext not a multiple of the block size")
	}

	block, err := aes.NewCipher(t.encKey[:])
	if err != nil {
		return nil, fmt.Errorf("token: AES cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext)
}

func (t *Token) mac(data []byte) []byte {
	h := hmac.New(sha256.New, t.macKey[:])
	h.Write(data)
	return h.Sum(nil)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("token: empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, fmt.Errorf("token: invalid PKCS7 padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("token: invalid PKCS7 padding")
		}
	}
	return data[:len(data)-padLen], nil
}
