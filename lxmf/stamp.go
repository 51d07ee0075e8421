package lxmf

import (
	"crypto/sha256"
	"encoding/binary"
	"math/bits"

	"github.com/cvsouth/reticulum-go/rnscrypto"
)

// Workblock sizing (spec §4.7): the message hash is expanded through
// 10 rounds into a 2560-byte buffer driving stamp search.
const (
	workblockRounds    = 10
	workblockRoundSize = 256
	// WorkblockLen is the expanded search buffer length.
	WorkblockLen = workblockRounds * workblockRoundSize
)

// Workblock derives the stamp search buffer from a message hash. Each
// round expands the previous round's leading 32 bytes with
// HKDF-SHA256, salted by the message hash; search and validation use
// the same derivation.
func Workblock(messageHash [32]byte) []byte {
	provider := rnscrypto.Default()
	block := make([]byte, 0, WorkblockLen)
	material := messageHash[:]
	for i := 0; i < workblockRounds; i++ {
		round, err := provider.HKDFSHA256(material, messageHash[:], []byte("stamp"), workblockRoundSize)
		if err != nil {
			// HKDF over fixed-length inputs cannot fail; keep the
			// derivation total regardless.
			round = make([]byte, workblockRoundSize)
		}
		block = append(block, round...)
		material = round[:32]
	}
	return block
}

// leadingZeroBits counts zero bits from the front of b.
func leadingZeroBits(b []byte) int {
	n := 0
	for _, v := range b {
		if v == 0 {
			n += 8
			continue
		}
		return n + bits.LeadingZeros8(v)
	}
	return n
}

// StampValue returns the difficulty a stamp achieves against a
// message hash: the leading zero bits of SHA256(hash || stamp).
func StampValue(messageHash [32]byte, stamp []byte) int {
	h := sha256.New()
	h.Write(messageHash[:])
	h.Write(stamp)
	return leadingZeroBits(h.Sum(nil))
}

// ValidateStamp reports whether stamp satisfies the target cost for
// messageHash (spec §8 invariant 6).
func ValidateStamp(messageHash [32]byte, stamp []byte, cost int) bool {
	if len(stamp) != StampLen {
		return false
	}
	return StampValue(messageHash, stamp) >= cost
}

// GenerateStamp searches for a stamp meeting the target cost.
// Candidates are drawn deterministically from the workblock and a
// counter, so any two conforming implementations explore the same
// sequence. maxRounds bounds the search; 0 means unbounded.
func GenerateStamp(messageHash [32]byte, cost int, maxRounds uint64) ([]byte, bool) {
	workblock := Workblock(messageHash)
	var counter [8]byte
	for round := uint64(0); maxRounds == 0 || round < maxRounds; round++ {
		binary.BigEndian.PutUint64(counter[:], round)
		h := sha256.New()
		h.Write(workblock)
		h.Write(counter[:])
		stamp := h.Sum(nil)
		if StampValue(messageHash, stamp) >= cost {
			return stamp, true
		}
	}
	return nil, false
}
