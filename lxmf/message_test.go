package lxmf

import (
	"bytes"
	"errors"
	"testing"

	"github.com/cvsouth/reticulum-go/identity"
	"github.com/cvsouth/reticulum-go/rnserr"
)

func testIdentities(t *testing.T) (*identity.Identity, *identity.Identity) {
	t.Helper()
	src, err := identity.New()
	if err != nil {
		t.Fatal(err)
	}
	dst, err := identity.New()
	if err != nil {
		t.Fatal(err)
	}
	return src, dst
}

func TestPackUnpackRoundTrip(t *testing.T) {
	// S5: packed form is header (96) plus the MessagePack payload, and
	// the signature verifies under the source identity.
	src, dst := testIdentities(t)
	msg := New(dst.Hash(), src, []byte("subject"), []byte("hi"), map[int64]interface{}{
		FieldRenderer: RendererPlain,
		FieldThread:   []byte("thread-1"),
	}, Direct)

	packed, err := msg.Pack(src)
	if err != nil {
		t.Fatal(err)
	}
	if len(packed) <= headerLen {
		t.Fatalf("packed form is %d bytes, want > %d", len(packed), headerLen)
	}
	dstHash := dst.Hash()
	if !bytes.Equal(packed[:HashLen], dstHash[:]) {
		t.Fatal("destination hash not at the head of the packed form")
	}
	srcHash := src.Hash()
	if !bytes.Equal(packed[HashLen:2*HashLen], srcHash[:]) {
		t.Fatal("source hash not after the destination hash")
	}

	got, err := Unpack(packed, src)
	if err != nil {
		t.Fatal(err)
	}
	if got.Hash != msg.Hash {
		t.Fatalf("message hash differs: %x vs %x", got.Hash, msg.Hash)
	}
	if !bytes.Equal(got.Title, []byte("subject")) || !bytes.Equal(got.Content, []byte("hi")) {
		t.Fatalf("payload mismatch: %q / %q", got.Title, got.Content)
	}
	if got.Timestamp != msg.Timestamp {
		t.Fatalf("timestamp %v != %v", got.Timestamp, msg.Timestamp)
	}
	thread, ok := got.Fields[FieldThread].([]byte)
	if !ok || !bytes.Equal(thread, []byte("thread-1")) {
		t.Fatalf("thread field lost: %v", got.Fields[FieldThread])
	}
}

func TestEmptyPayloadDefaults(t *testing.T) {
	src, dst := testIdentities(t)
	msg := New(dst.Hash(), src, nil, nil, nil, Opportunistic)
	packed, err := msg.Pack(src)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unpack(packed, src)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Title) != 0 || len(got.Content) != 0 || len(got.Fields) != 0 {
		t.Fatalf("empty message round-tripped as %+v", got)
	}
}

func TestTamperedPayloadRejected(t *testing.T) {
	src, dst := testIdentities(t)
	msg := New(dst.Hash(), src, nil, []byte("original"), nil, Direct)
	packed, err := msg.Pack(src)
	if err != nil {
		t.Fatal(err)
	}
	packed[len(packed)-1] ^= 0x01
	if _, err := Unpack(packed, src); !errors.Is(err, rnserr.ErrCrypto) {
		t.Fatalf("tampered message: got %v, want ErrCrypto", err)
	}
}

func TestWrongSourceIdentityRejected(t *testing.T) {
	src, dst := testIdentities(t)
	other, _ := testIdentities(t)
	msg := New(dst.Hash(), src, nil, []byte("x"), nil, Direct)
	packed, err := msg.Pack(src)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Unpack(packed, other); !errors.Is(err, rnserr.ErrCrypto) {
		t.Fatalf("mismatched identity: got %v, want ErrCrypto", err)
	}
}

func TestPackRequiresMatchingSource(t *testing.T) {
	src, dst := testIdentities(t)
	other, _ := testIdentities(t)
	msg := New(dst.Hash(), src, nil, nil, nil, Direct)
	if _, err := msg.Pack(other); err == nil {
		t.Fatal("packed under the wrong identity")
	}
}

func TestWorkblockDerivation(t *testing.T) {
	var hash [32]byte
	for i := range hash {
		hash[i] = byte(i)
	}
	block := Workblock(hash)
	if len(block) != WorkblockLen {
		t.Fatalf("workblock is %d bytes, want %d", len(block), WorkblockLen)
	}
	if !bytes.Equal(block, Workblock(hash)) {
		t.Fatal("workblock derivation not deterministic")
	}
	var other [32]byte
	other[0] = 1
	if bytes.Equal(block, Workblock(other)) {
		t.Fatal("distinct hashes produced identical workblocks")
	}
}

func TestStampSearchAndValidation(t *testing.T) {
	// Invariant 6 at a cheap target: search and validation agree.
	var hash [32]byte
	hash[0] = 0xA5
	stamp, ok := GenerateStamp(hash, 4, 1<<20)
	if !ok {
		t.Fatal("no stamp found at cost 4 within the round budget")
	}
	if !ValidateStamp(hash, stamp, 4) {
		t.Fatal("generated stamp does not validate")
	}
	if ValidateStamp(hash, stamp[:StampLen-1], 4) {
		t.Fatal("short stamp validated")
	}
	if ValidateStamp(hash, stamp, 30) && StampValue(hash, stamp) < 30 {
		t.Fatal("validation ignored the cost target")
	}
}

func TestStampValueCountsLeadingZeros(t *testing.T) {
	if got := leadingZeroBits([]byte{0x00, 0x00, 0x80}); got != 16 {
		t.Fatalf("leadingZeroBits = %d, want 16", got)
	}
	if got := leadingZeroBits([]byte{0x01}); got != 7 {
		t.Fatalf("leadingZeroBits = %d, want 7", got)
	}
	if got := leadingZeroBits([]byte{0x00, 0x00}); got != 16 {
		t.Fatalf("leadingZeroBits over all-zero = %d, want 16", got)
	}
}

func FuzzUnpack(f *testing.F) {
	src, err := identity.New()
	if err != nil {
		f.Fatal(err)
	}
	var dst [HashLen]byte
	msg := New(dst, src, []byte("t"), []byte("c"), nil, Direct)
	packed, err := msg.Pack(src)
	if err != nil {
		f.Fatal(err)
	}
	f.Add(packed)
	f.Add([]byte{})
	f.Fuzz(func(t *testing.T, data []byte) {
		// Must never panic; almost all mutations fail signature checks.
		_, _ = Unpack(data, src)
	})
}
