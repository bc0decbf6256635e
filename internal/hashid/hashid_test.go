package hashid

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestZeroIsReserved(t *testing.T) {
	var h HashId
	if !h.IsZero() {
		t.Fatalf("default HashId should be zero")
	}
	if !Zero.IsZero() {
		t.Fatalf("Zero should be zero")
	}
}

func TestRandomProducesDistinctValues(t *testing.T) {
	a, err := Random(rand.Reader)
	if err != nil {
		t.Fatalf("Random() failed: %v", err)
	}
	b, err := Random(rand.Reader)
	if err != nil {
		t.Fatalf("Random() second call failed: %v", err)
	}
	if a == b {
		t.Fatalf("two consecutive Random() calls produced identical ids (highly unlikely)")
	}
	if a.IsZero() || b.IsZero() {
		t.Fatalf("random id came back zero")
	}
}

func TestSha3_256KnownEmpty(t *testing.T) {
	// SHA3-256("") per FIPS 202 test vectors.
	want := "a7ffc6f8bf1ed76651c14756a061d662f580ff4de43b49fa82d80a4b80f8434"
	got := Sha3_256(nil).String()
	if got != want {
		t.Fatalf("Sha3_256(empty) = %s, want %s", got, want)
	}
}

func TestHmacDeterministic(t *testing.T) {
	secret := HmacSecret("k")
	h1 := Hmac(secret, []byte("hello"))
	h2 := Hmac(secret, []byte("hello"))
	if h1 != h2 {
		t.Fatalf("HMAC of the same input/secret should be deterministic")
	}

	h3 := Hmac(HmacSecret("other"), []byte("hello"))
	if h1 == h3 {
		t.Fatalf("HMAC under different secrets should differ")
	}
}

func TestHmacIncrementalMatchesOneShot(t *testing.T) {
	secret := HmacSecret("k")
	oneShot := Hmac(secret, []byte("hello world"))

	hh := NewHmac(secret)
	hh.Write([]byte("hello"))
	hh.Write([]byte(" world"))
	incremental := hh.Sum()

	if oneShot != incremental {
		t.Fatalf("incremental HMAC should match one-shot HMAC")
	}
}

func TestXorRoundTrips(t *testing.T) {
	a, _ := Random(rand.Reader)
	b, _ := Random(rand.Reader)
	xored := Xor(a, b)
	back := Xor(xored, b)
	if back != a {
		t.Fatalf("Xor(Xor(a,b),b) should equal a")
	}
}

func TestEqualConstantTime(t *testing.T) {
	a, _ := Random(rand.Reader)
	b := a
	if !Equal(a, b) {
		t.Fatalf("Equal should report equal ids as equal")
	}
	b[0] ^= 0xff
	if Equal(a, b) {
		t.Fatalf("Equal should report differing ids as unequal")
	}
}

func TestGoStringDoesNotPanic(t *testing.T) {
	var h HashId
	s := h.GoString()
	if !bytes.Contains([]byte(s), []byte(h.String())) {
		t.Fatalf("GoString should contain hex rendering")
	}
}
