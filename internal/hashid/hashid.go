// Package hashid defines the 32-byte opaque identifier used throughout
// cryptsync for block hashes, object/directory ids, KDF salts and hashes,
// and encrypted directory version numbers, plus the SHA-3 primitives used
// to compute them.
package hashid

import (
	"crypto/hmac"
	"crypto/subtle"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/sha3"
)

// Size is the fixed length of a HashId in bytes.
const Size = 32

// HashId is an opaque 32-byte identifier. It has no structure beyond its
// bytes; block HMACs, object/directory ids, KDF salts and hashes, and
// encrypted directory version numbers are all represented this way.
type HashId [Size]byte

// Zero is the all-zero HashId. It is reserved to name the KDF list
// directory and must never be used as an ordinary block or object
// identifier.
var Zero HashId

// IsZero reports whether h is the reserved all-zero identifier.
func (h HashId) IsZero() bool {
	return h == Zero
}

// String renders h as lowercase hex.
func (h HashId) String() string {
	return hex.EncodeToString(h[:])
}

// GoString prevents accidental %#v leakage from printing anything other
// than the hex rendering; HashIds are not secret on their own (they are
// hashes), but keeping one rendering avoids surprises when a HashId is
// embedded in a larger struct with a custom GoString.
func (h HashId) GoString() string {
	return "hashid.HashId(" + h.String() + ")"
}

// Equal reports whether a and b are the same identifier, compared in
// constant time per spec.md §9's timing-safety guidance.
func Equal(a, b HashId) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// Random fills a HashId with bytes read from r.
func Random(r io.Reader) (HashId, error) {
	var h HashId
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return HashId{}, err
	}
	return h, nil
}

// Sha3_256 returns the SHA-3-256 digest of data as a HashId.
func Sha3_256(data []byte) HashId {
	var h HashId
	d := sha3.Sum256(data)
	copy(h[:], d[:])
	return h
}

// HmacSecret is the keying material used for the keyed-HMAC variant of
// SHA-3-256 that identifies blocks (spec.md §4.1). It is a thin wrapper so
// call sites can't accidentally pass a bare passphrase where a derived
// secret is required.
type HmacSecret []byte

// NewHmac returns an HmacHash computing HMAC-SHA3-256 under secret. Callers
// write data to it and call Sum() to obtain the resulting HashId.
func NewHmac(secret HmacSecret) *HmacHash {
	return &HmacHash{h: hmac.New(sha3.New256, secret)}
}

// HmacHash is an incremental HMAC-SHA3-256 computation yielding a HashId.
type HmacHash struct {
	h interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
	}
}

// Write feeds more data into the running HMAC.
func (hh *HmacHash) Write(p []byte) (int, error) {
	return hh.h.Write(p)
}

// Sum finalizes the HMAC and returns it as a HashId. The HmacHash must not
// be reused after calling Sum.
func (hh *HmacHash) Sum() HashId {
	var out HashId
	copy(out[:], hh.h.Sum(nil))
	return out
}

// Hmac computes HMAC-SHA3-256(secret, data) in one call.
func Hmac(secret HmacSecret, data []byte) HashId {
	hh := NewHmac(secret)
	hh.Write(data)
	return hh.Sum()
}

// Xor returns the byte-wise exclusive-or of a and b, used as the
// master-key one-time-pad wrap (§4.3.2).
func Xor(a, b HashId) HashId {
	var out HashId
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}
