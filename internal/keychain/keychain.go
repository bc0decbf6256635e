// Package keychain defines MasterKey, InternalKey, and KeyChain: the key
// material that the cipher envelope (internal/envelope) and key management
// layer (internal/keymgmt) build on top of (spec.md §3).
package keychain

import (
	"fmt"
	"io"

	"cryptsync/internal/hashid"
)

// Everyone and Root are the built-in group names that exist in every
// KeyChain and KdfEntry from the moment a KdfList is initialized; neither
// can be destroyed, and Everyone cannot be disassociated from an entry
// (spec.md §4.4).
const (
	Everyone = "everyone"
	Root     = "root"
)

// MasterKey is 32 bytes of key material split into two AES-128 halves: the
// directory half (encrypts directory payloads and version numbers) and the
// object half (encrypts object payloads). The full 32 bytes double as the
// HMAC secret for the block layer (spec.md §3).
//
// MasterKey's String/GoString deliberately never show the key bytes
// themselves — only their SHA-3-256 digest — so that logging a value
// holding a MasterKey by accident cannot leak it (spec.md §9).
type MasterKey hashid.HashId

// InternalKey shares MasterKey's shape: it is a group's 32 bytes of key
// material, XOR-wrapped against a derived key inside a KdfEntry
// (master_diff, spec.md §4.3.2) rather than stored directly. It is not
// itself a MasterKey (the two are never mixed up at the type level) but
// the same directory-half/object-half split applies to it wherever the
// cipher envelope needs a key to work with.
type InternalKey hashid.HashId

// DirectoryHalf returns the first 16 bytes of k, the AES-128 key used for
// directory payloads and directory version numbers.
func (k MasterKey) DirectoryHalf() []byte {
	return k[:16]
}

// ObjectHalf returns the last 16 bytes of k, the AES-128 key used for
// object payloads.
func (k MasterKey) ObjectHalf() []byte {
	return k[16:]
}

// HmacSecret returns the full 32 bytes of k for use as the block layer's
// HMAC secret.
func (k MasterKey) HmacSecret() hashid.HmacSecret {
	return hashid.HmacSecret(k[:])
}

// String never renders key material; only the SHA-3-256 digest of it, so
// that %v/%s formatting of a value embedding a MasterKey cannot leak the
// key (spec.md §9).
func (k MasterKey) String() string {
	return fmt.Sprintf("MasterKey{sha3=%s}", hashid.Sha3_256(k[:]))
}

// GoString matches String's redaction for %#v formatting.
func (k MasterKey) GoString() string {
	return k.String()
}

// DirectoryHalf returns the first 16 bytes of k.
func (k InternalKey) DirectoryHalf() []byte {
	return k[:16]
}

// ObjectHalf returns the last 16 bytes of k.
func (k InternalKey) ObjectHalf() []byte {
	return k[16:]
}

// HmacSecret returns the full 32 bytes of k for use as the block layer's
// HMAC secret when operating under this group's key.
func (k InternalKey) HmacSecret() hashid.HmacSecret {
	return hashid.HmacSecret(k[:])
}

// String never renders key material; see MasterKey.String.
func (k InternalKey) String() string {
	return fmt.Sprintf("InternalKey{sha3=%s}", hashid.Sha3_256(k[:]))
}

// GoString matches String's redaction for %#v formatting.
func (k InternalKey) GoString() string {
	return k.String()
}

// Xor returns the byte-wise exclusive-or of two InternalKeys, used for the
// master_diff one-time-pad wrap (spec.md §4.3.2).
func Xor(a, b InternalKey) InternalKey {
	return InternalKey(hashid.Xor(hashid.HashId(a), hashid.HashId(b)))
}

// NewMasterKey generates a fresh random MasterKey from r.
func NewMasterKey(r io.Reader) (MasterKey, error) {
	h, err := hashid.Random(r)
	if err != nil {
		return MasterKey{}, fmt.Errorf("keychain: generate master key: %w", err)
	}
	return MasterKey(h), nil
}

// NewInternalKey generates a fresh random InternalKey from r.
func NewInternalKey(r io.Reader) (InternalKey, error) {
	h, err := hashid.Random(r)
	if err != nil {
		return InternalKey{}, fmt.Errorf("keychain: generate internal key: %w", err)
	}
	return InternalKey(h), nil
}

// KeyChain maps group name to the InternalKey that group was wrapped
// under. Every KeyChain returned by key derivation or generated fresh by
// init_keys carries at least Everyone and Root (spec.md §3 invariant 3).
type KeyChain map[string]InternalKey

// NewKeyChain generates a fresh KeyChain containing exactly the built-in
// groups Everyone and Root, each with its own freshly generated
// InternalKey.
func NewKeyChain(r io.Reader) (KeyChain, error) {
	everyone, err := NewInternalKey(r)
	if err != nil {
		return nil, err
	}
	root, err := NewInternalKey(r)
	if err != nil {
		return nil, err
	}
	return KeyChain{
		Everyone: everyone,
		Root:     root,
	}, nil
}

// Clone returns a shallow copy of c; InternalKey is a value type so this
// is a full copy.
func (c KeyChain) Clone() KeyChain {
	out := make(KeyChain, len(c))
	for name, key := range c {
		out[name] = key
	}
	return out
}

// Equal reports whether c and other carry identical group sets with
// identical keys — group-wise equality, per spec.md scenario E4 ("both
// passphrases derive the same KeyChain by group-wise equality").
func (c KeyChain) Equal(other KeyChain) bool {
	if len(c) != len(other) {
		return false
	}
	for name, key := range c {
		otherKey, ok := other[name]
		if !ok || key != otherKey {
			return false
		}
	}
	return true
}

// HasGroups reports whether c carries every name in names.
func (c KeyChain) HasGroups(names []string) bool {
	for _, name := range names {
		if _, ok := c[name]; !ok {
			return false
		}
	}
	return true
}
