package kdf

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"

	"cryptsync/internal/hashid"
	"cryptsync/internal/keychain"
)

// MaxBlobSize and MaxEntries are the wire-format limits from spec.md §6:
// a serialized KdfList may be at most 16 MiB and carry at most 65536
// entries.
const (
	MaxBlobSize = 16 << 20
	MaxEntries  = 65536
)

// ErrBlobTooLarge and ErrTooManyEntries enforce the wire-format limits.
var (
	ErrBlobTooLarge   = errors.New("kdf: serialized KdfList exceeds the maximum blob size")
	ErrTooManyEntries = errors.New("kdf: KdfList exceeds the maximum entry count")
)

// timestamp is the wire encoding of a UTC instant: {[1] seconds_i64,
// [2] nanos_u32}, matching spec.md §6.
type timestamp struct {
	Seconds int64  `cbor:"1,keyasint"`
	Nanos   uint32 `cbor:"2,keyasint"`
}

func toTimestamp(t time.Time) timestamp {
	u := t.UTC()
	return timestamp{Seconds: u.Unix(), Nanos: uint32(u.Nanosecond())}
}

func (ts timestamp) toTime() time.Time {
	return time.Unix(ts.Seconds, int64(ts.Nanos)).UTC()
}

// entryWire is the in-memory shape of a single KdfEntry's known fields,
// used as a staging point between KdfEntry and the tag-keyed raw map that
// is actually put on the wire (marshalEntryRaw/unmarshalEntryRaw below).
// It resolves spec.md §9 open question 1 (the reference schema's single
// master_diff field versus §4.4's per-group wrap requirement) by encoding
// groups as tag [7], a map from group name to wrapped InternalKey, rather
// than a singular HashId. Tags this build doesn't recognize are preserved
// verbatim alongside it and re-emitted unchanged on the next save.
type entryWire struct {
	Created   timestamp
	Updated   *timestamp
	Used      *timestamp
	Algorithm string
	Salt      hashid.HashId
	Hash      hashid.HashId
	Groups    map[string]keychain.InternalKey
}

// KdfEntry is one row in the registry, keyed by name in KdfList.Keys
// (spec.md §3).
type KdfEntry struct {
	Created   time.Time
	Updated   *time.Time
	Used      *time.Time
	Algorithm string
	Salt      hashid.HashId
	Hash      hashid.HashId
	Groups    map[string]keychain.InternalKey

	// unknown preserves any entry-level wire tags this build doesn't
	// understand, so they round-trip unchanged on rewrite.
	unknown map[uint64]cbor.RawMessage
}

// KdfList is the full registry: entry name to KdfEntry, plus whatever
// top-level tags an unrecognized future encoding may have added.
type KdfList struct {
	Keys map[string]*KdfEntry

	// unknown preserves top-level wire tags other than [1] keys.
	unknown map[uint64]cbor.RawMessage
}

// NewKdfList returns an empty KdfList, ready to have entries added.
func NewKdfList() *KdfList {
	return &KdfList{Keys: map[string]*KdfEntry{}}
}

func entryToWire(e *KdfEntry) entryWire {
	w := entryWire{
		Created:   toTimestamp(e.Created),
		Algorithm: e.Algorithm,
		Salt:      e.Salt,
		Hash:      e.Hash,
		Groups:    e.Groups,
	}
	if e.Updated != nil {
		ts := toTimestamp(*e.Updated)
		w.Updated = &ts
	}
	if e.Used != nil {
		ts := toTimestamp(*e.Used)
		w.Used = &ts
	}
	return w
}

func wireToEntry(w entryWire, unknown map[uint64]cbor.RawMessage) *KdfEntry {
	e := &KdfEntry{
		Created:   w.Created.toTime(),
		Algorithm: w.Algorithm,
		Salt:      w.Salt,
		Hash:      w.Hash,
		Groups:    w.Groups,
		unknown:   unknown,
	}
	if w.Updated != nil {
		t := w.Updated.toTime()
		e.Updated = &t
	}
	if w.Used != nil {
		t := w.Used.toTime()
		e.Used = &t
	}
	if e.Groups == nil {
		e.Groups = map[string]keychain.InternalKey{}
	}
	return e
}

// knownEntryTags enumerates the entry tags unmarshalEntryRaw decodes into
// entryWire; anything else found in a raw map decode is stashed in the
// entry's unknown map.
var knownEntryTags = map[uint64]bool{1: true, 2: true, 3: true, 4: true, 5: true, 6: true, 7: true}

// knownListTags enumerates the top-level tags Unmarshal decodes explicitly;
// the rest are stashed in the list's unknown map.
var knownListTags = map[uint64]bool{1: true}

// Marshal serializes list to its wire format.
func (list *KdfList) Marshal() ([]byte, error) {
	if len(list.Keys) > MaxEntries {
		return nil, ErrTooManyEntries
	}

	rawKeys := map[string]cbor.RawMessage{}
	for name, entry := range list.Keys {
		raw, err := marshalEntryRaw(entry)
		if err != nil {
			return nil, fmt.Errorf("kdf: marshal entry %q: %w", name, err)
		}
		rawKeys[name] = raw
	}

	top := map[uint64]cbor.RawMessage{}
	for k, v := range list.unknown {
		top[k] = v
	}
	keysRaw, err := cborMode().Marshal(rawKeys)
	if err != nil {
		return nil, fmt.Errorf("kdf: marshal keys map: %w", err)
	}
	top[1] = keysRaw

	out, err := cborMode().Marshal(top)
	if err != nil {
		return nil, fmt.Errorf("kdf: marshal KdfList: %w", err)
	}
	if len(out) > MaxBlobSize {
		return nil, ErrBlobTooLarge
	}
	return out, nil
}

// marshalEntryRaw encodes a single entry as a tag-keyed map so that
// unknown tags can be merged back in alongside the known fields.
func marshalEntryRaw(e *KdfEntry) (cbor.RawMessage, error) {
	w := entryToWire(e)
	fields := map[uint64]cbor.RawMessage{}
	for tag, raw := range e.unknown {
		fields[tag] = raw
	}
	set := func(tag uint64, v any) error {
		raw, err := cborMode().Marshal(v)
		if err != nil {
			return err
		}
		fields[tag] = raw
		return nil
	}
	if err := set(1, w.Created); err != nil {
		return nil, err
	}
	if w.Updated != nil {
		if err := set(2, *w.Updated); err != nil {
			return nil, err
		}
	} else {
		delete(fields, 2)
	}
	if w.Used != nil {
		if err := set(3, *w.Used); err != nil {
			return nil, err
		}
	} else {
		delete(fields, 3)
	}
	if err := set(4, w.Algorithm); err != nil {
		return nil, err
	}
	if err := set(5, w.Salt); err != nil {
		return nil, err
	}
	if err := set(6, w.Hash); err != nil {
		return nil, err
	}
	if err := set(7, w.Groups); err != nil {
		return nil, err
	}
	return cborMode().Marshal(fields)
}

// Unmarshal parses data (as produced by Marshal) into a KdfList.
func Unmarshal(data []byte) (*KdfList, error) {
	if len(data) > MaxBlobSize {
		return nil, ErrBlobTooLarge
	}

	var top map[uint64]cbor.RawMessage
	if err := cbor.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("kdf: decode KdfList: %w", err)
	}

	list := NewKdfList()
	list.unknown = map[uint64]cbor.RawMessage{}
	for tag, raw := range top {
		if knownListTags[tag] {
			continue
		}
		list.unknown[tag] = raw
	}

	keysRaw, ok := top[1]
	if !ok {
		return list, nil
	}
	var rawKeys map[string]cbor.RawMessage
	if err := cbor.Unmarshal(keysRaw, &rawKeys); err != nil {
		return nil, fmt.Errorf("kdf: decode keys map: %w", err)
	}
	if len(rawKeys) > MaxEntries {
		return nil, ErrTooManyEntries
	}

	for name, raw := range rawKeys {
		entry, err := unmarshalEntryRaw(raw)
		if err != nil {
			return nil, fmt.Errorf("kdf: decode entry %q: %w", name, err)
		}
		list.Keys[name] = entry
	}
	return list, nil
}

func unmarshalEntryRaw(raw cbor.RawMessage) (*KdfEntry, error) {
	var fields map[uint64]cbor.RawMessage
	if err := cbor.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}

	var w entryWire
	unknown := map[uint64]cbor.RawMessage{}
	for tag, fieldRaw := range fields {
		if !knownEntryTags[tag] {
			unknown[tag] = fieldRaw
			continue
		}
		var err error
		switch tag {
		case 1:
			err = cbor.Unmarshal(fieldRaw, &w.Created)
		case 2:
			var ts timestamp
			if err = cbor.Unmarshal(fieldRaw, &ts); err == nil {
				w.Updated = &ts
			}
		case 3:
			var ts timestamp
			if err = cbor.Unmarshal(fieldRaw, &ts); err == nil {
				w.Used = &ts
			}
		case 4:
			err = cbor.Unmarshal(fieldRaw, &w.Algorithm)
		case 5:
			err = cbor.Unmarshal(fieldRaw, &w.Salt)
		case 6:
			err = cbor.Unmarshal(fieldRaw, &w.Hash)
		case 7:
			err = cbor.Unmarshal(fieldRaw, &w.Groups)
		}
		if err != nil {
			return nil, err
		}
	}

	return wireToEntry(w, unknown), nil
}

var cborModeInst cbor.EncMode

func cborMode() cbor.EncMode {
	if cborModeInst != nil {
		return cborModeInst
	}
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		// CanonicalEncOptions is a fixed, known-valid option set; EncMode
		// can only fail on caller-supplied invalid options.
		panic(fmt.Sprintf("kdf: build cbor encoding mode: %v", err))
	}
	cborModeInst = mode
	return cborModeInst
}

// CreateEntry builds a new KdfEntry for passphrase against chain, per
// spec.md §4.3.2: a fresh random salt, the derived key, its SHA-3-256
// hash, and a master_diff-style XOR wrap per group.
func CreateEntry(rnd io.Reader, passphrase []byte, chain keychain.KeyChain, now time.Time) (*KdfEntry, error) {
	salt, err := hashid.Random(rnd)
	if err != nil {
		return nil, fmt.Errorf("kdf: generate salt: %w", err)
	}
	derived, err := Scrypt18_8_1(passphrase, salt[:])
	if err != nil {
		return nil, fmt.Errorf("kdf: derive key: %w", err)
	}
	var derivedKey hashid.HashId
	copy(derivedKey[:], derived)

	groups := make(map[string]keychain.InternalKey, len(chain))
	for name, internalKey := range chain {
		groups[name] = keychain.Xor(keychain.InternalKey(derivedKey), internalKey)
	}

	return &KdfEntry{
		Created:   now,
		Algorithm: Algorithm,
		Salt:      salt,
		Hash:      hashid.Sha3_256(derived),
		Groups:    groups,
	}, nil
}

// TryDeriveKeySingle attempts to recover the KeyChain wrapped in entry
// using passphrase, per spec.md §4.3.3. It returns (nil, false, nil) if
// the passphrase does not match this entry (wrong passphrase, or an
// algorithm token this build doesn't recognize).
func TryDeriveKeySingle(passphrase []byte, entry *KdfEntry) (keychain.KeyChain, bool, error) {
	if entry.Algorithm != Algorithm {
		return nil, false, nil
	}
	derived, err := Scrypt18_8_1(passphrase, entry.Salt[:])
	if err != nil {
		return nil, false, fmt.Errorf("kdf: derive key: %w", err)
	}
	if !hashid.Equal(hashid.Sha3_256(derived), entry.Hash) {
		return nil, false, nil
	}

	var derivedKey hashid.HashId
	copy(derivedKey[:], derived)

	chain := make(keychain.KeyChain, len(entry.Groups))
	for name, wrapped := range entry.Groups {
		chain[name] = keychain.Xor(keychain.InternalKey(derivedKey), wrapped)
	}
	return chain, true, nil
}

// RewrapGroups re-derives entry's key from passphrase (which must be the
// same passphrase that produced chain via TryDeriveKeySingle/TryDeriveKey)
// and rewraps chain's current group set against it, replacing
// entry.Groups in place. Callers use this after adding, removing, or
// copying a group in a chain recovered from an entry, to persist the
// change back into that same entry without touching Created/Hash/Salt.
func RewrapGroups(passphrase []byte, entry *KdfEntry, chain keychain.KeyChain) error {
	derived, err := Scrypt18_8_1(passphrase, entry.Salt[:])
	if err != nil {
		return fmt.Errorf("kdf: derive key: %w", err)
	}
	var derivedKey hashid.HashId
	copy(derivedKey[:], derived)

	groups := make(map[string]keychain.InternalKey, len(chain))
	for name, internalKey := range chain {
		groups[name] = keychain.Xor(keychain.InternalKey(derivedKey), internalKey)
	}
	entry.Groups = groups
	return nil
}

// TryDeriveKey iterates list's entries in arbitrary order and returns the
// first one passphrase matches, along with its name. It returns ok=false
// if no entry matches.
func TryDeriveKey(passphrase []byte, list *KdfList) (name string, chain keychain.KeyChain, ok bool, err error) {
	for candidateName, entry := range list.Keys {
		chain, matched, derivErr := TryDeriveKeySingle(passphrase, entry)
		if derivErr != nil {
			return "", nil, false, derivErr
		}
		if matched {
			return candidateName, chain, true, nil
		}
	}
	return "", nil, false, nil
}
