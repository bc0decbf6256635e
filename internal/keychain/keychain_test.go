package keychain

import (
	"crypto/rand"
	"strings"
	"testing"
)

func TestNewKeyChainHasBuiltinGroups(t *testing.T) {
	kc, err := NewKeyChain(rand.Reader)
	if err != nil {
		t.Fatalf("NewKeyChain: %v", err)
	}
	if !kc.HasGroups([]string{Everyone, Root}) {
		t.Fatalf("fresh KeyChain must carry %q and %q", Everyone, Root)
	}
	if len(kc) != 2 {
		t.Fatalf("fresh KeyChain should have exactly 2 groups, got %d", len(kc))
	}
}

func TestKeyChainEqualIsGroupWise(t *testing.T) {
	kc, err := NewKeyChain(rand.Reader)
	if err != nil {
		t.Fatalf("NewKeyChain: %v", err)
	}
	clone := kc.Clone()
	if !kc.Equal(clone) {
		t.Fatalf("a clone should be Equal to its source")
	}

	extra, err := NewInternalKey(rand.Reader)
	if err != nil {
		t.Fatalf("NewInternalKey: %v", err)
	}
	clone["extra"] = extra
	if kc.Equal(clone) {
		t.Fatalf("adding a group should break Equal")
	}

	other := kc.Clone()
	other[Root], err = NewInternalKey(rand.Reader)
	if err != nil {
		t.Fatalf("NewInternalKey: %v", err)
	}
	if kc.Equal(other) {
		t.Fatalf("changing one group's key should break Equal")
	}
}

func TestMasterKeyStringRedactsKeyMaterial(t *testing.T) {
	mk, err := NewMasterKey(rand.Reader)
	if err != nil {
		t.Fatalf("NewMasterKey: %v", err)
	}
	rendered := mk.String()
	if strings.Contains(rendered, string(mk[:])) {
		t.Fatalf("MasterKey.String leaked raw key bytes")
	}
	if !strings.HasPrefix(rendered, "MasterKey{sha3=") {
		t.Fatalf("MasterKey.String() = %q, want sha3-digest rendering", rendered)
	}
	if rendered != mk.GoString() {
		t.Fatalf("String and GoString should agree")
	}
}

func TestInternalKeyStringRedactsKeyMaterial(t *testing.T) {
	ik, err := NewInternalKey(rand.Reader)
	if err != nil {
		t.Fatalf("NewInternalKey: %v", err)
	}
	rendered := ik.String()
	if !strings.HasPrefix(rendered, "InternalKey{sha3=") {
		t.Fatalf("InternalKey.String() = %q, want sha3-digest rendering", rendered)
	}
}

func TestXorRoundTrips(t *testing.T) {
	a, _ := NewInternalKey(rand.Reader)
	b, _ := NewInternalKey(rand.Reader)
	wrapped := Xor(a, b)
	unwrapped := Xor(wrapped, b)
	if unwrapped != a {
		t.Fatalf("Xor(Xor(a,b),b) should equal a")
	}
}

func TestMasterKeyHalvesAreDisjoint(t *testing.T) {
	mk, err := NewMasterKey(rand.Reader)
	if err != nil {
		t.Fatalf("NewMasterKey: %v", err)
	}
	dh := mk.DirectoryHalf()
	oh := mk.ObjectHalf()
	if len(dh) != 16 || len(oh) != 16 {
		t.Fatalf("halves must be 16 bytes each, got %d and %d", len(dh), len(oh))
	}
	secret := mk.HmacSecret()
	if len(secret) != 32 {
		t.Fatalf("HmacSecret must be 32 bytes, got %d", len(secret))
	}
}
