package keymgmt

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptsync/internal/kdfstore"
	"cryptsync/internal/keychain"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	return NewWithRand(kdfstore.NewMemStorage(), rand.Reader)
}

func TestInitKeysThenDeriveKeyChain(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	require.NoError(t, m.InitKeys(ctx, []byte("hunter2"), "alice"))

	chain, err := m.DeriveKeyChain(ctx, []byte("hunter2"))
	require.NoError(t, err)
	assert.True(t, chain.HasGroups([]string{keychain.Everyone, keychain.Root}))
}

func TestInitKeysRefusesWhenListAlreadyExists(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	require.NoError(t, m.InitKeys(ctx, []byte("hunter2"), "alice"))
	err := m.InitKeys(ctx, []byte("other"), "bob")
	assert.ErrorIs(t, err, ErrKdfListAlreadyExists)
}

func TestDeriveKeyChainWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	require.NoError(t, m.InitKeys(ctx, []byte("hunter2"), "alice"))

	_, err := m.DeriveKeyChain(ctx, []byte("wrong"))
	assert.ErrorIs(t, err, ErrPassphraseNotInKdfList)
}

func TestAddKeyThenBothDeriveSameChain(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	require.NoError(t, m.InitKeys(ctx, []byte("alice-pass"), "alice"))
	require.NoError(t, m.AddKey(ctx, []byte("alice-pass"), []byte("bob-pass"), "bob"))

	aliceChain, err := m.DeriveKeyChain(ctx, []byte("alice-pass"))
	require.NoError(t, err)
	bobChain, err := m.DeriveKeyChain(ctx, []byte("bob-pass"))
	require.NoError(t, err)
	assert.True(t, aliceChain.Equal(bobChain))
}

func TestAddKeyRejectsDuplicateName(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	require.NoError(t, m.InitKeys(ctx, []byte("alice-pass"), "alice"))

	err := m.AddKey(ctx, []byte("alice-pass"), []byte("bob-pass"), "alice")
	var nameErr *KeyNameAlreadyInUseError
	assert.ErrorAs(t, err, &nameErr)
}

func TestDelKeyRefusesToRemoveLastEntry(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	require.NoError(t, m.InitKeys(ctx, []byte("alice-pass"), "alice"))

	err := m.DelKey(ctx, "alice")
	assert.ErrorIs(t, err, ErrWouldRemoveLastKdfEntry)
}

func TestDelKeyRemovesSecondEntry(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	require.NoError(t, m.InitKeys(ctx, []byte("alice-pass"), "alice"))
	require.NoError(t, m.AddKey(ctx, []byte("alice-pass"), []byte("bob-pass"), "bob"))

	require.NoError(t, m.DelKey(ctx, "bob"))

	keys, err := m.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "alice", keys[0].Name)

	_, err = m.DeriveKeyChain(ctx, []byte("bob-pass"))
	assert.ErrorIs(t, err, ErrPassphraseNotInKdfList)
}

func TestCreateGroupThenAssocGroupSharesKey(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	require.NoError(t, m.InitKeys(ctx, []byte("alice-pass"), "alice"))
	require.NoError(t, m.AddKey(ctx, []byte("alice-pass"), []byte("bob-pass"), "bob"))

	require.NoError(t, m.CreateGroup(ctx, []byte("alice-pass"), []string{"project-x"}))

	aliceChain, err := m.DeriveKeyChain(ctx, []byte("alice-pass"))
	require.NoError(t, err)
	require.True(t, aliceChain.HasGroups([]string{"project-x"}))

	bobChain, err := m.DeriveKeyChain(ctx, []byte("bob-pass"))
	require.NoError(t, err)
	assert.False(t, bobChain.HasGroups([]string{"project-x"}))

	require.NoError(t, m.AssocGroup(ctx, []byte("alice-pass"), []byte("bob-pass"), []string{"project-x"}))

	bobChain, err = m.DeriveKeyChain(ctx, []byte("bob-pass"))
	require.NoError(t, err)
	require.True(t, bobChain.HasGroups([]string{"project-x"}))
	assert.Equal(t, aliceChain["project-x"], bobChain["project-x"])
}

func TestCreateGroupRejectsAlreadyUsedName(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	require.NoError(t, m.InitKeys(ctx, []byte("alice-pass"), "alice"))

	err := m.CreateGroup(ctx, []byte("alice-pass"), []string{keychain.Everyone})
	var dupErr *GroupNameAlreadyInUseError
	assert.ErrorAs(t, err, &dupErr)
}

func TestAssocGroupRejectsUnknownSourceGroup(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	require.NoError(t, m.InitKeys(ctx, []byte("alice-pass"), "alice"))
	require.NoError(t, m.AddKey(ctx, []byte("alice-pass"), []byte("bob-pass"), "bob"))

	err := m.AssocGroup(ctx, []byte("alice-pass"), []byte("bob-pass"), []string{"no-such-group"})
	var notFound *GroupNotInKdfListError
	assert.ErrorAs(t, err, &notFound)
}

func TestDisassocGroupRefusesEveryone(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	require.NoError(t, m.InitKeys(ctx, []byte("alice-pass"), "alice"))

	err := m.DisassocGroup(ctx, "alice", []string{keychain.Everyone})
	var cannotErr *CannotDisassocGroupError
	assert.ErrorAs(t, err, &cannotErr)
}

func TestDisassocGroupRefusesWhenItWouldOrphanGroup(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	require.NoError(t, m.InitKeys(ctx, []byte("alice-pass"), "alice"))
	require.NoError(t, m.CreateGroup(ctx, []byte("alice-pass"), []string{"project-x"}))

	err := m.DisassocGroup(ctx, "alice", []string{"project-x"})
	var orphanErr *WouldDisassocLastKeyFromGroupError
	assert.ErrorAs(t, err, &orphanErr)
}

func TestDisassocGroupSucceedsWithAnotherCarrier(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	require.NoError(t, m.InitKeys(ctx, []byte("alice-pass"), "alice"))
	require.NoError(t, m.AddKey(ctx, []byte("alice-pass"), []byte("bob-pass"), "bob"))
	require.NoError(t, m.CreateGroup(ctx, []byte("alice-pass"), []string{"project-x"}))
	require.NoError(t, m.AssocGroup(ctx, []byte("alice-pass"), []byte("bob-pass"), []string{"project-x"}))

	require.NoError(t, m.DisassocGroup(ctx, "alice", []string{"project-x"}))

	aliceChain, err := m.DeriveKeyChain(ctx, []byte("alice-pass"))
	require.NoError(t, err)
	assert.False(t, aliceChain.HasGroups([]string{"project-x"}))

	bobChain, err := m.DeriveKeyChain(ctx, []byte("bob-pass"))
	require.NoError(t, err)
	assert.True(t, bobChain.HasGroups([]string{"project-x"}))
}

func TestDestroyGroupRefusesBuiltins(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	require.NoError(t, m.InitKeys(ctx, []byte("alice-pass"), "alice"))

	err := m.DestroyGroup(ctx, []string{keychain.Root})
	var cannotErr *CannotDestroyGroupError
	assert.ErrorAs(t, err, &cannotErr)
}

func TestDestroyGroupRemovesFromEveryCarrier(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	require.NoError(t, m.InitKeys(ctx, []byte("alice-pass"), "alice"))
	require.NoError(t, m.AddKey(ctx, []byte("alice-pass"), []byte("bob-pass"), "bob"))
	require.NoError(t, m.CreateGroup(ctx, []byte("alice-pass"), []string{"project-x"}))
	require.NoError(t, m.AssocGroup(ctx, []byte("alice-pass"), []byte("bob-pass"), []string{"project-x"}))

	require.NoError(t, m.DestroyGroup(ctx, []string{"project-x"}))

	aliceChain, err := m.DeriveKeyChain(ctx, []byte("alice-pass"))
	require.NoError(t, err)
	assert.False(t, aliceChain.HasGroups([]string{"project-x"}))
	bobChain, err := m.DeriveKeyChain(ctx, []byte("bob-pass"))
	require.NoError(t, err)
	assert.False(t, bobChain.HasGroups([]string{"project-x"}))
}

func TestChangeKeyPreservesGroupsAndCreated(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	require.NoError(t, m.InitKeys(ctx, []byte("alice-pass"), "alice"))
	require.NoError(t, m.CreateGroup(ctx, []byte("alice-pass"), []string{"project-x"}))

	before, err := m.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, before, 1)

	name := "alice"
	require.NoError(t, m.ChangeKey(ctx, []byte("alice-pass"), []byte("alice-pass-2"), &name, false))

	_, err = m.DeriveKeyChain(ctx, []byte("alice-pass"))
	assert.ErrorIs(t, err, ErrPassphraseNotInKdfList)

	newChain, err := m.DeriveKeyChain(ctx, []byte("alice-pass-2"))
	require.NoError(t, err)
	assert.True(t, newChain.HasGroups([]string{"project-x", keychain.Everyone, keychain.Root}))

	after, err := m.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, before[0].Created, after[0].Created)
}

func TestChangeKeyAnonymousRequiresSingleEntry(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	require.NoError(t, m.InitKeys(ctx, []byte("alice-pass"), "alice"))
	require.NoError(t, m.AddKey(ctx, []byte("alice-pass"), []byte("bob-pass"), "bob"))

	err := m.ChangeKey(ctx, []byte("alice-pass"), []byte("alice-pass-2"), nil, false)
	assert.ErrorIs(t, err, ErrAnonChangeKeyButMultipleKdfEntries)
}

func TestChangeKeyRefusesMismatchedTargetByDefault(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	require.NoError(t, m.InitKeys(ctx, []byte("alice-pass"), "alice"))
	require.NoError(t, m.AddKey(ctx, []byte("alice-pass"), []byte("bob-pass"), "bob"))

	name := "bob"
	err := m.ChangeKey(ctx, []byte("alice-pass"), []byte("new-pass"), &name, false)
	assert.ErrorIs(t, err, ErrChangeKeyWithPassphraseMismatch)
}

func TestListKeysOnMissingListReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	keys, err := m.ListKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}
