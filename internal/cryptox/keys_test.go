package cryptox_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/reelvault/reelvault/internal/cryptox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey_Deterministic(t *testing.T) {
	pass := []byte("correct horse battery staple")
	salt := []byte("per-install-salt")

	k1 := cryptox.DeriveKey(pass, salt)
	k2 := cryptox.DeriveKey(pass, salt)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, cryptox.KeySize)

	k3 := cryptox.DeriveKey(pass, []byte("other salt"))
	assert.NotEqual(t, k1, k3)

	k4 := cryptox.DeriveKey([]byte("other pass"), salt)
	assert.NotEqual(t, k1, k4)
}

func TestEnsureKey(t *testing.T) {
	store := &cryptox.MemoryStore{}
	pass := []byte("passphrase")
	salt := []byte("salt")

	_, err := store.LoadKey()
	assert.ErrorIs(t, err, cryptox.ErrNoKey)

	key, err := cryptox.EnsureKey(store, pass, salt)
	require.NoError(t, err)
	assert.Len(t, key, cryptox.KeySize)

	// A second call returns the stored key even with a different passphrase:
	// the store, not the passphrase, is the source of truth once created.
	again, err := cryptox.EnsureKey(store, []byte("typo"), salt)
	require.NoError(t, err)
	assert.Equal(t, key, again)
}

func TestKeyDeletion_MakesDataUnrecoverable(t *testing.T) {
	store := &cryptox.MemoryStore{}

	key, err := cryptox.EnsureKey(store, []byte("pass"), []byte("salt"))
	require.NoError(t, err)
	require.NoError(t, store.DeleteKey())

	_, err = store.LoadKey()
	assert.ErrorIs(t, err, cryptox.ErrNoKey)

	// There is no escrow: a fresh key derived from the same passphrase and a
	// new salt cannot open old ciphertext.
	fresh := cryptox.DeriveKey([]byte("pass"), []byte("new salt"))
	assert.NotEqual(t, key, fresh)
}

func TestLoadOrCreateSalt(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".salt")

	salt, err := cryptox.LoadOrCreateSalt(path)
	require.NoError(t, err)
	assert.Len(t, salt, 16)

	// Stable across loads.
	again, err := cryptox.LoadOrCreateSalt(path)
	require.NoError(t, err)
	assert.Equal(t, salt, again)

	// Corruption is reported, never silently regenerated: a new salt would
	// orphan every encrypted file.
	require.NoError(t, os.WriteFile(path, []byte("not hex"), 0o600))
	_, err = cryptox.LoadOrCreateSalt(path)
	assert.Error(t, err)
}
