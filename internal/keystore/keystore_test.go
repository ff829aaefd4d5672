package keystore

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/peerfs/internal/crypto"
)

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	require.NoError(t, Save(path, keys, "correct horse"))

	loaded, err := Load(path, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, keys.Public, loaded.Public)
	assert.Equal(t, keys.Private, loaded.Private)
	assert.True(t, loaded.Writable())
}

func TestSave_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix file modes only")
	}
	path := filepath.Join(t.TempDir(), "identity.key")
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, Save(path, keys, "pass"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoad_WrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, Save(path, keys, "right"))

	_, err = Load(path, "wrong")
	assert.ErrorIs(t, err, ErrBadPassphrase)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.key"), "pass")
	assert.Error(t, err)
}

func TestLoad_Truncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")
	require.NoError(t, os.WriteFile(path, []byte("too short"), 0o600))

	_, err := Load(path, "pass")
	assert.Error(t, err)
}
