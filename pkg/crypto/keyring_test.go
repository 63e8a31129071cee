package crypto_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmemory/openmemory-go/pkg/crypto"
)

func TestParseKeyring_Empty(t *testing.T) {
	k, err := crypto.ParseKeyring("")
	require.NoError(t, err)
	assert.Nil(t, k)
	assert.Equal(t, 0, k.PrimaryVersion())
}

func TestParseKeyring_BadKey(t *testing.T) {
	_, err := crypto.ParseKeyring("not-base64!!!")
	assert.Error(t, err)

	// Right encoding, wrong length.
	_, err = crypto.ParseKeyring("c2hvcnQ=")
	assert.Error(t, err)
}

func TestEncryptDecrypt_Roundtrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	k, err := crypto.ParseKeyring(key)
	require.NoError(t, err)
	require.Equal(t, 1, k.PrimaryVersion())

	sealed, version, err := k.Encrypt([]byte("the capital of France is Paris"))
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	assert.NotEqual(t, []byte("the capital of France is Paris"), sealed)

	plain, err := k.Decrypt(sealed, version)
	require.NoError(t, err)
	assert.Equal(t, "the capital of France is Paris", string(plain))
}

func TestDecrypt_VersionZeroIsPlaintext(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	k, err := crypto.ParseKeyring(key)
	require.NoError(t, err)

	plain, err := k.Decrypt([]byte("never sealed"), 0)
	require.NoError(t, err)
	assert.Equal(t, "never sealed", string(plain))
}

func TestDecrypt_UnknownVersion(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	k, err := crypto.ParseKeyring(key)
	require.NoError(t, err)

	sealed, _, err := k.Encrypt([]byte("data"))
	require.NoError(t, err)
	_, err = k.Decrypt(sealed, 7)
	assert.Error(t, err)
}

func TestNilKeyring_Passthrough(t *testing.T) {
	var k *crypto.Keyring

	sealed, version, err := k.Encrypt([]byte("clear"))
	require.NoError(t, err)
	assert.Equal(t, 0, version)
	assert.Equal(t, "clear", string(sealed))

	// Sealed content cannot be opened without a keyring.
	_, err = k.Decrypt([]byte("whatever"), 1)
	assert.Error(t, err)
}

func TestReseal_Rotation(t *testing.T) {
	oldKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	newKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	oldRing, err := crypto.ParseKeyring(oldKey)
	require.NoError(t, err)
	sealed, version, err := oldRing.Encrypt([]byte("rotate me"))
	require.NoError(t, err)
	require.Equal(t, 1, version)

	// The rotated ring keeps the old key at its position and appends
	// the new primary.
	ring, err := crypto.ParseKeyring(oldKey + "," + newKey)
	require.NoError(t, err)
	require.Equal(t, 2, ring.PrimaryVersion())

	resealed, newVersion, err := ring.Reseal(sealed, version)
	require.NoError(t, err)
	assert.Equal(t, 2, newVersion)

	plain, err := ring.Decrypt(resealed, newVersion)
	require.NoError(t, err)
	assert.Equal(t, "rotate me", string(plain))
}
