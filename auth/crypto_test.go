package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundtrip(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	key, err := PasswordKey("correct horse battery staple", salt)
	require.NoError(t, err)

	blob, err := Seal(key, []byte("twelve words of wallet seed"))
	require.NoError(t, err)
	assert.NotEmpty(t, blob.Nonce)
	assert.NotEmpty(t, blob.Ciphertext)

	plain, err := Open(key, blob)
	require.NoError(t, err)
	assert.Equal(t, "twelve words of wallet seed", string(plain))
}

func TestOpenWrongKeyFailsClosed(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	key, err := PasswordKey("password-one", salt)
	require.NoError(t, err)
	blob, err := Seal(key, []byte("secret"))
	require.NoError(t, err)

	wrong, err := PasswordKey("password-two", salt)
	require.NoError(t, err)
	_, err = Open(wrong, blob)
	assert.ErrorIs(t, err, ErrWalletLocked)
}

func TestOpenNilBlob(t *testing.T) {
	key, err := PasswordKey("pw", mustSalt(t))
	require.NoError(t, err)
	_, err = Open(key, nil)
	assert.Error(t, err)
}

func TestPasswordKeyDeterministic(t *testing.T) {
	salt := mustSalt(t)
	k1, err := PasswordKey("same password", salt)
	require.NoError(t, err)
	k2, err := PasswordKey("same password", salt)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := PasswordKey("same password", mustSalt(t))
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3, "different salt must change the key")
}

func TestRecordKeyDeterministic(t *testing.T) {
	gunSalt := mustSalt(t)
	const pub = "02e1f3a0c9b4fdc6ab3cd1f04b1c8d9d5ee8e178c71bd1c51b4b256e3e3ff3a9b1"

	k1, err := RecordKey(pub, gunSalt)
	require.NoError(t, err)
	k2, err := RecordKey(pub, gunSalt)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 32)
}

func TestSealRecordDataRoundtrip(t *testing.T) {
	key, err := RecordKey("03abc0", mustSalt(t))
	require.NoError(t, err)

	sealed, err := SealRecordData(key, []byte(`{"basic":{"name":"private"}}`))
	require.NoError(t, err)
	assert.NotEmpty(t, sealed.Encrypted)
	assert.NotEmpty(t, sealed.IV)
	assert.NotEmpty(t, sealed.AuthTag)

	plain, err := OpenRecordData(key, sealed)
	require.NoError(t, err)
	assert.JSONEq(t, `{"basic":{"name":"private"}}`, string(plain))
}

func TestOpenRecordDataTampered(t *testing.T) {
	key, err := RecordKey("03abc0", mustSalt(t))
	require.NoError(t, err)
	sealed, err := SealRecordData(key, []byte(`{"basic":{"name":"private"}}`))
	require.NoError(t, err)

	sealed.AuthTag = sealed.IV
	_, err = OpenRecordData(key, sealed)
	assert.Error(t, err)

	_, err = OpenRecordData(key, nil)
	assert.Error(t, err)
}

func mustSalt(t *testing.T) string {
	t.Helper()
	salt, err := NewSalt()
	require.NoError(t, err)
	return salt
}
