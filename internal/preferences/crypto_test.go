package preferences

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCipher(t *testing.T) *FieldCipher {
	t.Helper()
	c, err := NewFieldCipher(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)
	return c
}

func TestNewFieldCipher_KeySize(t *testing.T) {
	for _, size := range []int{0, 16, 24, 31, 33} {
		_, err := NewFieldCipher(make([]byte, size))
		assert.ErrorIs(t, err, ErrInvalidKeySize, "key size %d", size)
	}

	_, err := NewFieldCipher(make([]byte, 32))
	assert.NoError(t, err)
}

func TestFieldCipher_RoundTrip(t *testing.T) {
	c := testCipher(t)

	for _, plaintext := range []string{
		"+14155550100",
		"user@example.com",
		"ünïcødé@exämple.com",
	} {
		sealed, err := c.Encrypt(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, sealed)

		opened, err := c.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, plaintext, opened)
	}
}

func TestFieldCipher_EmptyPassthrough(t *testing.T) {
	c := testCipher(t)

	sealed, err := c.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, sealed)

	opened, err := c.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, opened)
}

func TestFieldCipher_NonceRandomness(t *testing.T) {
	c := testCipher(t)

	first, err := c.Encrypt("+14155550100")
	require.NoError(t, err)
	second, err := c.Encrypt("+14155550100")
	require.NoError(t, err)

	// Equal plaintexts must never leak equality through ciphertext.
	assert.NotEqual(t, first, second)
}

func TestFieldCipher_RejectsTamperedInput(t *testing.T) {
	c := testCipher(t)

	sealed, err := c.Encrypt("user@example.com")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff

	_, err = c.Decrypt(base64.StdEncoding.EncodeToString(raw))
	assert.Error(t, err)
}

func TestFieldCipher_RejectsGarbage(t *testing.T) {
	c := testCipher(t)

	_, err := c.Decrypt("not base64!!!")
	assert.Error(t, err)

	_, err = c.Decrypt(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestFieldCipher_WrongKeyFails(t *testing.T) {
	c := testCipher(t)
	other, err := NewFieldCipher(bytes.Repeat([]byte{0x07}, 32))
	require.NoError(t, err)

	sealed, err := c.Encrypt("+14155550100")
	require.NoError(t, err)

	_, err = other.Decrypt(sealed)
	assert.Error(t, err)
}
