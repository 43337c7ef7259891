package secrets

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCipher(t *testing.T, seed string) *Cipher {
	t.Helper()
	sum := sha256.Sum256([]byte(seed))
	c, err := NewCipher(sum[:])
	require.NoError(t, err)
	return c
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := testCipher(t, "key-a")

	blob, err := c.Encrypt("sk-ant-secret-value")
	require.NoError(t, err)

	got, err := blob.Decrypt(c)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-secret-value", got)
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	c := testCipher(t, "key-a")

	a, err := c.Encrypt("same plaintext")
	require.NoError(t, err)
	b, err := c.Encrypt("same plaintext")
	require.NoError(t, err)

	assert.NotEqual(t, a.String(), b.String())
}

func TestDecryptWithWrongKeyFailsCleanly(t *testing.T) {
	blob, err := testCipher(t, "key-a").Encrypt("secret")
	require.NoError(t, err)

	_, err = blob.Decrypt(testCipher(t, "key-b"))
	assert.Error(t, err)
}

func TestEncryptRefusesEmptyPlaintext(t *testing.T) {
	_, err := testCipher(t, "key-a").Encrypt("")
	assert.Error(t, err)
}

func TestNewCipherRejectsBadKeyLength(t *testing.T) {
	_, err := NewCipher([]byte("short"))
	assert.Error(t, err)
}

func TestBlobWireFormRoundTrip(t *testing.T) {
	c := testCipher(t, "key-a")
	blob, err := c.Encrypt("payload")
	require.NoError(t, err)

	parsed, err := ParseBlob(blob.String())
	require.NoError(t, err)

	got, err := parsed.Decrypt(c)
	require.NoError(t, err)
	assert.Equal(t, "payload", got)
}

func TestParseBlobRejectsGarbage(t *testing.T) {
	_, err := ParseBlob("not base64!!!")
	assert.Error(t, err)

	// Valid base64 but shorter than a nonce.
	_, err = ParseBlob(base64.StdEncoding.EncodeToString([]byte("tiny")))
	assert.Error(t, err)
}

func TestKeyFromEnv(t *testing.T) {
	t.Run("unset uses dev fallback", func(t *testing.T) {
		t.Setenv("ENCRYPTION_KEY", "")
		key := KeyFromEnv()
		assert.Len(t, key, 32)
	})

	t.Run("base64 32 bytes", func(t *testing.T) {
		raw := make([]byte, 32)
		for i := range raw {
			raw[i] = byte(i)
		}
		t.Setenv("ENCRYPTION_KEY", base64.StdEncoding.EncodeToString(raw))
		assert.Equal(t, raw, KeyFromEnv())
	})

	t.Run("raw 32 bytes", func(t *testing.T) {
		raw := "0123456789abcdef0123456789abcdef"
		t.Setenv("ENCRYPTION_KEY", raw)
		assert.Equal(t, []byte(raw), KeyFromEnv())
	})

	t.Run("other values are hashed", func(t *testing.T) {
		t.Setenv("ENCRYPTION_KEY", "some-passphrase")
		key := KeyFromEnv()
		assert.Len(t, key, 32)
	})
}
