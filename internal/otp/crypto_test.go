package otp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCipherRoundTrip(t *testing.T) {
	cipher, err := NewCipher("short key")
	require.NoError(t, err)

	for _, code := range []string{"000000", "123456", "999999"} {
		encrypted, err := cipher.Encrypt(code)
		require.NoError(t, err)
		require.NotEqual(t, code, encrypted)

		decrypted, err := cipher.Decrypt(encrypted)
		require.NoError(t, err)
		require.Equal(t, code, decrypted)
	}
}

func TestCipherExact32ByteKey(t *testing.T) {
	cipher, err := NewCipher("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	encrypted, err := cipher.Encrypt("654321")
	require.NoError(t, err)
	decrypted, err := cipher.Decrypt(encrypted)
	require.NoError(t, err)
	require.Equal(t, "654321", decrypted)
}

func TestCipherRejectsTamperedCiphertext(t *testing.T) {
	cipher, err := NewCipher("some key")
	require.NoError(t, err)

	encrypted, err := cipher.Encrypt("123456")
	require.NoError(t, err)

	tampered := []byte(encrypted)
	tampered[len(tampered)-5] ^= 'x'
	_, err = cipher.Decrypt(string(tampered))
	require.ErrorIs(t, err, ErrDecryptFailed)

	_, err = cipher.Decrypt("not base64 at all!!!")
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestCipherKeysDoNotInterchange(t *testing.T) {
	a, err := NewCipher("key a")
	require.NoError(t, err)
	b, err := NewCipher("key b")
	require.NoError(t, err)

	encrypted, err := a.Encrypt("123456")
	require.NoError(t, err)
	_, err = b.Decrypt(encrypted)
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestGenerateCodeShape(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := GenerateCode(6)
		require.NoError(t, err)
		require.Len(t, code, 6)
		for _, r := range code {
			require.True(t, r >= '0' && r <= '9')
		}
	}
}

func TestGenerateCodeDefaultsLength(t *testing.T) {
	code, err := GenerateCode(0)
	require.NoError(t, err)
	require.Len(t, code, 6)
}
