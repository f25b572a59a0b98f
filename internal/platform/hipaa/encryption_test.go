package hipaa

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medicosmart/medicosmart/internal/platform/apperr"
)

var (
	testKey = []byte("0123456789abcdef0123456789abcdef")
	testIV  = []byte("fedcba9876543210")
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(testKey, testIV)
	require.NoError(t, err)
	return c
}

func strPtr(s string) *string { return &s }

func TestNewCodec_RejectsShortMaterial(t *testing.T) {
	t.Run("short key", func(t *testing.T) {
		_, err := NewCodec([]byte("too-short"), testIV)
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperr.ErrCrypto))
	})

	t.Run("short iv", func(t *testing.T) {
		_, err := NewCodec(testKey, []byte("short"))
		require.Error(t, err)
	})

	t.Run("longer key accepted", func(t *testing.T) {
		_, err := NewCodec(bytes.Repeat([]byte("k"), 64), testIV)
		require.NoError(t, err)
	})
}

func TestCodec_RoundTrip(t *testing.T) {
	c := newTestCodec(t)

	cases := []string{
		"RSSMRA80A01H501Q",
		"Paracetamol 500mg x3/day",
		"allergia: penicillina – nota con àccènti",
		strings.Repeat("x", 4096),
		" ",
	}
	for _, plain := range cases {
		enc, err := c.Encrypt(strPtr(plain))
		require.NoError(t, err)
		require.NotNil(t, enc)
		assert.NotEqual(t, plain, *enc)

		dec, err := c.Decrypt(enc)
		require.NoError(t, err)
		require.NotNil(t, dec)
		assert.Equal(t, plain, *dec)
	}
}

func TestCodec_NilAndEmptyPassThrough(t *testing.T) {
	c := newTestCodec(t)

	enc, err := c.Encrypt(nil)
	require.NoError(t, err)
	assert.Nil(t, enc)

	enc, err = c.Encrypt(strPtr(""))
	require.NoError(t, err)
	assert.Nil(t, enc)

	dec, err := c.Decrypt(nil)
	require.NoError(t, err)
	assert.Nil(t, dec)

	dec, err = c.Decrypt(strPtr(""))
	require.NoError(t, err)
	assert.Nil(t, dec)
}

func TestCodec_FreshNoncePerRecord(t *testing.T) {
	c := newTestCodec(t)

	a, err := c.Encrypt(strPtr("RSSMRA80A01H501Q"))
	require.NoError(t, err)
	b, err := c.Encrypt(strPtr("RSSMRA80A01H501Q"))
	require.NoError(t, err)

	assert.NotEqual(t, *a, *b, "identical plaintexts must not produce identical ciphertexts")
}

func TestCodec_DecryptMalformed(t *testing.T) {
	c := newTestCodec(t)

	good, err := c.Encrypt(strPtr("secret"))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(*good, ciphertextPrefix))
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	tampered := ciphertextPrefix + base64.StdEncoding.EncodeToString(raw)

	inputs := map[string]string{
		"no prefix":    "abcdef",
		"bad base64":   ciphertextPrefix + "%%%",
		"too short":    ciphertextPrefix + base64.StdEncoding.EncodeToString([]byte("abc")),
		"tampered tag": tampered,
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decrypt(strPtr(in))
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperr.ErrDecryption))

			var ae *apperr.Error
			require.True(t, errors.As(err, &ae))
			assert.Equal(t, "stored data could not be decrypted", ae.Message)
		})
	}
}

func TestCodec_WrongKeyCannotDecrypt(t *testing.T) {
	c := newTestCodec(t)
	other, err := NewCodec(bytes.Repeat([]byte("z"), 32), testIV)
	require.NoError(t, err)

	enc, err := c.Encrypt(strPtr("RSSMRA80A01H501Q"))
	require.NoError(t, err)

	_, err = other.Decrypt(enc)
	assert.True(t, errors.Is(err, apperr.ErrDecryption))
}

func TestCodec_BlindIndex(t *testing.T) {
	c := newTestCodec(t)

	a := c.BlindIndex("RSSMRA80A01H501Q")
	assert.Len(t, a, 64)
	assert.Equal(t, a, c.BlindIndex("  rssmra80a01h501q "))
	assert.NotEqual(t, a, c.BlindIndex("VRDGPP80A01H501U"))
	assert.Empty(t, c.BlindIndex("   "))
	assert.NotContains(t, a, "RSSMRA")
}

func TestHash(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Hash(nil))
	assert.Equal(t, Hash([]byte("pdf")), Hash([]byte("pdf")))
	assert.NotEqual(t, Hash([]byte("pdf-a")), Hash([]byte("pdf-b")))
}

func TestRandomToken(t *testing.T) {
	tok, err := RandomToken(16)
	require.NoError(t, err)
	assert.Len(t, tok, 32)

	other, err := RandomToken(16)
	require.NoError(t, err)
	assert.NotEqual(t, tok, other)

	_, err = RandomToken(0)
	assert.Error(t, err)
}
