package token

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	skEnc, vkEnc, err := GenKeys()
	require.NoError(t, err)

	sk, err := LoadSigningKey(skEnc)
	require.NoError(t, err)
	vk, err := LoadVerifyKey(vkEnc)
	require.NoError(t, err)

	for _, uid := range []int64{0, 1, 42, 1 << 20, 1<<40 + 7} {
		tok := Sign(sk, uid)
		assert.True(t, strings.HasPrefix(tok, "GgT-"))

		got, ok := Verify(vk, tok)
		require.True(t, ok, "uid %d", uid)
		assert.Equal(t, uid, got)
	}
}

func TestSignDeterministic(t *testing.T) {
	skEnc, _, err := GenKeys()
	require.NoError(t, err)
	sk, err := LoadSigningKey(skEnc)
	require.NoError(t, err)

	assert.Equal(t, Sign(sk, 7), Sign(sk, 7))
	assert.NotEqual(t, Sign(sk, 7), Sign(sk, 8))
}

func TestVerifyRejectsForgeries(t *testing.T) {
	skEnc, vkEnc, err := GenKeys()
	require.NoError(t, err)
	sk, err := LoadSigningKey(skEnc)
	require.NoError(t, err)
	vk, err := LoadVerifyKey(vkEnc)
	require.NoError(t, err)

	_, ok := Verify(vk, "not-a-token")
	assert.False(t, ok)

	_, ok = Verify(vk, "GgT-!!!!")
	assert.False(t, ok)

	tok := Sign(sk, 7)
	tampered := tok[:len(tok)-2] + "AA"
	if tampered != tok {
		_, ok = Verify(vk, tampered)
		assert.False(t, ok)
	}

	// token from a different keypair
	otherEnc, _, err := GenKeys()
	require.NoError(t, err)
	other, err := LoadSigningKey(otherEnc)
	require.NoError(t, err)
	_, ok = Verify(vk, Sign(other, 7))
	assert.False(t, ok)
}

func TestLoadKeyErrors(t *testing.T) {
	_, err := LoadSigningKey("%%%")
	assert.Error(t, err)

	_, err = LoadSigningKey("c2hvcnQ=") // wrong length
	assert.Error(t, err)

	_, err = LoadVerifyKey("c2hvcnQ=")
	assert.Error(t, err)
}
