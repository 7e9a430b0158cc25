package seal

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var fastParams = KDFParams{Time: 1, Memory: 1024, Threads: 1}

func TestRoundTrip(t *testing.T) {
	c, err := NewPassphraseCipher("correct horse", fastParams)
	require.NoError(t, err)

	sealed, err := c.Encrypt("meet at the north gate")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sealed, "tl1."))
	require.NotContains(t, sealed, "north gate")

	plain, err := c.Decrypt(sealed)
	require.NoError(t, err)
	require.Equal(t, "meet at the north gate", plain)
}

func TestDecryptAcrossInstances(t *testing.T) {
	first, err := NewPassphraseCipher("pw", fastParams)
	require.NoError(t, err)
	sealed, err := first.Encrypt("draft")
	require.NoError(t, err)

	second, err := NewPassphraseCipher("pw", fastParams)
	require.NoError(t, err)
	plain, err := second.Decrypt(sealed)
	require.NoError(t, err)
	require.Equal(t, "draft", plain)

	wrong, err := NewPassphraseCipher("nope", fastParams)
	require.NoError(t, err)
	_, err = wrong.Decrypt(sealed)
	require.Error(t, err)
}

func TestDecryptMalformed(t *testing.T) {
	c, err := NewPassphraseCipher("pw", fastParams)
	require.NoError(t, err)
	_, err = c.Decrypt("plain text")
	require.ErrorIs(t, err, ErrMalformed)
}
