package session

import (
	"crypto/des"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestObfuscatePassword_RoundTrip(t *testing.T) {
	enc, err := ObfuscatePassword("secret-pw")
	require.NoError(t, err)

	raw, err := hex.DecodeString(enc)
	require.NoError(t, err)
	require.Zero(t, len(raw)%des.BlockSize)

	block, err := des.NewCipher(passwordKey[:8])
	require.NoError(t, err)
	plain := make([]byte, len(raw))
	for i := 0; i < len(raw); i += des.BlockSize {
		block.Decrypt(plain[i:i+des.BlockSize], raw[i:i+des.BlockSize])
	}
	pad := int(plain[len(plain)-1])
	require.Greater(t, pad, 0)
	require.LessOrEqual(t, pad, des.BlockSize)
	require.Equal(t, "secret-pw", string(plain[:len(plain)-pad]))
}

func TestObfuscatePassword_Deterministic(t *testing.T) {
	a, err := ObfuscatePassword("пароль123")
	require.NoError(t, err)
	b, err := ObfuscatePassword("пароль123")
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := ObfuscatePassword("другой")
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}
