package main

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_generate(t *testing.T) {
	t.Run("default length", func(t *testing.T) {
		secret, err := generate(minSecretBytesLen)
		require.NoError(t, err)

		raw, err := base64.RawStdEncoding.DecodeString(secret)
		require.NoError(t, err)
		require.Len(t, raw, 32)
	})

	t.Run("unique", func(t *testing.T) {
		a, err := generate(minSecretBytesLen)
		require.NoError(t, err)
		b, err := generate(minSecretBytesLen)
		require.NoError(t, err)

		require.NotEqual(t, a, b)
	})

	t.Run("too short", func(t *testing.T) {
		_, err := generate(16)

		require.Error(t, err)
	})
}
