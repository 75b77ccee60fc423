package server

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRoomCode(t *testing.T) {
	seen := make(map[string]struct{})
	for range 100 {
		code, err := newRoomCode()
		require.NoError(t, err, "expected a room code")
		assert.Len(t, code, roomCodeLen, "expected fixed length code")
		for _, r := range code {
			assert.True(t, strings.ContainsRune(codeAlphabet, r), "unexpected character %q in %s", r, code)
		}
		seen[code] = struct{}{}
	}
	assert.Greater(t, len(seen), 90, "expected codes to be random")
}
