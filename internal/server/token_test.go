package server

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-listen-together/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenIssuer(t *testing.T) {
	ti := NewTokenIssuer(testSigningKey, 0)
	assert.Equal(t, DefaultTokenTTL, ti.ttl, "expected default ttl")

	for _, role := range []types.RoomRole{types.RoleHost, types.RoleGuest} {
		t.Run(role.String(), func(t *testing.T) {
			want := SessionClaims{RoomCode: "ABCD2345", UserId: "user-1", Role: role}
			token, err := ti.Issue(want)
			require.NoError(t, err, "expected token to be issued")

			got, err := ti.Verify(token)
			require.NoError(t, err, "expected token to verify")
			assert.Equal(t, want, got, "expected claims to round trip")
		})
	}
}

func TestTokenIssuer_VerifyRejects(t *testing.T) {
	ti := NewTokenIssuer(testSigningKey, time.Hour)
	sign := func(claims jwt.MapClaims, key []byte) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	valid := func() jwt.MapClaims {
		return jwt.MapClaims{"sub": "user-1", "room": "ABCD2345", "role": "guest", "exp": time.Now().Add(time.Hour).Unix()}
	}

	expired := valid()
	expired["exp"] = time.Now().Add(-time.Minute).Unix()
	noRoom := valid()
	delete(noRoom, "room")
	noSub := valid()
	delete(noSub, "sub")
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, valid()).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tcases := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "garbage", token: "not-a-token"},
		{name: "wrong key", token: sign(valid(), []byte("other-key"))},
		{name: "expired", token: sign(expired, testSigningKey)},
		{name: "missing room", token: sign(noRoom, testSigningKey)},
		{name: "missing subject", token: sign(noSub, testSigningKey)},
		{name: "unsigned", token: none},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ti.Verify(tc.token)
			assert.ErrorIs(t, err, ErrInvalidToken, "expected invalid token")
		})
	}
}
