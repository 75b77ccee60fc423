package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "c29tZV9zZWNyZXQ=" // "some_secret"

func TestNewServerConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		origins := []string{"http://localhost:3000"}
		c, err := NewServerConfig("localhost:8080", "postgres://relay@localhost/relay", testSecret, origins)
		require.NoError(t, err, "expected a valid config")

		assert.Equal(t, "localhost:8080", c.ServerAddr)
		assert.Equal(t, "postgres://relay@localhost/relay", c.DatabaseDSN)
		assert.Equal(t, origins, c.AllowedOrigins)
		assert.Equal(t, []byte("some_secret"), c.SigningKey, "expected signing key to be decoded")
		assert.Equal(t, 10*time.Minute, c.HostGrace, "expected ten minute host grace")
		assert.Equal(t, DefaultIdleTimeout, c.IdleTimeout)
		assert.Equal(t, 50, c.MaxUsers)
		assert.Equal(t, 10*time.Second, c.BufferTimeout, "expected ten second buffering timeout")
		assert.False(t, c.Advertise, "expected advertising to be opt-in")
		assert.NoError(t, c.Validate(), "expected defaults to validate")
	})

	tcases := []struct {
		name   string
		addr   string
		dsn    string
		secret string
		errMsg string
	}{
		{"empty address", "", "dsn", testSecret, "server address"},
		{"empty dsn", ":8080", "", testSecret, "database DSN"},
		{"empty secret", ":8080", "dsn", "", "signing secret"},
		{"secret not base64", ":8080", "dsn", "not base64!", "decode signing secret"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := NewServerConfig(tc.addr, tc.dsn, tc.secret, nil)
			assert.ErrorContains(t, err, tc.errMsg)
			assert.Nil(t, c, "expected no config on error")
		})
	}
}

func TestServerConfigValidate(t *testing.T) {
	tcases := []struct {
		name   string
		modify func(c *ServerConfig)
		valid  bool
	}{
		{name: "two user rooms", modify: func(c *ServerConfig) { c.MaxUsers = 2 }, valid: true},
		{name: "short grace", modify: func(c *ServerConfig) { c.HostGrace = time.Second }, valid: true},
		{name: "zero host grace", modify: func(c *ServerConfig) { c.HostGrace = 0 }},
		{name: "zero buffer timeout", modify: func(c *ServerConfig) { c.BufferTimeout = 0 }},
		{name: "negative idle timeout", modify: func(c *ServerConfig) { c.IdleTimeout = -time.Second }},
		{name: "single user rooms", modify: func(c *ServerConfig) { c.MaxUsers = 1 }},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := NewServerConfig("localhost:8000", "dsn", testSecret, nil)
			require.NoError(t, err, "expected valid base config")
			tc.modify(c)
			if tc.valid {
				assert.NoError(t, c.Validate())
			} else {
				assert.Error(t, c.Validate(), "expected validation error")
			}
		})
	}
}

func TestDecodeSigningSecret(t *testing.T) {
	key, err := decodeSigningSecret(testSecret)
	require.NoError(t, err)
	assert.Equal(t, []byte("some_secret"), key)

	_, err = decodeSigningSecret("invalid_base64")
	assert.Error(t, err, "expected malformed base64 to fail")

	_, err = decodeSigningSecret("")
	assert.Error(t, err, "expected empty secret to fail")
}
