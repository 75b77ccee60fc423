package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

const (
	DefaultHostGrace   = 10 * time.Minute
	DefaultIdleTimeout = 5 * time.Minute
	DefaultMaxUsers    = 50
	DefaultBufferWait  = 10 * time.Second
)

// ServerConfig is the validated configuration of the relay server.
type ServerConfig struct {
	ServerAddr     string
	DatabaseDSN    string
	SigningKey     []byte
	AllowedOrigins []string
	// HostGrace is how long a room survives without its host, and how long a
	// disconnected guest keeps its seat.
	HostGrace   time.Duration
	IdleTimeout time.Duration
	MaxUsers    int
	// BufferTimeout is how long guests are held on a new track while the
	// slowest one loads it.
	BufferTimeout time.Duration
	Advertise     bool
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewServerConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*ServerConfig, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &ServerConfig{
		ServerAddr:     serverAddr,
		DatabaseDSN:    databaseDSN,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		HostGrace:      DefaultHostGrace,
		IdleTimeout:    DefaultIdleTimeout,
		MaxUsers:       DefaultMaxUsers,
		BufferTimeout:  DefaultBufferWait,
	}, nil
}

// Validate checks the tunables set after construction.
func (c *ServerConfig) Validate() error {
	if c.HostGrace <= 0 {
		return fmt.Errorf("host grace must be positive, got %s", c.HostGrace)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %s", c.IdleTimeout)
	}
	if c.MaxUsers < 2 {
		return fmt.Errorf("max users must be at least 2, got %d", c.MaxUsers)
	}
	if c.BufferTimeout <= 0 {
		return fmt.Errorf("buffer timeout must be positive, got %s", c.BufferTimeout)
	}
	return nil
}
