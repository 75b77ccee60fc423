package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/npezzotti/go-listen-together/internal/coordinator"
	"github.com/spf13/viper"
)

const envPrefix = "LISTEN"

// knownServers are substrings of the public relays run by the project.
var knownServers = []string{"metroserver", "meowery.eu"}

type ReconnectConfig struct {
	Initial  time.Duration `mapstructure:"initial"`
	Max      time.Duration `mapstructure:"max"`
	Attempts int           `mapstructure:"attempts"`
	Jitter   float64       `mapstructure:"jitter"`
}

// ClientConfig is what listenctl reads from its YAML file and LISTEN_*
// environment variables.
type ClientConfig struct {
	ServerURL         string          `mapstructure:"server_url"`
	Username          string          `mapstructure:"username"`
	UserId            string          `mapstructure:"user_id"`
	AutoApproval      bool            `mapstructure:"auto_approval"`
	SyncVolume        bool            `mapstructure:"sync_volume"`
	MuteHost          bool            `mapstructure:"mute_host"`
	JoinTimeout       time.Duration   `mapstructure:"join_timeout"`
	SyncTimeout       time.Duration   `mapstructure:"sync_timeout"`
	HeartbeatInterval time.Duration   `mapstructure:"heartbeat_interval"`
	BufferWait        bool            `mapstructure:"buffer_wait"`
	BufferTimeout     time.Duration   `mapstructure:"buffer_timeout"`
	Reconnect         ReconnectConfig `mapstructure:"reconnect"`

	// SessionFile holds the resume ticket of the current room. Empty puts
	// it next to the config file.
	SessionFile   string        `mapstructure:"session_file"`
	SessionMaxAge time.Duration `mapstructure:"session_max_age"`

	// GeneratedUserId is set when no user id was configured and a new one
	// was created.
	GeneratedUserId bool `mapstructure:"-"`

	v *viper.Viper
}

func setClientDefaults(v *viper.Viper) {
	v.SetDefault("server_url", "ws://localhost:8000/ws")
	v.SetDefault("username", "")
	v.SetDefault("user_id", "")
	v.SetDefault("auto_approval", false)
	v.SetDefault("sync_volume", true)
	v.SetDefault("mute_host", false)
	v.SetDefault("join_timeout", "30s")
	v.SetDefault("sync_timeout", "10s")
	v.SetDefault("heartbeat_interval", "15s")
	v.SetDefault("buffer_wait", true)
	v.SetDefault("buffer_timeout", "15s")
	v.SetDefault("session_file", "")
	v.SetDefault("session_max_age", DefaultTicketMaxAge.String())
	v.SetDefault("reconnect.initial", "1s")
	v.SetDefault("reconnect.max", "30s")
	v.SetDefault("reconnect.attempts", 15)
	v.SetDefault("reconnect.jitter", 0.2)
}

// LoadClient reads path, which may be empty or missing, on top of the
// defaults. Environment variables win over the file.
func LoadClient(path string) (*ClientConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setClientDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if _, err := os.Stat(path); err == nil {
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	cfg, err := unmarshalClient(v)
	if err != nil {
		return nil, err
	}

	if cfg.SessionFile == "" {
		cfg.SessionFile = defaultSessionFile(path)
	}

	if cfg.UserId == "" {
		cfg.UserId = uuid.NewString()
		cfg.GeneratedUserId = true
		v.Set("user_id", cfg.UserId)
		if path != "" {
			// keep the id stable across runs; a read-only file just means a
			// new id next time
			_ = v.WriteConfigAs(path)
		}
	}
	return cfg, nil
}

func defaultSessionFile(configPath string) string {
	if configPath == "" {
		return "listen-session.yaml"
	}
	return filepath.Join(filepath.Dir(configPath), "session.yaml")
}

func unmarshalClient(v *viper.Viper) (*ClientConfig, error) {
	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.v = v
	return &cfg, nil
}

func (c *ClientConfig) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url cannot be empty")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter >= 1 {
		return fmt.Errorf("reconnect.jitter must be in [0, 1), got %v", c.Reconnect.Jitter)
	}
	if c.Reconnect.Attempts < 0 {
		return fmt.Errorf("reconnect.attempts cannot be negative")
	}
	if c.SessionMaxAge < 0 {
		return fmt.Errorf("session_max_age cannot be negative")
	}
	return nil
}

// Watch calls fn with the reloaded config each time the file changes.
// Invalid edits are skipped.
func (c *ClientConfig) Watch(fn func(*ClientConfig)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	userId := c.UserId

	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := unmarshalClient(c.v)
		if err != nil {
			return
		}
		if next.UserId == "" {
			next.UserId = userId
		}
		if next.SessionFile == "" {
			next.SessionFile = c.SessionFile
		}
		fn(next)
	})
	c.v.WatchConfig()
}

func (c *ClientConfig) Settings() coordinator.Settings {
	return coordinator.Settings{
		AutoApproval: c.AutoApproval,
		SyncVolume:   c.SyncVolume,
		MuteHost:     c.MuteHost,
	}
}

func (c *ClientConfig) Backoff() coordinator.Backoff {
	return coordinator.Backoff{
		Initial:  c.Reconnect.Initial,
		Max:      c.Reconnect.Max,
		Attempts: c.Reconnect.Attempts,
		Jitter:   c.Reconnect.Jitter,
	}
}

func (c *ClientConfig) Sync() coordinator.Config {
	return coordinator.Config{
		HeartbeatInterval: c.HeartbeatInterval,
		SyncTimeout:       c.SyncTimeout,
		BufferWait:        c.BufferWait,
		BufferTimeout:     c.BufferTimeout,
	}
}

// IsKnownDefaultServer reports whether serverURL points at one of the
// project's public relays.
func IsKnownDefaultServer(serverURL string) bool {
	lower := strings.ToLower(serverURL)
	for _, s := range knownServers {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// WebSocketURL turns an http(s) or bare host URL into the relay's websocket
// endpoint.
func WebSocketURL(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q has no host", raw)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}
