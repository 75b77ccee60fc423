package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600), "writing config file")
}

func TestLoadClientDefaults(t *testing.T) {
	cfg, err := LoadClient("")
	require.NoError(t, err, "expected defaults to load")

	assert.Equal(t, "ws://localhost:8000/ws", cfg.ServerURL, "unexpected default server")
	assert.True(t, cfg.SyncVolume, "expected volume sync on by default")
	assert.False(t, cfg.AutoApproval, "expected manual approval by default")
	assert.Equal(t, 30*time.Second, cfg.JoinTimeout, "unexpected join timeout")
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval, "unexpected heartbeat interval")
	assert.Equal(t, 15, cfg.Reconnect.Attempts, "unexpected reconnect attempts")
	assert.True(t, cfg.GeneratedUserId, "expected a generated user id")
	assert.True(t, cfg.BufferWait, "expected buffering on by default")
	assert.Equal(t, 15*time.Second, cfg.Sync().BufferTimeout, "unexpected buffer timeout")
	assert.Equal(t, "listen-session.yaml", cfg.SessionFile, "expected a session file in the working dir")
	assert.Equal(t, DefaultTicketMaxAge, cfg.SessionMaxAge, "unexpected session max age")

	_, err = uuid.Parse(cfg.UserId)
	assert.NoError(t, err, "expected a uuid user id")
}

func TestLoadClientFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listen.yaml")
	writeConfig(t, path, `
server_url: wss://relay.example.com/ws
username: alice
user_id: fixed-id
auto_approval: true
mute_host: true
join_timeout: 45s
reconnect:
  initial: 2s
  attempts: 3
  jitter: 0
`)

	cfg, err := LoadClient(path)
	require.NoError(t, err, "expected file to load")

	assert.Equal(t, "wss://relay.example.com/ws", cfg.ServerURL, "unexpected server")
	assert.Equal(t, "alice", cfg.Username, "unexpected username")
	assert.Equal(t, "fixed-id", cfg.UserId, "expected configured user id")
	assert.False(t, cfg.GeneratedUserId, "expected no generated id")
	assert.Equal(t, 45*time.Second, cfg.JoinTimeout, "unexpected join timeout")

	b := cfg.Backoff()
	assert.Equal(t, 2*time.Second, b.Initial, "unexpected initial backoff")
	assert.Equal(t, 30*time.Second, b.Max, "expected default max backoff")
	assert.Equal(t, 3, b.Attempts, "unexpected attempts")
	assert.Zero(t, b.Jitter, "expected no jitter")

	assert.Equal(t, filepath.Join(filepath.Dir(path), "session.yaml"), cfg.SessionFile, "expected the session file next to the config")

	s := cfg.Settings()
	assert.True(t, s.AutoApproval, "expected auto approval")
	assert.True(t, s.MuteHost, "expected mute host")
	assert.True(t, s.SyncVolume, "expected default volume sync")
}

func TestLoadClientEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listen.yaml")
	writeConfig(t, path, "server_url: ws://from-file/ws\nuser_id: abc\n")
	t.Setenv("LISTEN_SERVER_URL", "ws://from-env/ws")
	t.Setenv("LISTEN_RECONNECT_ATTEMPTS", "7")

	cfg, err := LoadClient(path)
	require.NoError(t, err, "expected config to load")
	assert.Equal(t, "ws://from-env/ws", cfg.ServerURL, "expected env to win over file")
	assert.Equal(t, 7, cfg.Reconnect.Attempts, "expected nested env override")
}

func TestLoadClientPersistsGeneratedId(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listen.yaml")
	writeConfig(t, path, "username: bob\n")

	first, err := LoadClient(path)
	require.NoError(t, err, "expected config to load")
	require.True(t, first.GeneratedUserId, "expected a generated id")

	second, err := LoadClient(path)
	require.NoError(t, err, "expected config to reload")
	assert.Equal(t, first.UserId, second.UserId, "expected the id to be stable")
	assert.False(t, second.GeneratedUserId, "expected the id to come from the file")
}

func TestLoadClientInvalid(t *testing.T) {
	tcases := []struct {
		name string
		body string
	}{
		{name: "bad yaml", body: "server_url: [unclosed"},
		{name: "jitter out of range", body: "user_id: x\nreconnect:\n  jitter: 1.5\n"},
		{name: "bad duration", body: "user_id: x\njoin_timeout: soon\n"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "listen.yaml")
			writeConfig(t, path, tc.body)
			_, err := LoadClient(path)
			assert.Error(t, err, "expected load to fail")
		})
	}
}

func TestWatchReloadsSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listen.yaml")
	writeConfig(t, path, "user_id: watcher\nauto_approval: false\n")

	cfg, err := LoadClient(path)
	require.NoError(t, err, "expected config to load")

	changes := make(chan *ClientConfig, 8)
	cfg.Watch(func(c *ClientConfig) { changes <- c })

	// give the watcher time to attach
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, path, "user_id: watcher\nauto_approval: true\n")

	select {
	case c := <-changes:
		assert.True(t, c.AutoApproval, "expected the new flag")
		assert.Equal(t, "watcher", c.UserId, "expected the user id to carry over")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

func TestIsKnownDefaultServer(t *testing.T) {
	tcases := []struct {
		url  string
		want bool
	}{
		{url: "wss://metroserver.example/ws", want: true},
		{url: "wss://LISTEN.MEOWERY.EU/ws", want: true},
		{url: "ws://localhost:8000/ws", want: false},
		{url: "", want: false},
	}

	for _, tc := range tcases {
		t.Run(tc.url, func(t *testing.T) {
			assert.Equal(t, tc.want, IsKnownDefaultServer(tc.url), "unexpected result for %q", tc.url)
		})
	}
}

func TestWebSocketURL(t *testing.T) {
	tcases := []struct {
		name  string
		input string
		want  string
		err   bool
	}{
		{name: "https", input: "https://relay.example.com", want: "wss://relay.example.com/ws"},
		{name: "http with path", input: "http://localhost:8000/custom", want: "ws://localhost:8000/custom"},
		{name: "bare host", input: "localhost:8000", want: "ws://localhost:8000/ws"},
		{name: "already ws", input: "ws://localhost:8000/ws", want: "ws://localhost:8000/ws"},
		{name: "unsupported scheme", input: "ftp://relay", err: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := WebSocketURL(tc.input)
			if tc.err {
				assert.Error(t, err, "expected error for %q", tc.input)
				return
			}
			assert.NoError(t, err, "expected no error for %q", tc.input)
			assert.Equal(t, tc.want, got, "unexpected websocket url")
		})
	}
}
