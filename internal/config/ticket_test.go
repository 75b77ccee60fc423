package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/npezzotti/go-listen-together/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicketFile(t *testing.T) {
	saved := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ticket := types.SessionTicket{
		RoomCode: "QSVF5H5P",
		UserId:   "u2",
		Username: "Sam",
		Role:     types.RoleGuest,
		Token:    "tok",
		SavedAt:  saved,
	}

	t.Run("round trip", func(t *testing.T) {
		f := NewTicketFile(filepath.Join(t.TempDir(), "state", "session.yaml"))
		require.NoError(t, f.SaveTicket(ticket), "expected the ticket to be written")

		info, err := os.Stat(f.Path())
		require.NoError(t, err, "expected the file to exist")
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "expected the token to be private")

		got, err := f.Load(saved.Add(time.Minute), DefaultTicketMaxAge)
		require.NoError(t, err, "expected the ticket to load")
		assert.Equal(t, ticket, got, "expected the saved ticket back")
	})

	t.Run("missing", func(t *testing.T) {
		f := NewTicketFile(filepath.Join(t.TempDir(), "session.yaml"))
		_, err := f.Load(saved, DefaultTicketMaxAge)
		assert.ErrorIs(t, err, ErrNoTicket, "expected no ticket")
		assert.NoError(t, f.ClearTicket(), "expected clearing a missing file to succeed")
	})

	t.Run("expired", func(t *testing.T) {
		f := NewTicketFile(filepath.Join(t.TempDir(), "session.yaml"))
		require.NoError(t, f.SaveTicket(ticket), "expected the ticket to be written")

		_, err := f.Load(saved.Add(DefaultTicketMaxAge+time.Second), DefaultTicketMaxAge)
		assert.ErrorIs(t, err, ErrTicketExpired, "expected an expired ticket")
		_, err = os.Stat(f.Path())
		assert.ErrorIs(t, err, os.ErrNotExist, "expected the expired ticket removed")
	})

	t.Run("incomplete", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "session.yaml")
		writeConfig(t, path, "room_code: QSVF5H5P\nrole: guest\n")
		_, err := NewTicketFile(path).Load(saved, 0)
		assert.ErrorIs(t, err, ErrNoTicket, "expected a ticket without a token to be refused")
	})

	t.Run("unknown role", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "session.yaml")
		writeConfig(t, path, "room_code: QSVF5H5P\ntoken: tok\nrole: owner\n")
		_, err := NewTicketFile(path).Load(saved, 0)
		assert.ErrorContains(t, err, "owner", "expected the role error")
	})

	t.Run("cleared", func(t *testing.T) {
		f := NewTicketFile(filepath.Join(t.TempDir(), "session.yaml"))
		require.NoError(t, f.SaveTicket(ticket), "expected the ticket to be written")
		require.NoError(t, f.ClearTicket(), "expected the ticket to be removed")
		_, err := f.Load(saved, 0)
		assert.ErrorIs(t, err, ErrNoTicket, "expected no ticket after clearing")
	})
}
