package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/npezzotti/go-listen-together/internal/types"
	"github.com/spf13/viper"
)

// DefaultTicketMaxAge matches the relay's default grace period; an older
// ticket points at a seat that is already gone.
const DefaultTicketMaxAge = 10 * time.Minute

var (
	ErrNoTicket      = errors.New("config: no saved session")
	ErrTicketExpired = errors.New("config: saved session is too old to resume")
)

// TicketFile keeps the resume ticket of the last room as YAML.
type TicketFile struct {
	path string
}

func NewTicketFile(path string) *TicketFile {
	return &TicketFile{path: path}
}

func (f *TicketFile) Path() string {
	return f.path
}

func (f *TicketFile) SaveTicket(t types.SessionTicket) error {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigPermissions(0o600)
	v.Set("room_code", t.RoomCode)
	v.Set("user_id", t.UserId)
	v.Set("username", t.Username)
	v.Set("role", t.Role.String())
	v.Set("token", t.Token)
	v.Set("saved_at", t.SavedAt.UnixMilli())

	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("session dir: %w", err)
		}
	}
	if err := v.WriteConfigAs(f.path); err != nil {
		return fmt.Errorf("write session file %s: %w", f.path, err)
	}
	return nil
}

func (f *TicketFile) ClearTicket() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session file %s: %w", f.path, err)
	}
	return nil
}

// Load reads the saved ticket. A ticket older than maxAge is removed and
// reported as ErrTicketExpired; maxAge <= 0 accepts any age.
func (f *TicketFile) Load(now time.Time, maxAge time.Duration) (types.SessionTicket, error) {
	if _, err := os.Stat(f.path); errors.Is(err, os.ErrNotExist) {
		return types.SessionTicket{}, ErrNoTicket
	} else if err != nil {
		return types.SessionTicket{}, fmt.Errorf("stat session file %s: %w", f.path, err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(f.path)
	if err := v.ReadInConfig(); err != nil {
		return types.SessionTicket{}, fmt.Errorf("read session file %s: %w", f.path, err)
	}

	role, err := types.ParseRoomRole(v.GetString("role"))
	if err != nil {
		return types.SessionTicket{}, fmt.Errorf("session file %s: %w", f.path, err)
	}
	t := types.SessionTicket{
		RoomCode: v.GetString("room_code"),
		UserId:   v.GetString("user_id"),
		Username: v.GetString("username"),
		Role:     role,
		Token:    v.GetString("token"),
		SavedAt:  time.UnixMilli(v.GetInt64("saved_at")).UTC(),
	}
	if t.RoomCode == "" || t.Token == "" {
		return types.SessionTicket{}, fmt.Errorf("session file %s: %w", f.path, ErrNoTicket)
	}

	if maxAge > 0 && now.Sub(t.SavedAt) > maxAge {
		if err := f.ClearTicket(); err != nil {
			return types.SessionTicket{}, err
		}
		return types.SessionTicket{}, ErrTicketExpired
	}
	return t, nil
}
