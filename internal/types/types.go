package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

type Track struct {
	Id         string `json:"id"`
	Title      string `json:"title"`
	Artist     string `json:"artist,omitempty"`
	Thumbnail  string `json:"thumbnail,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

type User struct {
	UserId      string `json:"user_id"`
	Username    string `json:"username"`
	IsHost      bool   `json:"is_host"`
	IsConnected bool   `json:"is_connected"`
}

// Room is a point-in-time view of a listening session. Values handed out by
// the state store are never mutated; use Clone before changing anything.
type Room struct {
	RoomCode           string          `json:"room_code"`
	HostId             string          `json:"host_id"`
	Users              map[string]User `json:"users"`
	CurrentTrack       *Track          `json:"current_track,omitempty"`
	IsPlaying          bool            `json:"is_playing"`
	PlaybackPositionMs int64           `json:"playback_position_ms"`
	Volume             float64         `json:"volume"`
	CreatedAt          time.Time       `json:"created_at"`
}

type JoinRequest struct {
	UserId      string    `json:"user_id"`
	Username    string    `json:"username"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewRoom returns a room whose only member is the connected host.
func NewRoom(code string, host User, createdAt time.Time) *Room {
	host.IsHost = true
	host.IsConnected = true
	return &Room{
		RoomCode:  code,
		HostId:    host.UserId,
		Users:     map[string]User{host.UserId: host},
		Volume:    1,
		CreatedAt: createdAt,
	}
}

func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}

	c := *r
	c.Users = make(map[string]User, len(r.Users))
	for id, u := range r.Users {
		c.Users[id] = u
	}
	if r.CurrentTrack != nil {
		t := *r.CurrentTrack
		c.CurrentTrack = &t
	}
	return &c
}

// CopyPlayback overwrites the host-owned playback fields with those of src.
func (r *Room) CopyPlayback(src *Room) {
	if src.CurrentTrack != nil {
		t := *src.CurrentTrack
		r.CurrentTrack = &t
	} else {
		r.CurrentTrack = nil
	}
	r.IsPlaying = src.IsPlaying
	r.PlaybackPositionMs = src.PlaybackPositionMs
	r.Volume = src.Volume
}

func (r *Room) Host() (User, bool) {
	u, ok := r.Users[r.HostId]
	return u, ok
}

func (r *Room) ConnectedCount() int {
	n := 0
	for _, u := range r.Users {
		if u.IsConnected {
			n++
		}
	}
	return n
}

// SortedUsers returns the members ordered host first, then by username.
func (r *Room) SortedUsers() []User {
	users := make([]User, 0, len(r.Users))
	for _, u := range r.Users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].IsHost != users[j].IsHost {
			return users[i].IsHost
		}
		if users[i].Username != users[j].Username {
			return users[i].Username < users[j].Username
		}
		return users[i].UserId < users[j].UserId
	})
	return users
}

// Validate checks that exactly one member is flagged as host and that it is
// the member named by HostId.
func (r *Room) Validate() error {
	hosts := 0
	for id, u := range r.Users {
		if id != u.UserId {
			return fmt.Errorf("user %q stored under key %q", u.UserId, id)
		}
		if u.IsHost {
			hosts++
			if u.UserId != r.HostId {
				return fmt.Errorf("user %q flagged as host, host is %q", u.UserId, r.HostId)
			}
		}
	}
	if hosts != 1 {
		return fmt.Errorf("room %q has %d hosts", r.RoomCode, hosts)
	}
	return nil
}

type RoomRole int

const (
	RoleNone RoomRole = iota
	RoleHost
	RoleGuest
)

func (r RoomRole) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleGuest:
		return "guest"
	default:
		return "none"
	}
}

func (r RoomRole) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *RoomRole) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	role, err := ParseRoomRole(s)
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// ParseRoomRole is the inverse of RoomRole.String. The empty string is
// RoleNone.
func ParseRoomRole(s string) (RoomRole, error) {
	switch s {
	case "host":
		return RoleHost, nil
	case "guest":
		return RoleGuest, nil
	case "none", "":
		return RoleNone, nil
	}
	return RoleNone, fmt.Errorf("unknown room role %q", s)
}

// SessionTicket is what a client keeps between runs to resume its seat in
// a room with Reconnect.
type SessionTicket struct {
	RoomCode string
	UserId   string
	Username string
	Role     RoomRole
	Token    string
	SavedAt  time.Time
}
