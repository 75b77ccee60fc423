package store

import (
	"github.com/npezzotti/go-listen-together/internal/protocol"
	"github.com/npezzotti/go-listen-together/internal/types"
)

// State is an immutable snapshot of the local view of a room.
type State struct {
	// Room is nil when the client is not in a room.
	Room *types.Room
	// Seq is the sequence number of the last applied playback update.
	Seq int64
	// Force makes the next playback update with Seq >= the current one apply
	// even when the number is not newer. It is set while a resync is pending.
	Force bool
}

// Reduce returns the state that results from applying m to s, and whether
// anything changed. s is never modified.
func Reduce(s State, m protocol.Message) (State, bool) {
	switch msg := m.(type) {
	case *protocol.RoomCreated:
		if msg.Room == nil {
			return s, false
		}
		return State{Room: msg.Room.Clone()}, true

	case *protocol.JoinApproved:
		// full snapshot from the host
		return State{Room: normalize(msg.Room.Clone()), Seq: msg.Seq}, true

	case *protocol.Reconnected:
		return applyReconnected(s, msg), true

	case *protocol.StateUpdate:
		return applyPlayback(s, &msg.Room, msg.Seq)

	case *protocol.Heartbeat:
		if msg.Room == nil {
			return s, false
		}
		return applyPlayback(s, msg.Room, msg.Seq)

	case *protocol.UserJoined:
		return applyUserJoined(s, msg.User)

	case *protocol.UserLeft:
		if s.Room == nil || msg.UserId == s.Room.HostId {
			return s, false
		}
		if _, ok := s.Room.Users[msg.UserId]; !ok {
			return s, false
		}
		next := s.Room.Clone()
		delete(next.Users, msg.UserId)
		return State{Room: next, Seq: s.Seq, Force: s.Force}, true

	case *protocol.UserDisconnected:
		return setConnected(s, msg.UserId, false)

	case *protocol.UserReconnected:
		return setConnected(s, msg.UserId, true)

	case *protocol.RoomClosed, *protocol.Kicked, *protocol.Leave:
		if s.Room == nil {
			return s, false
		}
		return State{}, true
	}

	return s, false
}

func applyPlayback(s State, src *types.Room, seq int64) (State, bool) {
	if s.Room == nil {
		return s, false
	}
	if seq < s.Seq || (seq == s.Seq && !s.Force) {
		return s, false
	}

	next := s.Room.Clone()
	next.CopyPlayback(src)
	return State{Room: next, Seq: seq}, true
}

func applyUserJoined(s State, u types.User) (State, bool) {
	if s.Room == nil || u.UserId == "" {
		return s, false
	}

	u.IsHost = u.UserId == s.Room.HostId
	u.IsConnected = true
	if cur, ok := s.Room.Users[u.UserId]; ok && cur == u {
		return s, false
	}

	next := s.Room.Clone()
	next.Users[u.UserId] = u
	return State{Room: next, Seq: s.Seq, Force: s.Force}, true
}

func setConnected(s State, userId string, connected bool) (State, bool) {
	if s.Room == nil {
		return s, false
	}
	u, ok := s.Room.Users[userId]
	if !ok || u.IsConnected == connected {
		return s, false
	}

	next := s.Room.Clone()
	u.IsConnected = connected
	next.Users[userId] = u
	return State{Room: next, Seq: s.Seq, Force: s.Force}, true
}

func applyReconnected(s State, msg *protocol.Reconnected) State {
	next := normalize(msg.Room.Clone())
	if s.Room != nil && s.Room.RoomCode == next.RoomCode && msg.Seq < s.Seq {
		// the server's cache is behind what we already applied
		next.CopyPlayback(s.Room)
		return State{Room: next, Seq: s.Seq, Force: s.Force}
	}
	return State{Room: next, Seq: msg.Seq, Force: s.Force}
}

// normalize restores the host flag invariant on a snapshot received from the
// network.
func normalize(r *types.Room) *types.Room {
	if r.Users == nil {
		r.Users = make(map[string]types.User)
	}
	for id, u := range r.Users {
		u.UserId = id
		u.IsHost = id == r.HostId
		r.Users[id] = u
	}
	return r
}
