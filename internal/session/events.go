package session

import (
	"github.com/npezzotti/go-listen-together/internal/transport"
	"github.com/npezzotti/go-listen-together/internal/types"
)

type EventKind int

const (
	// EventRoom carries a new room snapshot, nil after leaving.
	EventRoom EventKind = iota
	EventConnection
	EventRole
	EventPending
	// EventJoinRejected ends a join attempt: rejected, expired, room not
	// found, room full or host unavailable (see Code).
	EventJoinRejected
	EventRoomClosed
	EventKicked
	EventError
	// EventBuffer reports guests still loading TrackId. An empty Waiting
	// list means everyone is ready.
	EventBuffer
)

func (k EventKind) String() string {
	switch k {
	case EventRoom:
		return "room"
	case EventConnection:
		return "connection"
	case EventRole:
		return "role"
	case EventPending:
		return "pending"
	case EventJoinRejected:
		return "join_rejected"
	case EventRoomClosed:
		return "room_closed"
	case EventKicked:
		return "kicked"
	case EventError:
		return "error"
	case EventBuffer:
		return "buffer"
	}
	return "unknown"
}

type Event struct {
	Kind    EventKind
	Room    *types.Room
	State   transport.State
	Role    types.RoomRole
	Pending []types.JoinRequest
	Code    string
	Reason  string
	TrackId string
	Waiting []string
}

const subscriberBuffer = 64

// Subscribe returns a channel of session events and a function that
// unsubscribes and closes it. Slow subscribers miss events rather than
// stall the session.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subsMu.Unlock()

	return ch, func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *Session) publish(e Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
			s.log.Warn().Str("event", e.Kind.String()).Msg("subscriber full, dropping event")
		}
	}
}

func (s *Session) closeSubscribers() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
