package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrUnknownMessage = errors.New("unknown message type")

type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %s", e.Reason, e.Err.Error())
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// envelope is the frame layout: a timestamp and exactly one variant.
type envelope struct {
	Timestamp        time.Time         `json:"timestamp"`
	CreateRoom       *CreateRoom       `json:"create_room,omitempty"`
	RoomCreated      *RoomCreated      `json:"room_created,omitempty"`
	JoinRequest      *JoinRequest      `json:"join_request,omitempty"`
	JoinApproved     *JoinApproved     `json:"join_approved,omitempty"`
	JoinRejected     *JoinRejected     `json:"join_rejected,omitempty"`
	StateUpdate      *StateUpdate      `json:"state_update,omitempty"`
	SyncRequest      *SyncRequest      `json:"sync_request,omitempty"`
	UserJoined       *UserJoined       `json:"user_joined,omitempty"`
	UserLeft         *UserLeft         `json:"user_left,omitempty"`
	Heartbeat        *Heartbeat        `json:"heartbeat,omitempty"`
	Leave            *Leave            `json:"leave,omitempty"`
	Reconnect        *Reconnect        `json:"reconnect,omitempty"`
	Reconnected      *Reconnected      `json:"reconnected,omitempty"`
	UserDisconnected *UserDisconnected `json:"user_disconnected,omitempty"`
	UserReconnected  *UserReconnected  `json:"user_reconnected,omitempty"`
	RoomClosed       *RoomClosed       `json:"room_closed,omitempty"`
	Kick             *Kick             `json:"kick,omitempty"`
	Kicked           *Kicked           `json:"kicked,omitempty"`
	BufferReady      *BufferReady      `json:"buffer_ready,omitempty"`
	BufferWait       *BufferWait       `json:"buffer_wait,omitempty"`
	BufferComplete   *BufferComplete   `json:"buffer_complete,omitempty"`
	Error            *Error            `json:"error,omitempty"`
}

// Encode serializes m into a single frame.
func Encode(m Message) ([]byte, error) {
	env := envelope{Timestamp: Now()}

	switch v := m.(type) {
	case *CreateRoom:
		env.CreateRoom = v
	case *RoomCreated:
		env.RoomCreated = v
	case *JoinRequest:
		env.JoinRequest = v
	case *JoinApproved:
		env.JoinApproved = v
	case *JoinRejected:
		env.JoinRejected = v
	case *StateUpdate:
		env.StateUpdate = v
	case *SyncRequest:
		env.SyncRequest = v
	case *UserJoined:
		env.UserJoined = v
	case *UserLeft:
		env.UserLeft = v
	case *Heartbeat:
		env.Heartbeat = v
	case *Leave:
		env.Leave = v
	case *Reconnect:
		env.Reconnect = v
	case *Reconnected:
		env.Reconnected = v
	case *UserDisconnected:
		env.UserDisconnected = v
	case *UserReconnected:
		env.UserReconnected = v
	case *RoomClosed:
		env.RoomClosed = v
	case *Kick:
		env.Kick = v
	case *Kicked:
		env.Kicked = v
	case *BufferReady:
		env.BufferReady = v
	case *BufferWait:
		env.BufferWait = v
	case *BufferComplete:
		env.BufferComplete = v
	case *Error:
		env.Error = v
	default:
		return nil, fmt.Errorf("encode %T: %w", m, ErrUnknownMessage)
	}

	return json.Marshal(env)
}

// Decode parses a single frame. Frames that are not valid JSON or do not
// carry exactly one known variant fail with *DecodeError.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Reason: "malformed frame", Err: err}
	}

	found := env.variants()
	switch len(found) {
	case 0:
		return nil, &DecodeError{Reason: "no known variant", Err: ErrUnknownMessage}
	case 1:
		return found[0], nil
	default:
		names := make([]string, len(found))
		for i, m := range found {
			names[i] = m.messageType()
		}
		return nil, &DecodeError{Reason: "multiple variants: " + strings.Join(names, ",")}
	}
}

func (e *envelope) variants() []Message {
	var out []Message
	add := func(ok bool, m Message) {
		if ok {
			out = append(out, m)
		}
	}

	add(e.CreateRoom != nil, e.CreateRoom)
	add(e.RoomCreated != nil, e.RoomCreated)
	add(e.JoinRequest != nil, e.JoinRequest)
	add(e.JoinApproved != nil, e.JoinApproved)
	add(e.JoinRejected != nil, e.JoinRejected)
	add(e.StateUpdate != nil, e.StateUpdate)
	add(e.SyncRequest != nil, e.SyncRequest)
	add(e.UserJoined != nil, e.UserJoined)
	add(e.UserLeft != nil, e.UserLeft)
	add(e.Heartbeat != nil, e.Heartbeat)
	add(e.Leave != nil, e.Leave)
	add(e.Reconnect != nil, e.Reconnect)
	add(e.Reconnected != nil, e.Reconnected)
	add(e.UserDisconnected != nil, e.UserDisconnected)
	add(e.UserReconnected != nil, e.UserReconnected)
	add(e.RoomClosed != nil, e.RoomClosed)
	add(e.Kick != nil, e.Kick)
	add(e.Kicked != nil, e.Kicked)
	add(e.BufferReady != nil, e.BufferReady)
	add(e.BufferWait != nil, e.BufferWait)
	add(e.BufferComplete != nil, e.BufferComplete)
	add(e.Error != nil, e.Error)
	return out
}
