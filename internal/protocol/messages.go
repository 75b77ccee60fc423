package protocol

import (
	"time"

	"github.com/npezzotti/go-listen-together/internal/types"
)

// Message is one of the variants declared in this file.
type Message interface {
	messageType() string
}

// Join failure codes carried by JoinRejected.
const (
	CodeRejected        = "rejected"
	CodeExpired         = "expired"
	CodeRoomNotFound    = "room_not_found"
	CodeRoomFull        = "room_full"
	CodeHostUnavailable = "host_unavailable"
	CodeAlreadyMember   = "already_member"
)

// Error codes carried by Error.
const (
	ErrCodeInvalidMessage  = "invalid_message"
	ErrCodeSessionNotFound = "session_not_found"
	ErrCodeNotAllowed      = "not_allowed"
	ErrCodeUnavailable     = "service_unavailable"
)

// RoomClosed reasons.
const (
	ReasonHostLeft    = "host_left"
	ReasonHostTimeout = "host_timeout"
	ReasonIdle        = "idle"
	ReasonShutdown    = "shutdown"
)

type CreateRoom struct {
	Username string `json:"username"`
}

type RoomCreated struct {
	RoomCode     string      `json:"room_code"`
	HostId       string      `json:"host_id"`
	Room         *types.Room `json:"room,omitempty"`
	SessionToken string      `json:"session_token,omitempty"`
}

type JoinRequest struct {
	RoomCode string `json:"room_code"`
	UserId   string `json:"user_id"`
	Username string `json:"username"`
}

type JoinApproved struct {
	UserId       string     `json:"user_id"`
	Room         types.Room `json:"room"`
	Seq          int64      `json:"seq"`
	SessionToken string     `json:"session_token,omitempty"`
}

type JoinRejected struct {
	UserId string `json:"user_id,omitempty"`
	Reason string `json:"reason"`
	Code   string `json:"code,omitempty"`
}

type StateUpdate struct {
	Room types.Room `json:"room"`
	Seq  int64      `json:"seq"`
}

type SyncRequest struct {
	UserId string `json:"user_id,omitempty"`
}

type UserJoined struct {
	User types.User `json:"user"`
}

type UserLeft struct {
	UserId string `json:"user_id"`
}

// Heartbeat with a room is treated as a StateUpdate of the same sequence
// number. Without one it only signals liveness.
type Heartbeat struct {
	Room *types.Room `json:"room,omitempty"`
	Seq  int64       `json:"seq,omitempty"`
}

type Leave struct {
	UserId string `json:"user_id,omitempty"`
}

type Reconnect struct {
	SessionToken string `json:"session_token"`
}

type Reconnected struct {
	Room types.Room     `json:"room"`
	Role types.RoomRole `json:"role"`
	Seq  int64          `json:"seq"`
}

type UserDisconnected struct {
	UserId string `json:"user_id"`
}

type UserReconnected struct {
	UserId string `json:"user_id"`
}

type RoomClosed struct {
	RoomCode string `json:"room_code"`
	Reason   string `json:"reason"`
}

type Kick struct {
	UserId string `json:"user_id"`
}

type Kicked struct {
	Reason string `json:"reason,omitempty"`
}

// BufferReady tells the relay a guest has loaded TrackId. The relay fills in
// UserId.
type BufferReady struct {
	TrackId string `json:"track_id"`
	UserId  string `json:"user_id,omitempty"`
}

// BufferWait lists the guests still loading TrackId.
type BufferWait struct {
	TrackId    string   `json:"track_id"`
	WaitingFor []string `json:"waiting_for"`
}

// BufferComplete releases guests held on TrackId. Room carries the host
// position at the moment the last guest became ready.
type BufferComplete struct {
	TrackId string      `json:"track_id"`
	Room    *types.Room `json:"room,omitempty"`
	Seq     int64       `json:"seq,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (*CreateRoom) messageType() string       { return "create_room" }
func (*RoomCreated) messageType() string      { return "room_created" }
func (*JoinRequest) messageType() string      { return "join_request" }
func (*JoinApproved) messageType() string     { return "join_approved" }
func (*JoinRejected) messageType() string     { return "join_rejected" }
func (*StateUpdate) messageType() string      { return "state_update" }
func (*SyncRequest) messageType() string      { return "sync_request" }
func (*UserJoined) messageType() string       { return "user_joined" }
func (*UserLeft) messageType() string         { return "user_left" }
func (*Heartbeat) messageType() string        { return "heartbeat" }
func (*Leave) messageType() string            { return "leave" }
func (*Reconnect) messageType() string        { return "reconnect" }
func (*Reconnected) messageType() string      { return "reconnected" }
func (*UserDisconnected) messageType() string { return "user_disconnected" }
func (*UserReconnected) messageType() string  { return "user_reconnected" }
func (*RoomClosed) messageType() string       { return "room_closed" }
func (*Kick) messageType() string             { return "kick" }
func (*Kicked) messageType() string           { return "kicked" }
func (*BufferReady) messageType() string      { return "buffer_ready" }
func (*BufferWait) messageType() string       { return "buffer_wait" }
func (*BufferComplete) messageType() string   { return "buffer_complete" }
func (*Error) messageType() string            { return "error" }

// TypeOf returns the wire key of m.
func TypeOf(m Message) string {
	if m == nil {
		return ""
	}
	return m.messageType()
}

func ErrInvalidMessage(detail string) *Error {
	return &Error{Code: ErrCodeInvalidMessage, Message: detail}
}

func ErrSessionNotFound() *Error {
	return &Error{Code: ErrCodeSessionNotFound, Message: "session not found"}
}

func ErrNotAllowed(detail string) *Error {
	return &Error{Code: ErrCodeNotAllowed, Message: detail}
}

func ErrServiceUnavailable() *Error {
	return &Error{Code: ErrCodeUnavailable, Message: "service unavailable"}
}

func RejectRoomNotFound(userId string) *JoinRejected {
	return &JoinRejected{UserId: userId, Reason: "room not found", Code: CodeRoomNotFound}
}

func RejectHostUnavailable(userId string) *JoinRejected {
	return &JoinRejected{UserId: userId, Reason: "host is not connected", Code: CodeHostUnavailable}
}

func RejectRoomFull(userId string) *JoinRejected {
	return &JoinRejected{UserId: userId, Reason: "room is full", Code: CodeRoomFull}
}

func RejectAlreadyMember(userId string) *JoinRejected {
	return &JoinRejected{UserId: userId, Reason: "user is already in the room", Code: CodeAlreadyMember}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
