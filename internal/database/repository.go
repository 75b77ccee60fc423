package database

import "time"

// RoomRepository records the history of rooms and who took part in them.
// Live room state never touches the database.
type RoomRepository interface {
	Ping() error
	CreateRoom(params CreateRoomParams) (Room, error)
	AddParticipant(params AddParticipantParams) error
	CloseRoom(code, reason string, closedAt time.Time) error
	GetRoomByCode(code string) (Room, error)
}
