package database

import (
	"database/sql"
	"time"
)

type Room struct {
	Id           int
	Code         string
	HostId       string
	HostName     string
	CreatedAt    time.Time
	ClosedAt     sql.NullTime
	CloseReason  string
	Participants []Participant
}

func (r Room) Closed() bool {
	return r.ClosedAt.Valid
}

type Participant struct {
	UserId   string
	Username string
	IsHost   bool
	JoinedAt time.Time
}

type CreateRoomParams struct {
	Code      string
	HostId    string
	HostName  string
	CreatedAt time.Time
}

type AddParticipantParams struct {
	Code     string
	UserId   string
	Username string
	IsHost   bool
	JoinedAt time.Time
}
