package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

var ErrRoomNotFound = errors.New("room not found")

type PgRoomRepository struct {
	conn *sql.DB
}

func NewPgRoomRepository(dsn string) (*PgRoomRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgRoomRepository{conn: db}, nil
}

// DB exposes the pool for migrations.
func (db *PgRoomRepository) DB() *sql.DB {
	return db.conn
}

func (db *PgRoomRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *PgRoomRepository) Ping() error {
	return db.conn.Ping()
}

func (db *PgRoomRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Room{}, err
	}
	defer tx.Rollback()

	var r Room
	err = tx.QueryRow(
		"INSERT INTO rooms (code, host_id, host_name, created_at) "+
			"VALUES ($1, $2, $3, $4) RETURNING id, code, host_id, host_name, created_at",
		params.Code,
		params.HostId,
		params.HostName,
		params.CreatedAt.UTC(),
	).Scan(&r.Id, &r.Code, &r.HostId, &r.HostName, &r.CreatedAt)
	if err != nil {
		return Room{}, fmt.Errorf("insert room: %w", err)
	}

	host := Participant{UserId: params.HostId, Username: params.HostName, IsHost: true, JoinedAt: params.CreatedAt.UTC()}
	if _, err := tx.Exec(
		"INSERT INTO participants (room_id, user_id, username, is_host, joined_at) VALUES ($1, $2, $3, $4, $5)",
		r.Id, host.UserId, host.Username, host.IsHost, host.JoinedAt,
	); err != nil {
		return Room{}, fmt.Errorf("insert host: %w", err)
	}
	r.Participants = []Participant{host}

	return r, tx.Commit()
}

// AddParticipant records a member once per room; repeated joins keep the
// first join time.
func (db *PgRoomRepository) AddParticipant(params AddParticipantParams) error {
	_, err := db.conn.Exec(
		"INSERT INTO participants (room_id, user_id, username, is_host, joined_at) "+
			"SELECT id, $2, $3, $4, $5 FROM rooms WHERE code = $1 AND closed_at IS NULL "+
			"ON CONFLICT (room_id, user_id) DO NOTHING",
		params.Code,
		params.UserId,
		params.Username,
		params.IsHost,
		params.JoinedAt.UTC(),
	)
	return err
}

func (db *PgRoomRepository) CloseRoom(code, reason string, closedAt time.Time) error {
	res, err := db.conn.Exec(
		"UPDATE rooms SET closed_at = $2, close_reason = $3 WHERE code = $1 AND closed_at IS NULL",
		code,
		closedAt.UTC(),
		reason,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRoomNotFound
	}
	return nil
}

// GetRoomByCode returns the most recent room that used code.
func (db *PgRoomRepository) GetRoomByCode(code string) (Room, error) {
	var (
		r      Room
		reason sql.NullString
	)
	err := db.conn.QueryRow(
		"SELECT id, code, host_id, host_name, created_at, closed_at, close_reason FROM rooms "+
			"WHERE code = $1 ORDER BY created_at DESC LIMIT 1",
		code,
	).Scan(&r.Id, &r.Code, &r.HostId, &r.HostName, &r.CreatedAt, &r.ClosedAt, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, err
	}
	r.CloseReason = reason.String

	rows, err := db.conn.Query(
		"SELECT user_id, username, is_host, joined_at FROM participants "+
			"WHERE room_id = $1 ORDER BY joined_at ASC",
		r.Id,
	)
	if err != nil {
		return Room{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.UserId, &p.Username, &p.IsHost, &p.JoinedAt); err != nil {
			return Room{}, err
		}
		r.Participants = append(r.Participants, p)
	}

	return r, rows.Err()
}
