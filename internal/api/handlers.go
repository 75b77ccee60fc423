package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-listen-together/internal/database"
	"github.com/npezzotti/go-listen-together/internal/server"
	"github.com/npezzotti/go-listen-together/internal/types"
	"github.com/teris-io/shortid"
)

const maxUserIdLen = 64

// RoomResponse describes a live room or, once it is gone, its history
// record.
type RoomResponse struct {
	RoomCode     string                `json:"room_code"`
	HostId       string                `json:"host_id"`
	HostName     string                `json:"host_name,omitempty"`
	Live         bool                  `json:"live"`
	Users        []types.User          `json:"users,omitempty"`
	CurrentTrack *types.Track          `json:"current_track,omitempty"`
	IsPlaying    bool                  `json:"is_playing"`
	CreatedAt    time.Time             `json:"created_at"`
	ClosedAt     *time.Time            `json:"closed_at,omitempty"`
	CloseReason  string                `json:"close_reason,omitempty"`
	Participants []ParticipantResponse `json:"participants,omitempty"`
}

type ParticipantResponse struct {
	UserId   string    `json:"user_id"`
	Username string    `json:"username"`
	IsHost   bool      `json:"is_host"`
	JoinedAt time.Time `json:"joined_at"`
}

func liveRoomResponse(r *types.Room) RoomResponse {
	resp := RoomResponse{
		RoomCode:     r.RoomCode,
		HostId:       r.HostId,
		Live:         true,
		Users:        r.SortedUsers(),
		CurrentTrack: r.CurrentTrack,
		IsPlaying:    r.IsPlaying,
		CreatedAt:    r.CreatedAt,
	}
	if host, ok := r.Host(); ok {
		resp.HostName = host.Username
	}
	return resp
}

func historyRoomResponse(r database.Room) RoomResponse {
	resp := RoomResponse{
		RoomCode:    r.Code,
		HostId:      r.HostId,
		HostName:    r.HostName,
		CreatedAt:   r.CreatedAt,
		CloseReason: r.CloseReason,
	}
	if r.Closed() {
		closedAt := r.ClosedAt.Time
		resp.ClosedAt = &closedAt
	}
	for _, p := range r.Participants {
		resp.Participants = append(resp.Participants, ParticipantResponse(p))
	}
	return resp
}

func (s *Server) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Error().Err(err).Msg("health check")
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(strings.TrimSpace(r.PathValue("code")))
	if code == "" {
		errResp := NewBadRequestError("missing room code")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if room, ok := s.hub.LiveRoom(code); ok {
		s.writeJson(w, http.StatusOK, liveRoomResponse(room))
		return
	}

	dbRoom, err := s.db.GetRoomByCode(code)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, database.ErrRoomNotFound) {
			errResp = NewNotFoundError()
		} else {
			s.log.Error().Err(err).Str("room", code).Msg("GetRoomByCode")
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, historyRoomResponse(dbRoom))
}

// requestUserId prefers the identity the client supplies so that reconnects
// from the same device keep their seat.
func requestUserId(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(UserIdHeader))
	if id == "" {
		id = strings.TrimSpace(r.URL.Query().Get("user_id"))
	}
	if id == "" {
		return shortid.Generate()
	}
	if len(id) > maxUserIdLen {
		return "", errUserIdTooLong
	}
	return id, nil
}

var errUserIdTooLong = errors.New("user id too long")

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, err := requestUserId(r)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, errUserIdTooLong) {
			errResp = NewBadRequestError(err.Error())
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// native clients send no origin
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("error upgrading connection")
		return
	}

	client := server.NewClient(userId, conn, s.hub, s.log)
	s.hub.Register(client)
	go client.Write()
	go client.Read()
}
