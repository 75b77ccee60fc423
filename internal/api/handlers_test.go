package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/npezzotti/go-listen-together/internal/config"
	"github.com/npezzotti/go-listen-together/internal/database"
	"github.com/npezzotti/go-listen-together/internal/server"
	"github.com/npezzotti/go-listen-together/internal/stats"
	"github.com/npezzotti/go-listen-together/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, db database.RoomRepository) (*Server, *http.ServeMux) {
	t.Helper()
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything)
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	logger := testutil.TestLogger(t)
	hub := server.NewHub(logger, db, su, server.Options{SigningKey: []byte("secret")})
	mux := http.NewServeMux()
	s := NewServer(mux, logger, hub, db, &config.ServerConfig{
		ServerAddr:     "localhost:0",
		AllowedOrigins: []string{"http://localhost:3000"},
	})
	return s, mux
}

func TestNewServer(t *testing.T) {
	db := &database.MockRoomRepository{}
	s, mux := newTestServer(t, db)

	assert.Equal(t, "localhost:0", s.srv.Addr, "expected server address to match config")
	assert.NotNil(t, s.Handler(), "expected a handler")

	for _, path := range []string{"/ws", "/api/rooms/ABCD", "/healthz"} {
		_, pattern := mux.Handler(httptest.NewRequest(http.MethodGet, path, nil))
		assert.NotEmpty(t, pattern, "expected a route for %s", path)
	}
}

func Test_healthCheck(t *testing.T) {
	tcases := []struct {
		name       string
		mockErr    error
		statusCode int
	}{
		{name: "successful health check", statusCode: http.StatusOK},
		{name: "failed health check", mockErr: errors.New("db error"), statusCode: http.StatusServiceUnavailable},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockRoomRepository{}
			db.On("Ping").Return(tc.mockErr).Once()
			defer db.AssertExpectations(t)

			s, _ := newTestServer(t, db)
			rr := httptest.NewRecorder()
			s.healthCheck(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tc.statusCode, rr.Code, "unexpected status code")
			if tc.mockErr == nil {
				assert.Equal(t, "OK", rr.Body.String(), "expected response body to be 'OK'")
			}
		})
	}
}

func Test_getRoom(t *testing.T) {
	created := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	closed := created.Add(time.Hour)

	tcases := []struct {
		name       string
		mockRoom   database.Room
		mockErr    error
		statusCode int
		check      func(t *testing.T, resp RoomResponse)
	}{
		{
			name: "closed room from history",
			mockRoom: database.Room{
				Code:        "ABCD2345",
				HostId:      "host-1",
				HostName:    "alice",
				CreatedAt:   created,
				ClosedAt:    sql.NullTime{Time: closed, Valid: true},
				CloseReason: "host_left",
				Participants: []database.Participant{
					{UserId: "host-1", Username: "alice", IsHost: true, JoinedAt: created},
					{UserId: "guest-1", Username: "bob", JoinedAt: created.Add(time.Minute)},
				},
			},
			statusCode: http.StatusOK,
			check: func(t *testing.T, resp RoomResponse) {
				assert.False(t, resp.Live, "expected a history record")
				assert.Equal(t, "alice", resp.HostName, "expected host name")
				require.NotNil(t, resp.ClosedAt, "expected close time")
				assert.True(t, closed.Equal(*resp.ClosedAt), "expected close time")
				assert.Equal(t, "host_left", resp.CloseReason, "expected close reason")
				assert.Len(t, resp.Participants, 2, "expected participants")
			},
		},
		{
			name:       "unknown room",
			mockErr:    database.ErrRoomNotFound,
			statusCode: http.StatusNotFound,
		},
		{
			name:       "database failure",
			mockErr:    errors.New("connection reset"),
			statusCode: http.StatusInternalServerError,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockRoomRepository{}
			db.On("GetRoomByCode", "ABCD2345").Return(tc.mockRoom, tc.mockErr).Once()
			defer db.AssertExpectations(t)

			_, mux := newTestServer(t, db)
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/rooms/abcd2345", nil))

			require.Equal(t, tc.statusCode, rr.Code, "unexpected status code")
			if tc.check != nil {
				var resp RoomResponse
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp), "expected json body")
				assert.Equal(t, "ABCD2345", resp.RoomCode, "expected room code")
				tc.check(t, resp)
			} else {
				var apiErr ApiError
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&apiErr), "expected json error")
				assert.Equal(t, tc.statusCode, apiErr.StatusCode, "expected status in body")
			}
		})
	}
}

func Test_requestUserId(t *testing.T) {
	tcases := []struct {
		name   string
		header string
		query  string
		want   string
		err    bool
	}{
		{name: "header", header: "device-1", query: "other", want: "device-1"},
		{name: "query", query: "device-2", want: "device-2"},
		{name: "too long", header: strings.Repeat("x", maxUserIdLen+1), err: true},
		{name: "generated"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			target := "/ws"
			if tc.query != "" {
				target += "?user_id=" + tc.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tc.header != "" {
				req.Header.Set(UserIdHeader, tc.header)
			}

			id, err := requestUserId(req)
			if tc.err {
				assert.ErrorIs(t, err, errUserIdTooLong, "expected a length error")
				return
			}
			require.NoError(t, err)
			if tc.want != "" {
				assert.Equal(t, tc.want, id, "unexpected user id")
			} else {
				assert.NotEmpty(t, id, "expected a generated user id")
			}
		})
	}
}

func Test_serveWs_rejectsBadRequests(t *testing.T) {
	s, _ := newTestServer(t, &database.MockRoomRepository{})

	t.Run("oversized user id", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.Header.Set(UserIdHeader, strings.Repeat("x", maxUserIdLen+1))
		s.serveWs(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "expected bad request")
	})

	t.Run("not a websocket handshake", func(t *testing.T) {
		rr := httptest.NewRecorder()
		s.serveWs(rr, httptest.NewRequest(http.MethodGet, "/ws", nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code, "expected the upgrader to refuse")
	})
}
