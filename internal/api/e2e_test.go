package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-listen-together/internal/config"
	"github.com/npezzotti/go-listen-together/internal/coordinator"
	"github.com/npezzotti/go-listen-together/internal/database"
	"github.com/npezzotti/go-listen-together/internal/protocol"
	"github.com/npezzotti/go-listen-together/internal/server"
	"github.com/npezzotti/go-listen-together/internal/session"
	"github.com/npezzotti/go-listen-together/internal/stats"
	"github.com/npezzotti/go-listen-together/internal/transport"
	"github.com/npezzotti/go-listen-together/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const e2eWait = 5 * time.Second

// connTracker remembers accepted connections so a test can cut them,
// including ones already hijacked by the websocket upgrader.
type connTracker struct {
	net.Listener
	mu    sync.Mutex
	conns []net.Conn
}

func (l *connTracker) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err == nil {
		l.mu.Lock()
		l.conns = append(l.conns, c)
		l.mu.Unlock()
	}
	return c, err
}

func (l *connTracker) dropAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.conns {
		c.Close()
	}
	l.conns = nil
}

type relay struct {
	ts       *httptest.Server
	listener *connTracker
	wsURL    string
}

func startRelay(t *testing.T) *relay {
	t.Helper()
	db := &database.MockRoomRepository{}
	db.On("CreateRoom", mock.Anything).Return(database.Room{}, nil).Maybe()
	db.On("AddParticipant", mock.Anything).Return(nil).Maybe()
	db.On("CloseRoom", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	db.On("GetRoomByCode", mock.Anything).Return(database.Room{
		Code:        "CLOSED",
		ClosedAt:    sql.NullTime{Time: time.Now(), Valid: true},
		CloseReason: protocol.ReasonHostLeft,
	}, nil).Maybe()

	logger := zerolog.Nop()
	mux := http.NewServeMux()
	su := stats.NewStatsUpdater(mux)
	hub := server.NewHub(logger, db, su, server.Options{
		SigningKey:  []byte("e2e-signing-key"),
		HostGrace:   time.Minute,
		IdleTimeout: time.Minute,
	})
	api := NewServer(mux, logger, hub, db, &config.ServerConfig{ServerAddr: "127.0.0.1:0"})

	su.Run()
	go hub.Run()

	ts := httptest.NewUnstartedServer(api.Handler())
	tracker := &connTracker{Listener: ts.Listener}
	ts.Listener = tracker
	ts.Start()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), e2eWait)
		defer cancel()
		hub.Shutdown(ctx)
		ts.Close()
		su.Stop()
	})

	return &relay{
		ts:       ts,
		listener: tracker,
		wsURL:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

func (r *relay) connect(t *testing.T, userId string, settings session.Settings, player coordinator.Player) (*session.Session, <-chan session.Event) {
	t.Helper()
	logger := zerolog.Nop()
	ch := transport.New(logger, transport.Options{Header: http.Header{UserIdHeader: {userId}}})
	s, err := session.New(session.Config{
		ServerURL:            r.wsURL,
		UserId:               userId,
		Settings:             settings,
		HousekeepingInterval: 20 * time.Millisecond,
		Backoff:              coordinator.Backoff{Initial: 20 * time.Millisecond, Max: 100 * time.Millisecond, Attempts: 50},
	}, ch, player, logger)
	require.NoError(t, err, "creating session")

	events, unsubscribe := s.Subscribe()
	t.Cleanup(func() {
		unsubscribe()
		s.Close()
	})
	return s, events
}

func (r *relay) lookup(t *testing.T, code string) RoomResponse {
	t.Helper()
	resp, err := http.Get(r.ts.URL + "/api/rooms/" + code)
	require.NoError(t, err, "room lookup")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "expected the room to be found")

	var room RoomResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&room), "decoding room")
	return room
}

// isLive reports true until the relay answers that the room is gone.
func (r *relay) isLive(code string) bool {
	resp, err := http.Get(r.ts.URL + "/api/rooms/" + code)
	if err != nil {
		return true
	}
	defer resp.Body.Close()

	var room RoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&room); err != nil {
		return true
	}
	return room.Live
}

func nextEvent(t *testing.T, events <-chan session.Event, match func(session.Event) bool) session.Event {
	t.Helper()
	timeout := time.After(e2eWait)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event stream closed")
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for session event")
			return session.Event{}
		}
	}
}

func roomEvent(ev session.Event) bool {
	return ev.Kind == session.EventRoom && ev.Room != nil
}

type e2ePlayer struct {
	mu       sync.Mutex
	track    *types.Track
	playing  bool
	position int64
}

func (p *e2ePlayer) Load(t *types.Track) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.track = t
	p.position = 0
}

func (p *e2ePlayer) SetPlaying(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = v
}

func (p *e2ePlayer) SeekTo(pos int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = pos
}

func (p *e2ePlayer) Position() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

func (p *e2ePlayer) SetVolume(float64) {}
func (p *e2ePlayer) SetMuted(bool)     {}

func (p *e2ePlayer) playingTitle() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.track == nil || !p.playing {
		return ""
	}
	return p.track.Title
}

// hostRoom creates a room and returns the host session and the room code.
func hostRoom(t *testing.T, r *relay, settings session.Settings) (*session.Session, <-chan session.Event, string) {
	t.Helper()
	host, events := r.connect(t, "host-1", settings, coordinator.NopPlayer{})
	require.NoError(t, host.CreateRoom("alice"), "creating room")
	ev := nextEvent(t, events, roomEvent)
	return host, events, ev.Room.RoomCode
}

func TestRelay_CreateAndReject(t *testing.T) {
	r := startRelay(t)
	host, _, code := hostRoom(t, r, session.Settings{})

	room := host.Room()
	require.NotNil(t, room, "expected a room")
	assert.Len(t, code, 8, "expected a server generated code")
	require.Len(t, room.Users, 1, "expected the host alone")
	assert.True(t, room.Users["host-1"].IsHost, "expected the host flag")
	assert.True(t, room.Users["host-1"].IsConnected, "expected the host to be connected")
	assert.Equal(t, types.RoleHost, host.Role(), "expected host role")

	live := r.lookup(t, code)
	assert.True(t, live.Live, "expected a live room")
	assert.Equal(t, "alice", live.HostName, "expected host name")

	guest, guestEvents := r.connect(t, "u2", session.Settings{}, coordinator.NopPlayer{})
	require.NoError(t, guest.JoinRoom(code, "Sam"), "joining room")

	require.Eventually(t, func() bool { return len(host.PendingRequests()) == 1 }, e2eWait, 10*time.Millisecond, "expected one pending request")
	pending := host.PendingRequests()
	assert.Equal(t, "u2", pending[0].UserId, "expected the guest in the queue")
	assert.Equal(t, "Sam", pending[0].Username, "expected the guest name")

	require.NoError(t, host.RejectJoin("u2"), "rejecting")
	ev := nextEvent(t, guestEvents, func(ev session.Event) bool { return ev.Kind == session.EventJoinRejected })
	assert.Equal(t, protocol.CodeRejected, ev.Code, "expected a host rejection")
	assert.Empty(t, host.PendingRequests(), "expected the queue to be empty")
	assert.Nil(t, guest.Room(), "expected the guest to stay outside")
}

func TestRelay_UnknownRoom(t *testing.T) {
	r := startRelay(t)
	guest, events := r.connect(t, "u2", session.Settings{}, coordinator.NopPlayer{})

	require.NoError(t, guest.JoinRoom("ZZZZ9999", "Sam"))
	ev := nextEvent(t, events, func(ev session.Event) bool { return ev.Kind == session.EventJoinRejected })
	assert.Equal(t, protocol.CodeRoomNotFound, ev.Code, "expected room not found")
}

func TestRelay_PlaybackFollowsHost(t *testing.T) {
	r := startRelay(t)
	host, _, code := hostRoom(t, r, session.Settings{AutoApproval: true})

	player := &e2ePlayer{}
	guest, guestEvents := r.connect(t, "u2", session.Settings{}, player)
	require.NoError(t, guest.JoinRoom(code, "Sam"))
	nextEvent(t, guestEvents, roomEvent)
	assert.Equal(t, types.RoleGuest, guest.Role(), "expected guest role")

	require.NoError(t, host.SetTrack(&types.Track{Id: "x", Title: "X", DurationMs: 180_000}))
	require.NoError(t, host.Play())

	require.Eventually(t, func() bool { return player.playingTitle() == "X" }, e2eWait, 10*time.Millisecond, "expected the guest to play the host track")
	assert.Len(t, host.Room().Users, 2, "expected both members on the host")
	assert.Len(t, guest.Room().Users, 2, "expected both members on the guest")

	ctx, cancel := context.WithTimeout(context.Background(), e2eWait)
	defer cancel()
	room, err := guest.RequestSync().Wait(ctx)
	require.NoError(t, err, "expected a resync answer")
	assert.Equal(t, "X", room.CurrentTrack.Title, "expected the host track")

	host.LeaveRoom()
	ev := nextEvent(t, guestEvents, func(ev session.Event) bool { return ev.Kind == session.EventRoomClosed })
	assert.Equal(t, protocol.ReasonHostLeft, ev.Reason, "expected host left")
	assert.Nil(t, guest.Room(), "expected the guest to leave the room")

	require.Eventually(t, func() bool { return !r.isLive(code) }, e2eWait, 10*time.Millisecond, "expected the room to be unloaded")
}

func TestRelay_ReconnectAfterDrop(t *testing.T) {
	r := startRelay(t)
	host, _, code := hostRoom(t, r, session.Settings{AutoApproval: true})

	player := &e2ePlayer{}
	guest, guestEvents := r.connect(t, "u2", session.Settings{}, player)
	require.NoError(t, guest.JoinRoom(code, "Sam"))
	nextEvent(t, guestEvents, roomEvent)

	require.NoError(t, host.SetTrack(&types.Track{Id: "x", Title: "X", DurationMs: 180_000}))
	require.NoError(t, host.Play())
	require.Eventually(t, func() bool { return player.playingTitle() == "X" }, e2eWait, 10*time.Millisecond)
	before := guest.SessionDuration()

	r.listener.dropAll()

	var seen []transport.Status
	for len(seen) < 3 || seen[len(seen)-1] != transport.Connected {
		ev := nextEvent(t, guestEvents, func(ev session.Event) bool { return ev.Kind == session.EventConnection })
		seen = append(seen, ev.State.Status)
	}
	assert.Equal(t, []transport.Status{transport.Disconnected, transport.Connecting, transport.Connected}, seen[len(seen)-3:], "expected a retry cycle")

	require.Eventually(t, func() bool {
		room := guest.Room()
		return room != nil && room.CurrentTrack != nil && room.CurrentTrack.Title == "X" && room.IsPlaying
	}, e2eWait, 10*time.Millisecond, "expected the guest to resync with the host")
	assert.Equal(t, types.RoleGuest, guest.Role(), "expected the guest to keep its role")
	assert.Equal(t, types.RoleHost, host.Role(), "expected the host to keep its role")
	assert.GreaterOrEqual(t, guest.SessionDuration(), before, "expected session duration to keep growing")
}

func TestRelay_JoinSnapshotIsCurrent(t *testing.T) {
	r := startRelay(t)
	host, _, code := hostRoom(t, r, session.Settings{AutoApproval: true})

	require.NoError(t, host.SetTrack(&types.Track{Id: "x", Title: "X", DurationMs: 180_000}))
	require.NoError(t, host.Play())
	time.Sleep(500 * time.Millisecond)

	player := &e2ePlayer{}
	guest, guestEvents := r.connect(t, "u2", session.Settings{}, player)
	require.NoError(t, guest.JoinRoom(code, "Sam"))
	ev := nextEvent(t, guestEvents, roomEvent)
	assert.GreaterOrEqual(t, ev.Room.PlaybackPositionMs, int64(400), "expected the join snapshot to include elapsed playback")
	assert.GreaterOrEqual(t, player.Position(), int64(400), "expected the guest to start near the host")

	ctx, cancel := context.WithTimeout(context.Background(), e2eWait)
	defer cancel()
	room, err := guest.RequestSync().Wait(ctx)
	require.NoError(t, err, "expected a resync answer")
	assert.GreaterOrEqual(t, room.PlaybackPositionMs, ev.Room.PlaybackPositionMs, "expected the resync to move forward")
}

func TestRelay_MemberIdCannotTakeSeat(t *testing.T) {
	r := startRelay(t)
	host, _, code := hostRoom(t, r, session.Settings{})

	impostor, impostorEvents := r.connect(t, "host-1", session.Settings{}, coordinator.NopPlayer{})
	require.NoError(t, impostor.JoinRoom(code, "mallory"))
	ev := nextEvent(t, impostorEvents, func(ev session.Event) bool { return ev.Kind == session.EventJoinRejected })
	assert.Equal(t, protocol.CodeAlreadyMember, ev.Code, "expected the member id to be refused")
	assert.Empty(t, host.PendingRequests(), "expected nothing queued for the host")

	guest, _ := r.connect(t, "u2", session.Settings{}, coordinator.NopPlayer{})
	require.NoError(t, guest.JoinRoom(code, "Sam"))
	require.Eventually(t, func() bool { return len(host.PendingRequests()) == 1 }, e2eWait, 10*time.Millisecond, "expected the real guest to be queued")
	assert.Equal(t, "u2", host.PendingRequests()[0].UserId, "unexpected requester")

	assert.Equal(t, "alice", r.lookup(t, code).HostName, "expected the host name to be unchanged")
	assert.Equal(t, types.RoleHost, host.Role(), "expected the host to keep its seat")
}
