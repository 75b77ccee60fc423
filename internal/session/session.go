package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/npezzotti/go-listen-together/internal/coordinator"
	"github.com/npezzotti/go-listen-together/internal/membership"
	"github.com/npezzotti/go-listen-together/internal/protocol"
	"github.com/npezzotti/go-listen-together/internal/store"
	"github.com/npezzotti/go-listen-together/internal/transport"
	"github.com/npezzotti/go-listen-together/internal/types"
	"github.com/rs/zerolog"
)

const (
	minRoomCodeLen      = 4
	maxRoomCodeLen      = 8
	defaultHousekeeping = time.Second
	defaultDialTimeout  = 15 * time.Second
	intentBufferSize    = 64
	maxUsernameLen      = 32
)

var (
	ErrInvalidRoomCode = errors.New("session: room code must be 4 to 8 letters or digits")
	ErrEmptyUsername   = errors.New("session: username is required")
	ErrEmptyUserId     = errors.New("session: user id is required")
	ErrNotHost         = errors.New("session: only the host can do that")
	ErrClosed          = errors.New("session: closed")
	ErrNoToken         = errors.New("session: ticket has no session token")
	ErrTicketUser      = errors.New("session: ticket belongs to another user id")
)

type Settings = coordinator.Settings

// Transport is the connection the session drives. *transport.Channel
// implements it.
type Transport interface {
	Connect(ctx context.Context, url string) error
	Send(frame []byte) error
	Incoming() <-chan []byte
	States() <-chan transport.State
	Disconnect()
}

// TicketStore keeps the resume ticket of the current room between runs.
// *config.TicketFile implements it.
type TicketStore interface {
	SaveTicket(types.SessionTicket) error
	ClearTicket() error
}

type Config struct {
	ServerURL string
	UserId    string
	Settings  Settings
	// Tickets, when set, is updated whenever a room is entered or resumed
	// and cleared when the room is left for good.
	Tickets TicketStore

	JoinTimeout          time.Duration
	DialTimeout          time.Duration
	HousekeepingInterval time.Duration
	Backoff              coordinator.Backoff
	Sync                 coordinator.Config
	Now                  func() time.Time
}

func (c *Config) setDefaults() {
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = membership.DefaultTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.HousekeepingInterval <= 0 {
		c.HousekeepingInterval = defaultHousekeeping
	}
	if c.Backoff == (coordinator.Backoff{}) {
		c.Backoff = coordinator.DefaultBackoff()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Session is one client's participation in a room. All state is owned by a
// single loop goroutine; the methods below only queue intents or read
// published snapshots, so none of them block on the network.
type Session struct {
	log zerolog.Logger
	cfg Config
	t   Transport

	states *store.Store
	coord  *coordinator.Coordinator
	host   *membership.Host
	guest  *membership.Guest

	settings atomic.Pointer[Settings]
	role     atomic.Int32
	conn     atomic.Pointer[transport.State]
	pending  atomic.Pointer[[]types.JoinRequest]

	intents  chan any
	dialDone chan dialResult
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	detached atomic.Bool

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int

	// owned by the loop
	action     action
	token      string
	username   string
	attempt    int
	retry      *time.Timer
	dialSeq    int
	dialCancel context.CancelFunc
	terminal   bool
}

func New(cfg Config, t Transport, player coordinator.Player, logger zerolog.Logger) (*Session, error) {
	if cfg.UserId == "" {
		return nil, ErrEmptyUserId
	}
	cfg.setDefaults()

	s := &Session{
		log:      logger.With().Str("module", "session").Str("user", cfg.UserId).Logger(),
		cfg:      cfg,
		t:        t,
		states:   store.New(),
		intents:  make(chan any, intentBufferSize),
		dialDone: make(chan dialResult, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		subs:     make(map[int]chan Event),
	}

	initial := cfg.Settings
	s.settings.Store(&initial)
	s.conn.Store(&transport.State{Status: transport.Disconnected})
	s.pending.Store(&[]types.JoinRequest{})

	s.coord = coordinator.New(logger, cfg.Sync, s.states, s.send, player, s.policy, cfg.Now)
	s.host = membership.NewHost(logger, cfg.JoinTimeout, s.states, s.coord, s.send)
	s.guest = membership.NewGuest(cfg.JoinTimeout)

	go s.run()
	return s, nil
}

// NormalizeRoomCode upper-cases and validates a human-typed room code.
func NormalizeRoomCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) < minRoomCodeLen || len(code) > maxRoomCodeLen {
		return "", ErrInvalidRoomCode
	}
	for _, r := range code {
		if !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return "", ErrInvalidRoomCode
		}
	}
	return code, nil
}

func normalizeUsername(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrEmptyUsername
	}
	if r := []rune(name); len(r) > maxUsernameLen {
		name = string(r[:maxUsernameLen])
	}
	return name, nil
}

// CreateRoom connects and creates a room hosted by this client. Any current
// room is left first.
func (s *Session) CreateRoom(username string) error {
	name, err := normalizeUsername(username)
	if err != nil {
		return err
	}
	return s.submit(createIntent{username: name})
}

// JoinRoom connects and asks the host of roomCode to let this client in.
func (s *Session) JoinRoom(roomCode, username string) error {
	code, err := NormalizeRoomCode(roomCode)
	if err != nil {
		return err
	}
	name, err := normalizeUsername(username)
	if err != nil {
		return err
	}
	return s.submit(joinIntent{roomCode: code, username: name})
}

// Resume connects and reclaims the seat a ticket describes. A guest whose
// seat is gone asks to join again; a host whose room is gone gets
// EventRoomClosed.
func (s *Session) Resume(t types.SessionTicket) error {
	code, err := NormalizeRoomCode(t.RoomCode)
	if err != nil {
		return err
	}
	if t.Token == "" {
		return ErrNoToken
	}
	if t.UserId != "" && t.UserId != s.cfg.UserId {
		return ErrTicketUser
	}
	t.RoomCode = code
	if name, err := normalizeUsername(t.Username); err == nil {
		t.Username = name
	}
	return s.submit(resumeIntent{ticket: t})
}

// LeaveRoom sends a best-effort Leave, drops the connection and forgets the
// room. Pending syncs are cancelled without error.
func (s *Session) LeaveRoom() {
	s.submit(leaveIntent{})
}

func (s *Session) ApproveJoin(userId string) error {
	if err := s.requireHost(); err != nil {
		return err
	}
	return s.submit(memberIntent{op: opApprove, userId: userId})
}

func (s *Session) RejectJoin(userId string) error {
	if err := s.requireHost(); err != nil {
		return err
	}
	return s.submit(memberIntent{op: opReject, userId: userId})
}

func (s *Session) Kick(userId string) error {
	if err := s.requireHost(); err != nil {
		return err
	}
	return s.submit(memberIntent{op: opKick, userId: userId})
}

// RequestSync asks for the host's current state. The returned future
// resolves with the applied snapshot, ErrSyncTimeout, or cancellation.
func (s *Session) RequestSync() *coordinator.SyncFuture {
	reply := make(chan *coordinator.SyncFuture, 1)
	if err := s.submit(syncIntent{reply: reply}); err != nil {
		return coordinator.Resolved(nil, err)
	}
	select {
	case f := <-reply:
		return f
	case <-s.done:
		return coordinator.Resolved(nil, ErrClosed)
	}
}

func (s *Session) SetTrack(t *types.Track) error {
	return s.playback(func(c *coordinator.Coordinator) (*protocol.StateUpdate, error) { return c.SetTrack(t) })
}

func (s *Session) Play() error {
	return s.playback((*coordinator.Coordinator).Play)
}

func (s *Session) Pause() error {
	return s.playback((*coordinator.Coordinator).Pause)
}

func (s *Session) SeekTo(positionMs int64) error {
	return s.playback(func(c *coordinator.Coordinator) (*protocol.StateUpdate, error) { return c.SeekTo(positionMs) })
}

func (s *Session) SetVolume(v float64) error {
	return s.playback(func(c *coordinator.Coordinator) (*protocol.StateUpdate, error) { return c.SetVolume(v) })
}

func (s *Session) playback(fn func(*coordinator.Coordinator) (*protocol.StateUpdate, error)) error {
	if err := s.requireHost(); err != nil {
		return err
	}
	return s.submit(playbackIntent{apply: fn})
}

// SetSettings replaces the policy flags. They are read when needed, so a
// change applies to the next join request or state update.
func (s *Session) SetSettings(st Settings) {
	s.settings.Store(&st)
	s.submit(settingsIntent{})
}

func (s *Session) Settings() Settings {
	return s.policy()
}

// Room returns a copy of the current snapshot, or nil outside a room.
func (s *Session) Room() *types.Room {
	return s.states.Current().Room.Clone()
}

func (s *Session) Role() types.RoomRole {
	return types.RoomRole(s.role.Load())
}

func (s *Session) ConnectionState() transport.State {
	return *s.conn.Load()
}

func (s *Session) PendingRequests() []types.JoinRequest {
	p := *s.pending.Load()
	out := make([]types.JoinRequest, len(p))
	copy(out, p)
	return out
}

func (s *Session) SessionDuration() time.Duration {
	return s.coord.Clock().Duration()
}

func (s *Session) UserId() string {
	return s.cfg.UserId
}

// Close leaves any room and stops the session loop.
func (s *Session) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Detach stops the session loop without leaving. The relay keeps the seat
// for its grace period and the saved ticket can resume it.
func (s *Session) Detach() {
	s.detached.Store(true)
	s.Close()
}

func (s *Session) policy() Settings {
	return *s.settings.Load()
}

func (s *Session) requireHost() error {
	if s.Role() != types.RoleHost {
		return ErrNotHost
	}
	return nil
}

func (s *Session) submit(in any) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	select {
	case s.intents <- in:
		return nil
	case <-s.done:
		return ErrClosed
	}
}
