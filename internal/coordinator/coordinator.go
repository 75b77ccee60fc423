package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/go-listen-together/internal/protocol"
	"github.com/npezzotti/go-listen-together/internal/store"
	"github.com/npezzotti/go-listen-together/internal/types"
	"github.com/rs/zerolog"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultSyncTimeout       = 10 * time.Second
	DefaultDriftThresholdMs  = 100
	DefaultBufferTimeout     = 15 * time.Second
)

var (
	ErrSyncTimeout = errors.New("coordinator: sync timed out")
	ErrNotHost     = errors.New("coordinator: only the host can change playback")
	ErrNoRoom      = errors.New("coordinator: not in a room")
)

type Config struct {
	HeartbeatInterval time.Duration
	SyncTimeout       time.Duration
	DriftThresholdMs  int64

	// BufferWait holds a guest paused on a new track until the relay reports
	// every guest has loaded it.
	BufferWait    bool
	BufferTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = DefaultSyncTimeout
	}
	if c.DriftThresholdMs <= 0 {
		c.DriftThresholdMs = DefaultDriftThresholdMs
	}
	if c.BufferTimeout <= 0 {
		c.BufferTimeout = DefaultBufferTimeout
	}
}

// SyncFuture resolves when a requested resync lands, times out, or is
// cancelled.
type SyncFuture struct {
	done     chan struct{}
	deadline time.Time
	room     *types.Room
	err      error
	canceled bool
}

func newFuture(deadline time.Time) *SyncFuture {
	return &SyncFuture{done: make(chan struct{}), deadline: deadline}
}

// Resolved returns a future that is already complete.
func Resolved(room *types.Room, err error) *SyncFuture {
	f := newFuture(time.Time{})
	f.resolve(room, err, false)
	return f
}

func (f *SyncFuture) resolve(room *types.Room, err error, canceled bool) {
	f.room = room
	f.err = err
	f.canceled = canceled
	close(f.done)
}

func (f *SyncFuture) Done() <-chan struct{} {
	return f.done
}

// Result returns the snapshot the sync produced. Only valid after Done is
// closed. A cancelled sync returns a nil room and a nil error.
func (f *SyncFuture) Result() (*types.Room, error) {
	return f.room, f.err
}

func (f *SyncFuture) Canceled() bool {
	return f.canceled
}

func (f *SyncFuture) Wait(ctx context.Context) (*types.Room, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Coordinator turns local playback changes into broadcasts on the host and
// applies host state to the local player on a guest. All methods must run on
// the goroutine that owns the store.
type Coordinator struct {
	log      zerolog.Logger
	cfg      Config
	states   *store.Store
	send     func(protocol.Message) error
	player   Player
	settings func() Settings
	now      func() time.Time

	role      types.RoomRole
	clock     *SessionClock
	changedAt time.Time
	anchorMs  int64
	loaded    *types.Track
	syncs     []*SyncFuture
	hold      *bufferHold
}

// bufferHold keeps a guest paused on trackId until the relay's
// BufferComplete or the deadline.
type bufferHold struct {
	trackId  string
	deadline time.Time
}

func New(logger zerolog.Logger, cfg Config, states *store.Store, send func(protocol.Message) error,
	player Player, settings func() Settings, now func() time.Time) *Coordinator {
	cfg.setDefaults()
	if player == nil {
		player = NopPlayer{}
	}
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		log:      logger.With().Str("module", "coordinator").Logger(),
		cfg:      cfg,
		states:   states,
		send:     send,
		player:   player,
		settings: settings,
		now:      now,
		clock:    NewSessionClock(now),
	}
}

func (c *Coordinator) Config() Config {
	return c.cfg
}

func (c *Coordinator) Role() types.RoomRole {
	return c.role
}

// Begin starts coordinating room in the given role. The session clock keeps
// running when the same room is re-entered after a reconnect.
func (c *Coordinator) Begin(role types.RoomRole, room *types.Room) {
	c.role = role
	if room == nil || !c.clock.Start(room.RoomCode, room.CreatedAt) {
		return
	}

	c.changedAt = c.now()
	c.anchorMs = room.PlaybackPositionMs
	c.loaded = nil
	c.hold = nil
	c.log.Info().Str("room", room.RoomCode).Str("role", role.String()).Msg("session started")
}

// End stops coordinating and cancels any pending resync.
func (c *Coordinator) End() {
	c.CancelSyncs()
	c.clock.Stop()
	c.role = types.RoleNone
	c.loaded = nil
	c.hold = nil
}

// Clock may be read from any goroutine.
func (c *Coordinator) Clock() *SessionClock {
	return c.clock
}

// SessionDuration is the room's age as seen by this client. It never
// decreases within one room.
func (c *Coordinator) SessionDuration() time.Duration {
	return c.clock.Duration()
}

// position extrapolates the host position to now from the position of the
// last local change.
func (c *Coordinator) position(r *types.Room) int64 {
	pos := r.PlaybackPositionMs
	if !c.changedAt.IsZero() {
		pos = c.anchorMs
		if r.IsPlaying {
			pos += c.now().Sub(c.changedAt).Milliseconds()
		}
	}
	if r.CurrentTrack != nil && r.CurrentTrack.DurationMs > 0 && pos > r.CurrentTrack.DurationMs {
		pos = r.CurrentTrack.DurationMs
	}
	return pos
}

// Change applies fn to a copy of the room and broadcasts the result as a
// StateUpdate with the next sequence number. The local state advances even
// if the send fails; a reconnect rebroadcasts it.
func (c *Coordinator) Change(fn func(r *types.Room)) (*protocol.StateUpdate, error) {
	if c.role != types.RoleHost {
		return nil, ErrNotHost
	}
	st := c.states.Current()
	if st.Room == nil {
		return nil, ErrNoRoom
	}

	next := st.Room.Clone()
	next.PlaybackPositionMs = c.position(st.Room)
	fn(next)

	msg := &protocol.StateUpdate{Room: *next, Seq: st.Seq + 1}
	c.states.Apply(msg)
	c.changedAt = c.now()
	c.anchorMs = next.PlaybackPositionMs

	if err := c.send(msg); err != nil {
		return msg, fmt.Errorf("broadcast seq %d: %w", msg.Seq, err)
	}
	c.log.Debug().Int64("seq", msg.Seq).Bool("playing", next.IsPlaying).Int64("pos", next.PlaybackPositionMs).Msg("state broadcast")
	return msg, nil
}

func (c *Coordinator) SetTrack(t *types.Track) (*protocol.StateUpdate, error) {
	return c.Change(func(r *types.Room) {
		r.CurrentTrack = t
		r.PlaybackPositionMs = 0
	})
}

func (c *Coordinator) Play() (*protocol.StateUpdate, error) {
	return c.Change(func(r *types.Room) { r.IsPlaying = true })
}

func (c *Coordinator) Pause() (*protocol.StateUpdate, error) {
	return c.Change(func(r *types.Room) { r.IsPlaying = false })
}

func (c *Coordinator) SeekTo(positionMs int64) (*protocol.StateUpdate, error) {
	if positionMs < 0 {
		positionMs = 0
	}
	return c.Change(func(r *types.Room) { r.PlaybackPositionMs = positionMs })
}

func (c *Coordinator) SetVolume(v float64) (*protocol.StateUpdate, error) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	return c.Change(func(r *types.Room) { r.Volume = v })
}

// Rebroadcast re-sends the full state under a new sequence number so guests
// that reconnected meanwhile catch up.
func (c *Coordinator) Rebroadcast() (*protocol.StateUpdate, error) {
	return c.Change(func(*types.Room) {})
}

// Snapshot returns a copy of the room with the host position extrapolated
// to now, and the sequence number it belongs to. Guests get the last applied
// state unchanged.
func (c *Coordinator) Snapshot() (*types.Room, int64) {
	st := c.states.Current()
	if st.Room == nil {
		return nil, st.Seq
	}
	r := st.Room.Clone()
	if c.role == types.RoleHost {
		r.PlaybackPositionMs = c.position(st.Room)
	}
	return r, st.Seq
}

// Heartbeat re-sends the last broadcast payload and sequence number with the
// position brought up to date.
func (c *Coordinator) Heartbeat() error {
	if c.role != types.RoleHost {
		return nil
	}
	r, seq := c.Snapshot()
	if r == nil {
		return nil
	}
	return c.send(&protocol.Heartbeat{Room: r, Seq: seq})
}

// RequestSync asks the server for the host's current state. The next
// playback update that is not older than the local one is applied even if
// its sequence number was already seen.
func (c *Coordinator) RequestSync() *SyncFuture {
	st := c.states.Current()
	switch {
	case st.Room == nil:
		return Resolved(nil, ErrNoRoom)
	case c.role == types.RoleHost:
		return Resolved(st.Room, nil)
	}

	c.states.ExpectSync()
	f := newFuture(c.now().Add(c.cfg.SyncTimeout))
	if err := c.send(&protocol.SyncRequest{}); err != nil {
		// stays pending: a reconnect will issue a new request
		c.log.Warn().Err(err).Msg("sync request not sent")
	}
	c.syncs = append(c.syncs, f)
	return f
}

// Applied is called after the store accepted a message.
func (c *Coordinator) Applied(m protocol.Message, st store.State) {
	if st.Room == nil || c.role != types.RoleGuest {
		return
	}

	buffered := false
	switch msg := m.(type) {
	case *protocol.StateUpdate:
		buffered = true
	case *protocol.JoinApproved, *protocol.Reconnected:
	case *protocol.Heartbeat:
		if msg.Room == nil {
			return
		}
		buffered = true
	default:
		return
	}

	// a requested sync or a fresh snapshot starts playing right away
	if len(c.syncs) > 0 {
		buffered = false
	}
	c.drive(st.Room, buffered)
	c.resolveSyncs(st.Room)
}

func (c *Coordinator) drive(r *types.Room, buffered bool) {
	s := Settings{}
	if c.settings != nil {
		s = c.settings()
	}

	if !sameTrack(c.loaded, r.CurrentTrack) {
		c.player.Load(r.CurrentTrack)
		c.hold = nil
		if r.CurrentTrack != nil {
			t := *r.CurrentTrack
			c.loaded = &t
			if buffered && c.cfg.BufferWait {
				c.startHold(t.Id)
			}
		} else {
			c.loaded = nil
		}
	}

	if r.CurrentTrack != nil {
		drift := c.player.Position() - r.PlaybackPositionMs
		if drift < 0 {
			drift = -drift
		}
		if drift > c.cfg.DriftThresholdMs {
			c.player.SeekTo(r.PlaybackPositionMs)
		}
	}
	c.player.SetPlaying(r.IsPlaying && c.hold == nil)

	if s.SyncVolume {
		c.player.SetVolume(r.Volume)
	}
	c.player.SetMuted(s.MuteHost)
}

func (c *Coordinator) startHold(trackId string) {
	c.hold = &bufferHold{trackId: trackId, deadline: c.now().Add(c.cfg.BufferTimeout)}
	if err := c.send(&protocol.BufferReady{TrackId: trackId}); err != nil {
		c.log.Warn().Err(err).Str("track", trackId).Msg("buffer ready not sent")
	}
}

// Buffering reports the track a guest is holding paused on, if any.
func (c *Coordinator) Buffering() (string, bool) {
	if c.hold == nil {
		return "", false
	}
	return c.hold.trackId, true
}

// BufferComplete releases the hold on msg's track and starts playback from
// the position the relay computed when the last guest became ready.
func (c *Coordinator) BufferComplete(msg *protocol.BufferComplete) {
	if c.hold == nil || c.hold.trackId != msg.TrackId {
		return
	}
	c.hold = nil

	st := c.states.Current()
	if st.Room == nil {
		return
	}
	r := st.Room
	if msg.Room != nil && msg.Seq >= st.Seq {
		r = msg.Room
	}
	c.log.Debug().Str("track", msg.TrackId).Int64("pos", r.PlaybackPositionMs).Msg("buffering complete")
	c.drive(r, false)
}

// ExpireBuffer drops a hold the relay never completed and asks for a fresh
// snapshot instead. It reports whether a hold expired.
func (c *Coordinator) ExpireBuffer(now time.Time) bool {
	if c.hold == nil || now.Before(c.hold.deadline) {
		return false
	}
	c.log.Warn().Str("track", c.hold.trackId).Msg("buffering timed out")
	c.hold = nil
	c.RequestSync()
	return true
}

// ApplySettings re-applies policy flags to the player for the current room.
func (c *Coordinator) ApplySettings() {
	st := c.states.Current()
	if st.Room == nil || c.role != types.RoleGuest || c.settings == nil {
		return
	}
	s := c.settings()
	if s.SyncVolume {
		c.player.SetVolume(st.Room.Volume)
	}
	c.player.SetMuted(s.MuteHost)
}

func (c *Coordinator) resolveSyncs(r *types.Room) {
	if len(c.syncs) == 0 {
		return
	}
	for _, f := range c.syncs {
		f.resolve(r.Clone(), nil, false)
	}
	c.syncs = nil
}

// ExpireSyncs fails pending syncs whose deadline has passed.
func (c *Coordinator) ExpireSyncs(now time.Time) int {
	kept := c.syncs[:0]
	n := 0
	for _, f := range c.syncs {
		if !now.Before(f.deadline) {
			f.resolve(nil, ErrSyncTimeout, false)
			n++
			continue
		}
		kept = append(kept, f)
	}
	c.syncs = kept
	return n
}

// CancelSyncs resolves every pending sync without an error.
func (c *Coordinator) CancelSyncs() {
	for _, f := range c.syncs {
		f.resolve(nil, nil, true)
	}
	c.syncs = nil
}

func (c *Coordinator) PendingSyncs() int {
	return len(c.syncs)
}
