package server

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/npezzotti/go-listen-together/internal/database"
	"github.com/npezzotti/go-listen-together/internal/protocol"
	"github.com/npezzotti/go-listen-together/internal/types"
	"github.com/rs/zerolog"
)

const (
	roomInboxSize    = 256
	minSweepInterval = 10 * time.Millisecond
	maxSweepInterval = 5 * time.Second

	// cacheSlackMs is how far an equal-seq host payload may trail the
	// cached position before it is treated as stale.
	cacheSlackMs = 500
)

// member is a user who was admitted to the room. client is nil while the
// user is disconnected.
type member struct {
	client         *Client
	disconnectedAt time.Time
}

// bufferRound tracks the guests still loading trackId after the host
// switched to it.
type bufferRound struct {
	trackId   string
	waiting   map[string]bool
	startedAt time.Time
}

func (b *bufferRound) waitingFor() []string {
	ids := make([]string, 0, len(b.waiting))
	for uid := range b.waiting {
		ids = append(ids, uid)
	}
	sort.Strings(ids)
	return ids
}

// Room relays one listening room. The host is authoritative for playback;
// the room keeps the last host state so it can answer resyncs and
// reconnects on its own.
type Room struct {
	code      string
	hub       *Hub
	log       zerolog.Logger
	state     *types.Room
	seq       int64
	cachedAt  time.Time
	members   map[string]*member
	pending   map[string]*Client
	buffer    *bufferRound
	view      atomic.Pointer[types.Room]
	inbox     chan *inbound
	dropChan  chan *Client
	closing   bool
	killTimer *time.Timer
	exit      chan exitReq
	done      chan struct{}
}

func newRoom(h *Hub, code string) *Room {
	killTimer := time.NewTimer(h.opts.IdleTimeout)
	killTimer.Stop()

	return &Room{
		killTimer: killTimer,
		code:      code,
		hub:       h,
		log:       h.log.With().Str("module", "room").Str("room", code).Logger(),
		members:   make(map[string]*member),
		pending:   make(map[string]*Client),
		inbox:     make(chan *inbound, roomInboxSize),
		dropChan:  make(chan *Client, roomInboxSize),
		exit:      make(chan exitReq),
		done:      make(chan struct{}),
	}
}

func (r *Room) start() {
	r.log.Info().Msg("starting room")

	sweep := time.NewTicker(r.sweepInterval())
	defer func() {
		sweep.Stop()
		close(r.done)
	}()

	for {
		select {
		case in := <-r.inbox:
			r.handle(in)
		case c := <-r.dropChan:
			r.handleDrop(c)
		case <-sweep.C:
			r.sweep(r.hub.now())
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			r.handleRoomExit(e)
			return
		}
	}
}

func (r *Room) sweepInterval() time.Duration {
	d := r.hub.opts.HostGrace / 10
	if d < minSweepInterval {
		d = minSweepInterval
	}
	if d > maxSweepInterval {
		d = maxSweepInterval
	}
	return d
}

// deliver queues a message for the room goroutine without blocking the
// caller.
func (r *Room) deliver(in *inbound) {
	select {
	case r.inbox <- in:
	default:
		r.log.Warn().Str("type", protocol.TypeOf(in.msg)).Msg("room inbox full")
		in.client.queueMessage(protocol.ErrServiceUnavailable())
	}
}

// dropped tells the room that c lost its connection.
func (r *Room) dropped(c *Client) {
	select {
	case r.dropChan <- c:
	case <-r.done:
	}
}

// Snapshot may be called from any goroutine.
func (r *Room) Snapshot() *types.Room {
	return r.view.Load().Clone()
}

func (r *Room) publish() {
	if r.state != nil {
		r.view.Store(r.state.Clone())
	}
}

func (r *Room) handle(in *inbound) {
	if r.closing {
		if _, ok := in.msg.(*protocol.Reconnect); ok {
			in.client.queueMessage(protocol.ErrSessionNotFound())
		}
		return
	}

	c := in.client
	switch msg := in.msg.(type) {
	case *protocol.CreateRoom:
		r.handleCreate(c, msg)
	case *protocol.JoinRequest:
		r.handleJoinRequest(c, msg)
	case *protocol.Reconnect:
		r.handleReconnect(c)
	case *protocol.Leave:
		r.handleLeave(c)
	case *protocol.SyncRequest:
		r.handleSyncRequest(c)
	case *protocol.BufferReady:
		r.handleBufferReady(c, msg)
	case *protocol.JoinApproved, *protocol.JoinRejected, *protocol.StateUpdate,
		*protocol.Heartbeat, *protocol.Kick, *protocol.UserJoined:
		if !r.isHost(c) {
			c.queueMessage(ErrHostOnly(protocol.TypeOf(in.msg)))
			return
		}
		r.handleHostMessage(c, in.msg)
	default:
		r.log.Debug().Str("type", protocol.TypeOf(in.msg)).Msg("ignoring message")
	}
}

func (r *Room) isHost(c *Client) bool {
	if r.state == nil {
		return false
	}
	m, ok := r.members[r.state.HostId]
	return ok && m.client == c
}

func (r *Room) hostClient() *Client {
	if r.state == nil {
		return nil
	}
	if m, ok := r.members[r.state.HostId]; ok {
		return m.client
	}
	return nil
}

func (r *Room) memberOf(c *Client) (string, *member) {
	uid := c.UserId()
	if m, ok := r.members[uid]; ok && m.client == c {
		return uid, m
	}
	return "", nil
}

func (r *Room) handleCreate(c *Client, msg *protocol.CreateRoom) {
	if r.state != nil {
		c.queueMessage(protocol.ErrNotAllowed("room already created"))
		return
	}

	c.setUsername(msg.Username)
	host := types.User{UserId: c.UserId(), Username: msg.Username}
	now := r.hub.now()
	r.state = types.NewRoom(r.code, host, now)
	r.members[host.UserId] = &member{client: c}
	r.cachedAt = now
	c.setRoom(r)
	r.publish()

	token, err := r.hub.tokens.Issue(SessionClaims{RoomCode: r.code, UserId: host.UserId, Role: types.RoleHost})
	if err != nil {
		r.log.Error().Err(err).Msg("issue host token")
	}

	if _, err := r.hub.db.CreateRoom(database.CreateRoomParams{
		Code:      r.code,
		HostId:    host.UserId,
		HostName:  host.Username,
		CreatedAt: now,
	}); err != nil {
		r.log.Error().Err(err).Msg("CreateRoom")
	}

	r.log.Info().Str("host", host.UserId).Msg("room created")
	c.queueMessage(&protocol.RoomCreated{
		RoomCode:     r.code,
		HostId:       host.UserId,
		Room:         r.state.Clone(),
		SessionToken: token,
	})
}

func (r *Room) handleJoinRequest(c *Client, msg *protocol.JoinRequest) {
	uid := c.UserId()
	msg.UserId = uid
	c.setUsername(msg.Username)

	host := r.hostClient()
	switch {
	case host == nil:
		c.queueMessage(protocol.RejectHostUnavailable(uid))
		return
	case host == c:
		c.queueMessage(protocol.ErrNotAllowed("the host is already in the room"))
		return
	case r.members[uid] != nil:
		// a member that lost its connection resumes with its token
		r.log.Warn().Str("user", uid).Msg("join request for a member id")
		c.queueMessage(protocol.RejectAlreadyMember(uid))
		return
	case len(r.members) >= r.hub.opts.MaxUsers:
		c.queueMessage(protocol.RejectRoomFull(uid))
		return
	}

	if prev, ok := r.pending[uid]; ok && prev != c {
		prev.setRoom(nil)
	}
	r.pending[uid] = c
	c.setRoom(r)
	r.killTimer.Stop()

	r.log.Info().Str("user", uid).Msg("join request forwarded to host")
	host.queueMessage(msg)
}

func (r *Room) handleHostMessage(host *Client, m protocol.Message) {
	switch msg := m.(type) {
	case *protocol.JoinApproved:
		r.handleJoinApproved(msg)
	case *protocol.JoinRejected:
		c, ok := r.pending[msg.UserId]
		if !ok {
			return
		}
		delete(r.pending, msg.UserId)
		c.setRoom(nil)
		c.queueMessage(msg)
		r.log.Info().Str("user", msg.UserId).Str("code", msg.Code).Msg("join rejected")
	case *protocol.StateUpdate:
		prev := trackId(r.state)
		if r.cache(&msg.Room, msg.Seq) {
			r.broadcast(msg, host)
			if id := trackId(r.state); id != "" && id != prev {
				r.startBuffering(id)
			}
		}
	case *protocol.Heartbeat:
		if msg.Room == nil || r.cache(msg.Room, msg.Seq) {
			r.broadcast(msg, host)
		}
	case *protocol.Kick:
		r.handleKick(msg.UserId)
	case *protocol.UserJoined:
		// announced by the room when it admits the member
	}
}

// cache keeps the newest host playback state. A payload with the cached
// sequence number replaces the cache only if it does not trail the cached
// position.
func (r *Room) cache(src *types.Room, seq int64) bool {
	if seq < r.seq {
		r.log.Debug().Int64("seq", seq).Int64("last", r.seq).Msg("stale host update")
		return false
	}
	if seq == r.seq && r.behind(src) {
		r.log.Debug().Int64("seq", seq).Int64("pos", src.PlaybackPositionMs).Msg("host payload behind the cache")
		return false
	}
	r.seq = seq
	r.state.CopyPlayback(src)
	r.cachedAt = r.hub.now()
	r.publish()
	return true
}

// behind reports whether src plays the cached track at a position that
// trails the cache extrapolated to now.
func (r *Room) behind(src *types.Room) bool {
	if !src.IsPlaying || !r.state.IsPlaying || trackId(src) == "" || trackId(src) != trackId(r.state) {
		return false
	}
	return r.playbackNow().PlaybackPositionMs-src.PlaybackPositionMs > cacheSlackMs
}

// playbackNow is the cached state with the position moved forward by the
// time since the host last reported it.
func (r *Room) playbackNow() *types.Room {
	snapshot := r.state.Clone()
	if snapshot.IsPlaying && !r.cachedAt.IsZero() {
		snapshot.PlaybackPositionMs += r.hub.now().Sub(r.cachedAt).Milliseconds()
		if t := snapshot.CurrentTrack; t != nil && t.DurationMs > 0 && snapshot.PlaybackPositionMs > t.DurationMs {
			snapshot.PlaybackPositionMs = t.DurationMs
		}
	}
	return snapshot
}

func trackId(r *types.Room) string {
	if r == nil || r.CurrentTrack == nil {
		return ""
	}
	return r.CurrentTrack.Id
}

func (r *Room) handleJoinApproved(msg *protocol.JoinApproved) {
	c, ok := r.pending[msg.UserId]
	if !ok {
		r.log.Warn().Str("user", msg.UserId).Msg("approval without a pending request")
		return
	}
	delete(r.pending, msg.UserId)

	if _, ok := r.members[msg.UserId]; ok {
		r.log.Warn().Str("user", msg.UserId).Msg("approval for a member id refused")
		c.setRoom(nil)
		c.queueMessage(protocol.RejectAlreadyMember(msg.UserId))
		return
	}

	user := types.User{UserId: msg.UserId, Username: c.Username(), IsConnected: true}
	r.members[msg.UserId] = &member{client: c}
	r.state.Users[msg.UserId] = user
	r.cache(&msg.Room, msg.Seq)
	r.publish()

	token, err := r.hub.tokens.Issue(SessionClaims{RoomCode: r.code, UserId: msg.UserId, Role: types.RoleGuest})
	if err != nil {
		r.log.Error().Err(err).Msg("issue guest token")
	}

	// membership comes from the room, playback from the host cache
	c.queueMessage(&protocol.JoinApproved{
		UserId:       msg.UserId,
		Room:         *r.playbackNow(),
		Seq:          r.seq,
		SessionToken: token,
	})
	r.broadcastExcept(&protocol.UserJoined{User: user}, c, r.hostClient())

	if err := r.hub.db.AddParticipant(database.AddParticipantParams{
		Code:     r.code,
		UserId:   user.UserId,
		Username: user.Username,
		JoinedAt: r.hub.now(),
	}); err != nil {
		r.log.Error().Err(err).Msg("AddParticipant")
	}
	r.log.Info().Str("user", msg.UserId).Msg("member joined")
}

// handleSyncRequest answers from the cache, moving the position forward by
// the time since the host last reported it.
func (r *Room) handleSyncRequest(c *Client) {
	if _, m := r.memberOf(c); m == nil {
		c.queueMessage(ErrNotInRoom())
		return
	}

	c.queueMessage(&protocol.StateUpdate{Room: *r.playbackNow(), Seq: r.seq})
}

func (r *Room) handleReconnect(c *Client) {
	uid := c.UserId()
	m, ok := r.members[uid]
	if !ok {
		r.log.Info().Str("user", uid).Msg("reconnect for a removed member")
		c.queueMessage(protocol.ErrSessionNotFound())
		return
	}

	if m.client != nil && m.client != c {
		m.client.setRoom(nil)
		m.client.queueMessage(protocol.ErrNotAllowed("session resumed on another connection"))
	}
	m.client = c
	m.disconnectedAt = time.Time{}
	c.setRoom(r)
	r.killTimer.Stop()

	u := r.state.Users[uid]
	u.IsConnected = true
	r.state.Users[uid] = u
	r.publish()

	if u.Username != "" {
		c.setUsername(u.Username)
	}

	role := types.RoleGuest
	if uid == r.state.HostId {
		role = types.RoleHost
	}
	r.log.Info().Str("user", uid).Str("role", role.String()).Msg("member reconnected")

	c.queueMessage(&protocol.Reconnected{Room: *r.playbackNow(), Role: role, Seq: r.seq})
	r.broadcast(&protocol.UserReconnected{UserId: uid}, c)
}

// startBuffering opens a round for trackId covering every connected guest.
func (r *Room) startBuffering(trackId string) {
	waiting := make(map[string]bool)
	for uid, m := range r.members {
		if uid != r.state.HostId && m.client != nil {
			waiting[uid] = true
		}
	}
	if len(waiting) == 0 {
		r.buffer = nil
		return
	}

	r.buffer = &bufferRound{trackId: trackId, waiting: waiting, startedAt: r.hub.now()}
	r.log.Debug().Str("track", trackId).Int("guests", len(waiting)).Msg("buffering started")
	r.broadcast(&protocol.BufferWait{TrackId: trackId, WaitingFor: r.buffer.waitingFor()}, nil)
}

func (r *Room) handleBufferReady(c *Client, msg *protocol.BufferReady) {
	uid, m := r.memberOf(c)
	if m == nil {
		c.queueMessage(ErrNotInRoom())
		return
	}
	msg.UserId = uid

	b := r.buffer
	if b == nil || b.trackId != msg.TrackId || !b.waiting[uid] {
		// nothing to wait for on this track
		c.queueMessage(&protocol.BufferComplete{TrackId: msg.TrackId, Room: r.playbackNow(), Seq: r.seq})
		return
	}
	delete(b.waiting, uid)
	r.advanceBuffer()
}

// unblockBuffer stops waiting for a guest that left or dropped.
func (r *Room) unblockBuffer(uid string) {
	if r.buffer == nil || !r.buffer.waiting[uid] {
		return
	}
	delete(r.buffer.waiting, uid)
	r.advanceBuffer()
}

func (r *Room) advanceBuffer() {
	b := r.buffer
	if b == nil {
		return
	}
	if len(b.waiting) == 0 {
		r.completeBuffer()
		return
	}
	r.broadcast(&protocol.BufferWait{TrackId: b.trackId, WaitingFor: b.waitingFor()}, nil)
}

func (r *Room) completeBuffer() {
	b := r.buffer
	r.buffer = nil
	r.log.Debug().Str("track", b.trackId).Msg("buffering complete")
	r.broadcast(&protocol.BufferComplete{TrackId: b.trackId, Room: r.playbackNow(), Seq: r.seq}, nil)
}

func (r *Room) handleLeave(c *Client) {
	uid := c.UserId()
	if pc, ok := r.pending[uid]; ok && pc == c {
		r.withdraw(uid)
		c.setRoom(nil)
		return
	}

	if _, m := r.memberOf(c); m == nil {
		return
	}
	if uid == r.state.HostId {
		r.log.Info().Msg("host left")
		r.close(protocol.ReasonHostLeft)
		return
	}

	c.setRoom(nil)
	r.removeMember(uid)
}

func (r *Room) handleKick(uid string) {
	if uid == r.state.HostId {
		return
	}
	m, ok := r.members[uid]
	if !ok {
		return
	}
	if m.client != nil {
		m.client.queueMessage(&protocol.Kicked{Reason: "removed by the host"})
		m.client.setRoom(nil)
	}
	r.log.Info().Str("user", uid).Msg("member kicked")
	r.removeMember(uid)
}

func (r *Room) removeMember(uid string) {
	delete(r.members, uid)
	delete(r.state.Users, uid)
	r.publish()
	r.broadcast(&protocol.UserLeft{UserId: uid}, nil)
	r.unblockBuffer(uid)
	r.checkIdle()
}

// withdraw drops a pending request and tells the host.
func (r *Room) withdraw(uid string) {
	delete(r.pending, uid)
	if host := r.hostClient(); host != nil {
		host.queueMessage(&protocol.UserLeft{UserId: uid})
	}
	r.checkIdle()
}

func (r *Room) handleDrop(c *Client) {
	if r.closing {
		return
	}

	uid := c.UserId()
	if pc, ok := r.pending[uid]; ok && pc == c {
		r.log.Info().Str("user", uid).Msg("pending requester disconnected")
		r.withdraw(uid)
		return
	}

	_, m := r.memberOf(c)
	if m == nil {
		return
	}

	m.client = nil
	m.disconnectedAt = r.hub.now()
	u := r.state.Users[uid]
	u.IsConnected = false
	r.state.Users[uid] = u
	r.publish()

	r.log.Info().Str("user", uid).Bool("host", uid == r.state.HostId).Msg("member disconnected")
	r.broadcast(&protocol.UserDisconnected{UserId: uid}, nil)
	r.unblockBuffer(uid)
	r.checkIdle()
}

// sweep closes the room when the host stayed away longer than the grace
// period and removes guests that did the same. It also ends a buffering
// round that ran past its timeout.
func (r *Room) sweep(now time.Time) {
	if r.closing || r.state == nil {
		return
	}

	if b := r.buffer; b != nil && now.Sub(b.startedAt) >= r.hub.opts.BufferTimeout {
		r.log.Warn().Str("track", b.trackId).Strs("waiting", b.waitingFor()).Msg("buffering timed out")
		r.completeBuffer()
	}

	grace := r.hub.opts.HostGrace
	for uid, m := range r.members {
		if m.client != nil || now.Sub(m.disconnectedAt) < grace {
			continue
		}
		if uid == r.state.HostId {
			r.log.Info().Msg("host did not come back")
			r.close(protocol.ReasonHostTimeout)
			return
		}
		r.log.Info().Str("user", uid).Msg("removing disconnected member")
		r.removeMember(uid)
	}
}

func (r *Room) connectedCount() int {
	n := len(r.pending)
	for _, m := range r.members {
		if m.client != nil {
			n++
		}
	}
	return n
}

func (r *Room) checkIdle() {
	if r.connectedCount() == 0 && !r.closing {
		r.log.Info().Msg("no connected members, starting kill timer")
		r.killTimer.Reset(r.hub.opts.IdleTimeout)
	}
}

func (r *Room) handleRoomTimeout() {
	r.log.Info().Msg("room timed out")
	r.close(protocol.ReasonIdle)
}

// close tells everyone the room is gone and asks the hub to unload it.
func (r *Room) close(reason string) {
	if r.closing {
		return
	}
	r.shutdown(reason)
	r.requestUnload(reason)
}

func (r *Room) requestUnload(reason string) {
	select {
	case r.hub.unloadRoomChan <- unloadRoomRequest{roomCode: r.code, reason: reason}:
	default:
		// try again when the timer fires
		r.log.Warn().Msg("unload channel full")
		r.killTimer.Reset(r.hub.opts.IdleTimeout)
	}
}

func (r *Room) shutdown(reason string) {
	r.closing = true
	r.killTimer.Stop()

	closed := &protocol.RoomClosed{RoomCode: r.code, Reason: reason}
	for _, m := range r.members {
		if m.client != nil {
			m.client.queueMessage(closed)
			m.client.setRoom(nil)
		}
	}
	for _, c := range r.pending {
		c.queueMessage(closed)
		c.setRoom(nil)
	}

	if r.state != nil {
		if err := r.hub.db.CloseRoom(r.code, reason, r.hub.now()); err != nil {
			r.log.Error().Err(err).Msg("CloseRoom")
		}
	}
	r.log.Info().Str("reason", reason).Msg("room closed")
}

func (r *Room) handleRoomExit(e exitReq) {
	r.log.Info().Msg("room is exiting")
	if r.closing {
		return
	}
	reason := e.reason
	if reason == "" {
		reason = protocol.ReasonShutdown
	}
	r.shutdown(reason)
}

// broadcast queues msg for every connected member except skip.
func (r *Room) broadcast(msg protocol.Message, skip *Client) {
	r.broadcastExcept(msg, skip, nil)
}

func (r *Room) broadcastExcept(msg protocol.Message, skip ...*Client) {
	r.log.Debug().Str("type", protocol.TypeOf(msg)).Msg("broadcast")

outer:
	for _, m := range r.members {
		if m.client == nil {
			continue
		}
		for _, s := range skip {
			if m.client == s {
				continue outer
			}
		}
		m.client.queueMessage(msg)
	}
}
