package session

import (
	"context"
	"fmt"
	"time"

	"github.com/npezzotti/go-listen-together/internal/coordinator"
	"github.com/npezzotti/go-listen-together/internal/membership"
	"github.com/npezzotti/go-listen-together/internal/protocol"
	"github.com/npezzotti/go-listen-together/internal/store"
	"github.com/npezzotti/go-listen-together/internal/transport"
	"github.com/npezzotti/go-listen-together/internal/types"
)

type actionKind int

const (
	actionNone actionKind = iota
	actionCreate
	actionJoin
	actionResume
)

// action is what to do once the transport is connected. role is the seat a
// resume expects to get back.
type action struct {
	kind     actionKind
	roomCode string
	role     types.RoomRole
}

type createIntent struct{ username string }

type joinIntent struct{ roomCode, username string }

type resumeIntent struct{ ticket types.SessionTicket }

type leaveIntent struct{}

type memberOp int

const (
	opApprove memberOp = iota
	opReject
	opKick
)

type memberIntent struct {
	op     memberOp
	userId string
}

type syncIntent struct {
	reply chan *coordinator.SyncFuture
}

type playbackIntent struct {
	apply func(*coordinator.Coordinator) (*protocol.StateUpdate, error)
}

type settingsIntent struct{}

type dialResult struct {
	seq int
	err error
}

func (s *Session) run() {
	housekeeping := time.NewTicker(s.cfg.HousekeepingInterval)
	heartbeat := time.NewTicker(s.coord.Config().HeartbeatInterval)
	defer func() {
		housekeeping.Stop()
		heartbeat.Stop()
		s.closeSubscribers()
		close(s.done)
	}()

	for {
		select {
		case in := <-s.intents:
			s.handleIntent(in)
		case raw := <-s.t.Incoming():
			s.handleFrame(raw)
		case st := <-s.t.States():
			s.handleTransportState(st)
		case res := <-s.dialDone:
			s.handleDial(res)
		case <-s.retryC():
			s.retry = nil
			s.dial()
		case <-heartbeat.C:
			if s.Role() == types.RoleHost && s.ConnectionState().Status == transport.Connected {
				if err := s.coord.Heartbeat(); err != nil {
					s.log.Debug().Err(err).Msg("heartbeat")
				}
			}
		case <-housekeeping.C:
			s.housekeep(s.cfg.Now())
		case <-s.stop:
			if s.detached.Load() {
				s.detach()
			} else {
				s.leave()
			}
			return
		}
	}
}

func (s *Session) retryC() <-chan time.Time {
	if s.retry == nil {
		return nil
	}
	return s.retry.C
}

func (s *Session) send(m protocol.Message) error {
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if err := s.t.Send(frame); err != nil {
		return fmt.Errorf("send %s: %w", protocol.TypeOf(m), err)
	}
	s.log.Debug().Str("type", protocol.TypeOf(m)).Msg("sent")
	return nil
}

func (s *Session) handleIntent(in any) {
	switch in := in.(type) {
	case createIntent:
		s.leave()
		s.username = in.username
		s.action = action{kind: actionCreate}
		s.dial()

	case joinIntent:
		s.leave()
		s.username = in.username
		s.action = action{kind: actionJoin, roomCode: in.roomCode}
		s.guest.Begin(in.roomCode, s.cfg.Now())
		s.dial()

	case resumeIntent:
		s.leave()
		s.username = in.ticket.Username
		s.token = in.ticket.Token
		s.action = action{kind: actionResume, roomCode: in.ticket.RoomCode, role: in.ticket.Role}
		s.log.Info().Str("room", in.ticket.RoomCode).Str("role", in.ticket.Role.String()).Msg("resuming session")
		s.dial()

	case leaveIntent:
		s.leave()

	case memberIntent:
		s.handleMemberIntent(in)

	case syncIntent:
		in.reply <- s.coord.RequestSync()

	case playbackIntent:
		if _, err := in.apply(s.coord); err != nil {
			s.log.Warn().Err(err).Msg("playback change")
		}

	case settingsIntent:
		s.coord.ApplySettings()
	}
}

func (s *Session) handleMemberIntent(in memberIntent) {
	if s.coord.Role() != types.RoleHost {
		s.publish(Event{Kind: EventError, Reason: ErrNotHost.Error()})
		return
	}

	var err error
	switch in.op {
	case opApprove:
		if err = s.host.Approve(in.userId); err == nil {
			s.publish(Event{Kind: EventRoom, Room: s.states.Current().Room.Clone()})
		}
	case opReject:
		err = s.host.Reject(in.userId, "")
	case opKick:
		if in.userId == s.cfg.UserId {
			err = fmt.Errorf("host cannot kick itself")
			break
		}
		err = s.send(&protocol.Kick{UserId: in.userId})
	}

	if err != nil {
		s.log.Warn().Err(err).Str("target", in.userId).Msg("membership action failed")
		s.publish(Event{Kind: EventError, Reason: err.Error()})
	}
	s.publishPending()
}

// active reports whether the session wants a connection.
func (s *Session) active() bool {
	return s.action.kind != actionNone || s.states.Current().Room != nil
}

func (s *Session) dial() {
	if s.dialCancel != nil {
		s.dialCancel()
	}
	s.dialSeq++
	seq := s.dialSeq
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
	s.dialCancel = cancel
	s.terminal = false
	s.setConn(transport.State{Status: transport.Connecting})

	go func() {
		err := s.t.Connect(ctx, s.cfg.ServerURL)
		select {
		case s.dialDone <- dialResult{seq: seq, err: err}:
		case <-s.done:
		}
	}()
}

func (s *Session) handleDial(res dialResult) {
	if res.seq != s.dialSeq {
		if res.err == nil && s.dialCancel == nil && !s.active() {
			// a cancelled dial still got through
			s.t.Disconnect()
			s.setConn(transport.State{Status: transport.Disconnected})
		}
		return
	}
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}

	if res.err != nil {
		s.log.Warn().Err(res.err).Int("attempt", s.attempt).Msg("connect failed")
		if s.active() {
			s.scheduleReconnect()
		}
		return
	}
	if !s.active() {
		s.t.Disconnect()
		return
	}

	s.attempt = 0
	s.setConn(transport.State{Status: transport.Connected})
	s.onConnected()
}

// onConnected performs the pending action, or resumes the room session.
func (s *Session) onConnected() {
	var err error
	switch {
	case s.token != "":
		err = s.send(&protocol.Reconnect{SessionToken: s.token})
	case s.action.kind == actionCreate:
		err = s.send(&protocol.CreateRoom{Username: s.username})
	case s.action.kind == actionJoin:
		err = s.send(&protocol.JoinRequest{RoomCode: s.action.roomCode, UserId: s.cfg.UserId, Username: s.username})
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("resume after connect")
	}
}

// handleTransportState only takes losses from the transport. Connecting and
// Connected are published by dial and handleDial so they stay ordered.
func (s *Session) handleTransportState(st transport.State) {
	if st.Status == transport.Connecting || st.Status == transport.Connected {
		return
	}
	s.setConn(st)
	if st.Status == transport.Disconnected && s.active() {
		s.log.Warn().Msg("connection lost, scheduling reconnect")
		s.scheduleReconnect()
	}
}

func (s *Session) scheduleReconnect() {
	if s.retry != nil || s.dialCancel != nil {
		return
	}

	s.attempt++
	d, ok := s.cfg.Backoff.Delay(s.attempt)
	if !ok {
		s.fail(fmt.Sprintf("unable to reach server after %d attempts", s.attempt-1))
		return
	}
	s.log.Info().Int("attempt", s.attempt).Dur("delay", d).Msg("reconnect scheduled")
	s.retry = time.NewTimer(d)
}

// fail drops to a room-less terminal ERROR state. The caller has to create
// or join again.
func (s *Session) fail(reason string) {
	s.log.Error().Str("reason", reason).Msg("giving up")
	s.teardown()
	s.setConn(transport.State{Status: transport.Errored, Message: reason})
	s.terminal = true
	s.publish(Event{Kind: EventError, Reason: reason})
}

func (s *Session) handleFrame(raw []byte) {
	m, err := protocol.Decode(raw)
	if err != nil {
		s.log.Warn().Err(err).Msg("dropping frame")
		return
	}
	s.log.Debug().Str("type", protocol.TypeOf(m)).Msg("received")

	switch msg := m.(type) {
	case *protocol.RoomCreated:
		s.handleRoomCreated(msg)
	case *protocol.JoinRequest:
		s.handleJoinRequest(msg)
	case *protocol.JoinApproved:
		s.handleJoinApproved(msg)
	case *protocol.JoinRejected:
		s.handleJoinRejected(msg)
	case *protocol.Reconnected:
		s.handleReconnected(msg)
	case *protocol.StateUpdate, *protocol.Heartbeat, *protocol.UserJoined,
		*protocol.UserDisconnected, *protocol.UserReconnected:
		s.apply(m)
	case *protocol.UserLeft:
		if s.coord.Role() == types.RoleHost && s.host.Withdraw(msg.UserId) {
			s.publishPending()
		}
		s.apply(m)
	case *protocol.RoomClosed:
		s.log.Info().Str("reason", msg.Reason).Msg("room closed")
		s.teardown()
		s.publish(Event{Kind: EventRoomClosed, Reason: msg.Reason})
	case *protocol.Kicked:
		s.log.Info().Msg("kicked from room")
		s.teardown()
		s.publish(Event{Kind: EventKicked, Reason: msg.Reason})
	case *protocol.Error:
		s.handleError(msg)
	case *protocol.BufferWait:
		s.publish(Event{Kind: EventBuffer, TrackId: msg.TrackId, Waiting: msg.WaitingFor})
	case *protocol.BufferComplete:
		s.coord.BufferComplete(msg)
		s.publish(Event{Kind: EventBuffer, TrackId: msg.TrackId})
	case *protocol.SyncRequest:
		// the server answers sync requests from its cache
	default:
		s.log.Debug().Str("type", protocol.TypeOf(m)).Msg("ignoring message")
	}
}

func (s *Session) apply(m protocol.Message) (store.State, bool) {
	st, changed := s.states.Apply(m)
	if changed {
		s.coord.Applied(m, st)
		s.publish(Event{Kind: EventRoom, Room: st.Room.Clone()})
	}
	return st, changed
}

func (s *Session) handleRoomCreated(msg *protocol.RoomCreated) {
	if s.action.kind != actionCreate {
		s.log.Warn().Str("room", msg.RoomCode).Msg("unexpected room created")
		return
	}
	if msg.Room == nil {
		msg.Room = types.NewRoom(msg.RoomCode, types.User{UserId: msg.HostId, Username: s.username}, s.cfg.Now())
	}

	s.action = action{}
	s.token = msg.SessionToken
	st, _ := s.apply(msg)
	s.coord.Begin(types.RoleHost, st.Room)
	s.setRole(types.RoleHost)
	s.saveTicket(types.RoleHost)
	s.log.Info().Str("room", msg.RoomCode).Msg("room created")
}

func (s *Session) handleJoinRequest(msg *protocol.JoinRequest) {
	if s.coord.Role() != types.RoleHost {
		return
	}
	status, err := s.host.HandleRequest(msg, s.policy().AutoApproval, s.cfg.Now())
	if err != nil {
		s.log.Warn().Err(err).Str("requester", msg.UserId).Msg("join request")
	}
	if status == membership.Approved {
		st := s.states.Current()
		s.publish(Event{Kind: EventRoom, Room: st.Room.Clone()})
	}
	s.publishPending()
}

func (s *Session) handleJoinApproved(msg *protocol.JoinApproved) {
	if !s.guest.Resolve(msg) {
		return
	}

	s.action = action{}
	s.token = msg.SessionToken
	st, _ := s.states.Apply(msg)
	s.coord.Begin(types.RoleGuest, st.Room)
	s.setRole(types.RoleGuest)
	s.coord.Applied(msg, st)
	s.saveTicket(types.RoleGuest)
	s.publish(Event{Kind: EventRoom, Room: st.Room.Clone()})
	s.log.Info().Str("room", st.Room.RoomCode).Int64("seq", st.Seq).Msg("joined room")
}

func (s *Session) handleJoinRejected(msg *protocol.JoinRejected) {
	if !s.guest.Resolve(msg) {
		return
	}
	s.log.Info().Str("code", msg.Code).Str("reason", msg.Reason).Msg("join rejected")
	s.teardown()
	s.publish(Event{Kind: EventJoinRejected, Code: msg.Code, Reason: msg.Reason})
}

func (s *Session) handleReconnected(msg *protocol.Reconnected) {
	s.action = action{}
	st, _ := s.states.Apply(msg)
	s.coord.Begin(msg.Role, st.Room)
	s.setRole(msg.Role)
	s.coord.Applied(msg, st)
	s.saveTicket(msg.Role)
	s.publish(Event{Kind: EventRoom, Room: st.Room.Clone()})
	s.log.Info().Str("room", st.Room.RoomCode).Str("role", msg.Role.String()).Msg("session resumed")

	switch msg.Role {
	case types.RoleGuest:
		s.coord.RequestSync()
	case types.RoleHost:
		if _, err := s.coord.Rebroadcast(); err != nil {
			s.log.Warn().Err(err).Msg("rebroadcast after reconnect")
		}
	}
}

func (s *Session) handleError(msg *protocol.Error) {
	if msg.Code != protocol.ErrCodeSessionNotFound || s.token == "" {
		s.log.Warn().Str("code", msg.Code).Str("message", msg.Message).Msg("server error")
		s.publish(Event{Kind: EventError, Code: msg.Code, Reason: msg.Message})
		return
	}

	code := ""
	room := s.states.Current().Room
	switch {
	case room != nil && s.coord.Role() == types.RoleGuest:
		code = room.RoomCode
	case room == nil && s.action.kind == actionResume && s.action.role == types.RoleGuest:
		code = s.action.roomCode
	}

	if code != "" && s.username != "" {
		// the server forgot us; ask to be let in again
		s.log.Info().Str("room", code).Msg("session expired, rejoining")
		s.resetRoom()
		s.action = action{kind: actionJoin, roomCode: code}
		s.guest.Begin(code, s.cfg.Now())
		if err := s.send(&protocol.JoinRequest{RoomCode: code, UserId: s.cfg.UserId, Username: s.username}); err != nil {
			s.log.Warn().Err(err).Msg("rejoin")
		}
		return
	}

	s.teardown()
	s.publish(Event{Kind: EventRoomClosed, Code: msg.Code, Reason: "session expired"})
}

func (s *Session) housekeep(now time.Time) {
	if s.coord.Role() == types.RoleHost {
		if expired := s.host.Expire(now); len(expired) > 0 {
			s.publishPending()
		}
	}

	if s.guest.Expire(now) {
		s.log.Info().Str("room", s.guest.RoomCode()).Msg("join request expired")
		s.send(&protocol.Leave{UserId: s.cfg.UserId})
		s.teardown()
		s.publish(Event{Kind: EventJoinRejected, Code: protocol.CodeExpired, Reason: "no response from the host"})
	}

	if n := s.coord.ExpireSyncs(now); n > 0 {
		s.log.Warn().Int("count", n).Msg("sync requests timed out")
	}
	s.coord.ExpireBuffer(now)
}

func (s *Session) leave() {
	if !s.active() && s.retry == nil && s.dialCancel == nil {
		return
	}
	if err := s.send(&protocol.Leave{UserId: s.cfg.UserId}); err != nil {
		s.log.Debug().Err(err).Msg("leave not delivered")
	}
	s.teardown()
}

// detach drops the connection but keeps the ticket so a later run can
// resume the seat.
func (s *Session) detach() {
	s.coord.End()
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	s.t.Disconnect()
	s.log.Info().Msg("detached")
}

func (s *Session) saveTicket(role types.RoomRole) {
	st := s.states.Current()
	if s.cfg.Tickets == nil || s.token == "" || st.Room == nil {
		return
	}
	t := types.SessionTicket{
		RoomCode: st.Room.RoomCode,
		UserId:   s.cfg.UserId,
		Username: s.username,
		Role:     role,
		Token:    s.token,
		SavedAt:  s.cfg.Now(),
	}
	if err := s.cfg.Tickets.SaveTicket(t); err != nil {
		s.log.Warn().Err(err).Msg("save session ticket")
	}
}

func (s *Session) clearTicket() {
	if s.cfg.Tickets == nil {
		return
	}
	if err := s.cfg.Tickets.ClearTicket(); err != nil {
		s.log.Warn().Err(err).Msg("clear session ticket")
	}
}

// resetRoom forgets the room while keeping the connection.
func (s *Session) resetRoom() {
	s.clearTicket()
	s.coord.End()
	s.host.Reset()
	s.guest.Reset()
	s.states.Reset()
	s.token = ""
	s.action = action{}
	s.setRole(types.RoleNone)
	s.publishPending()
	s.publish(Event{Kind: EventRoom})
}

// teardown forgets the room and closes the connection.
func (s *Session) teardown() {
	hadRoom := s.states.Current().Room != nil
	if hadRoom || s.token != "" {
		s.clearTicket()
	}
	s.coord.End()
	s.host.Reset()
	s.guest.Reset()
	s.states.Reset()
	s.token = ""
	s.action = action{}
	s.attempt = 0

	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	s.dialSeq++

	s.t.Disconnect()
	s.setRole(types.RoleNone)
	s.publishPending()
	if hadRoom {
		s.publish(Event{Kind: EventRoom})
	}
	s.setConn(transport.State{Status: transport.Disconnected})
}

func (s *Session) setRole(r types.RoomRole) {
	if types.RoomRole(s.role.Swap(int32(r))) != r {
		s.publish(Event{Kind: EventRole, Role: r})
	}
}

func (s *Session) setConn(st transport.State) {
	if s.terminal && st.Status != transport.Connecting {
		// keep the terminal error visible until the caller acts
		return
	}
	if prev := s.conn.Swap(&st); *prev != st {
		s.publish(Event{Kind: EventConnection, State: st})
	}
}

func (s *Session) publishPending() {
	p := s.host.Pending()
	s.pending.Store(&p)
	s.publish(Event{Kind: EventPending, Pending: p})
}
