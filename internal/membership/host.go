package membership

import (
	"fmt"
	"time"

	"github.com/npezzotti/go-listen-together/internal/protocol"
	"github.com/npezzotti/go-listen-together/internal/store"
	"github.com/npezzotti/go-listen-together/internal/types"
	"github.com/rs/zerolog"
)

type Sender func(protocol.Message) error

// Snapshotter yields the room as it should be handed to a new guest, with
// the playback position brought up to date, and its sequence number.
type Snapshotter interface {
	Snapshot() (*types.Room, int64)
}

// Host runs the host side of the join workflow. Every method must be called
// from the goroutine that owns the room state.
type Host struct {
	log    zerolog.Logger
	queue  *Queue
	send   Sender
	states *store.Store
	snap   Snapshotter
}

// NewHost returns a Host. A nil snap hands out the stored state as is.
func NewHost(logger zerolog.Logger, timeout time.Duration, states *store.Store, snap Snapshotter, send Sender) *Host {
	return &Host{
		log:    logger.With().Str("module", "membership").Logger(),
		queue:  NewQueue(timeout),
		send:   send,
		states: states,
		snap:   snap,
	}
}

// HandleRequest queues req, or approves it straight away when autoApproval
// is set at arrival time. Requests carrying the id of a current member are
// refused; a member that lost its session resumes with Reconnect.
func (h *Host) HandleRequest(req *protocol.JoinRequest, autoApproval bool, now time.Time) (Status, error) {
	jr := types.JoinRequest{UserId: req.UserId, Username: req.Username, RequestedAt: now}
	if h.isMember(req.UserId) {
		h.log.Warn().Str("user", req.UserId).Msg("join request from a current member refused")
		if err := h.send(protocol.RejectAlreadyMember(req.UserId)); err != nil {
			return Rejected, fmt.Errorf("refuse %s: %w", req.UserId, err)
		}
		return Rejected, nil
	}

	st := h.queue.Submit(jr, autoApproval)
	h.log.Info().Str("user", req.UserId).Str("status", st.String()).Msg("join request")
	if st == Approved {
		return st, h.approve(jr)
	}
	return st, nil
}

func (h *Host) Approve(userId string) error {
	req, err := h.queue.Approve(userId)
	if err != nil {
		return err
	}
	return h.approve(req)
}

func (h *Host) Reject(userId, reason string) error {
	req, err := h.queue.Reject(userId)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "the host declined your request"
	}

	h.log.Info().Str("user", userId).Msg("join rejected")
	return h.send(&protocol.JoinRejected{UserId: req.UserId, Reason: reason, Code: protocol.CodeRejected})
}

// Withdraw is called when a pending requester disconnects.
func (h *Host) Withdraw(userId string) bool {
	ok := h.queue.Withdraw(userId)
	if ok {
		h.log.Info().Str("user", userId).Msg("join request withdrawn")
	}
	return ok
}

// Expire drops requests that waited longer than the timeout and tells each
// requester.
func (h *Host) Expire(now time.Time) []types.JoinRequest {
	expired := h.queue.Expire(now)
	for _, req := range expired {
		h.log.Info().Str("user", req.UserId).Msg("join request expired")
		if err := h.send(&protocol.JoinRejected{UserId: req.UserId, Reason: "the request timed out", Code: protocol.CodeExpired}); err != nil {
			h.log.Warn().Err(err).Str("user", req.UserId).Msg("notify expired request")
		}
	}
	return expired
}

func (h *Host) Pending() []types.JoinRequest {
	return h.queue.Pending()
}

func (h *Host) Reset() {
	h.queue.Clear()
}

func (h *Host) isMember(userId string) bool {
	st := h.states.Current()
	if st.Room == nil {
		return false
	}
	if userId == st.Room.HostId {
		return true
	}
	_, ok := st.Room.Users[userId]
	return ok
}

// approve sends the requester the full current snapshot including itself, and
// announces the new member to everyone else.
func (h *Host) approve(req types.JoinRequest) error {
	user := types.User{UserId: req.UserId, Username: req.Username, IsConnected: true}
	joined := &protocol.UserJoined{User: user}

	st, _ := h.states.Apply(joined)
	if st.Room == nil {
		return fmt.Errorf("approve %s: no active room", req.UserId)
	}

	room, seq := st.Room.Clone(), st.Seq
	if h.snap != nil {
		if r, n := h.snap.Snapshot(); r != nil {
			room, seq = r, n
		}
	}

	approved := &protocol.JoinApproved{UserId: req.UserId, Room: *room, Seq: seq}
	if err := h.send(approved); err != nil {
		return fmt.Errorf("send approval: %w", err)
	}
	if err := h.send(joined); err != nil {
		return fmt.Errorf("announce member: %w", err)
	}

	h.log.Info().Str("user", req.UserId).Int("members", len(room.Users)).Int64("pos", room.PlaybackPositionMs).Msg("join approved")
	return nil
}
