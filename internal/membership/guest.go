package membership

import (
	"time"

	"github.com/npezzotti/go-listen-together/internal/protocol"
)

// Guest tracks the outcome of this client's own join request.
type Guest struct {
	timeout  time.Duration
	status   Status
	active   bool
	roomCode string
	deadline time.Time
	reason   string
}

func NewGuest(timeout time.Duration) *Guest {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Guest{timeout: timeout}
}

func (g *Guest) Begin(roomCode string, now time.Time) {
	g.active = true
	g.status = Pending
	g.roomCode = roomCode
	g.deadline = now.Add(g.timeout)
	g.reason = ""
}

// Resolve applies a response addressed to this client and reports whether
// the pending request changed state.
func (g *Guest) Resolve(m protocol.Message) bool {
	if !g.active || g.status != Pending {
		return false
	}

	switch msg := m.(type) {
	case *protocol.JoinApproved:
		g.status = Approved
	case *protocol.JoinRejected:
		g.status = Rejected
		if msg.Code == protocol.CodeExpired {
			g.status = Expired
		}
		g.reason = msg.Reason
	default:
		return false
	}
	return true
}

// Expire moves a pending request past its deadline to Expired. It reports
// true only on that transition.
func (g *Guest) Expire(now time.Time) bool {
	if !g.active || g.status != Pending || now.Before(g.deadline) {
		return false
	}
	g.status = Expired
	g.reason = "no response from the host"
	return true
}

func (g *Guest) Status() Status {
	return g.status
}

func (g *Guest) Pending() bool {
	return g.active && g.status == Pending
}

func (g *Guest) RoomCode() string {
	return g.roomCode
}

func (g *Guest) Reason() string {
	return g.reason
}

func (g *Guest) Reset() {
	*g = Guest{timeout: g.timeout}
}
