package membership

import (
	"errors"
	"sort"
	"time"

	"github.com/npezzotti/go-listen-together/internal/types"
)

const DefaultTimeout = 30 * time.Second

var ErrUnknownRequest = errors.New("membership: no pending request for user")

type Status int

const (
	Pending Status = iota
	Approved
	Rejected
	Expired
	Withdrawn
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Approved:
		return "APPROVED"
	case Rejected:
		return "REJECTED"
	case Expired:
		return "EXPIRED"
	case Withdrawn:
		return "WITHDRAWN"
	}
	return "UNKNOWN"
}

// Queue is the host's list of pending join requests. Not safe for concurrent
// use.
type Queue struct {
	timeout time.Duration
	pending map[string]types.JoinRequest
}

func NewQueue(timeout time.Duration) *Queue {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Queue{
		timeout: timeout,
		pending: make(map[string]types.JoinRequest),
	}
}

// Submit records a request. With autoApproval the request is approved on
// arrival and never queued. A repeated request from a pending user refreshes
// its entry.
func (q *Queue) Submit(req types.JoinRequest, autoApproval bool) Status {
	if autoApproval {
		delete(q.pending, req.UserId)
		return Approved
	}
	q.pending[req.UserId] = req
	return Pending
}

func (q *Queue) resolve(userId string) (types.JoinRequest, error) {
	req, ok := q.pending[userId]
	if !ok {
		return types.JoinRequest{}, ErrUnknownRequest
	}
	delete(q.pending, userId)
	return req, nil
}

func (q *Queue) Approve(userId string) (types.JoinRequest, error) {
	return q.resolve(userId)
}

func (q *Queue) Reject(userId string) (types.JoinRequest, error) {
	return q.resolve(userId)
}

// Withdraw drops the request of a requester that went away.
func (q *Queue) Withdraw(userId string) bool {
	_, err := q.resolve(userId)
	return err == nil
}

// Expire removes and returns every request older than the timeout.
func (q *Queue) Expire(now time.Time) []types.JoinRequest {
	var out []types.JoinRequest
	for id, req := range q.pending {
		if now.Sub(req.RequestedAt) >= q.timeout {
			out = append(out, req)
			delete(q.pending, id)
		}
	}
	sortRequests(out)
	return out
}

// Pending returns the queued requests, oldest first.
func (q *Queue) Pending() []types.JoinRequest {
	out := make([]types.JoinRequest, 0, len(q.pending))
	for _, req := range q.pending {
		out = append(out, req)
	}
	sortRequests(out)
	return out
}

func (q *Queue) Len() int {
	return len(q.pending)
}

func (q *Queue) Clear() {
	clear(q.pending)
}

func sortRequests(reqs []types.JoinRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].RequestedAt.Equal(reqs[j].RequestedAt) {
			return reqs[i].RequestedAt.Before(reqs[j].RequestedAt)
		}
		return reqs[i].UserId < reqs[j].UserId
	})
}
