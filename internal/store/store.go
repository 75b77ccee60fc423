package store

import (
	"sync/atomic"

	"github.com/npezzotti/go-listen-together/internal/protocol"
)

// Store holds the latest State. Apply, ExpectSync and Reset must only be
// called from a single goroutine. Current is safe from any goroutine.
type Store struct {
	cur atomic.Pointer[State]
}

func New() *Store {
	s := &Store{}
	s.cur.Store(&State{})
	return s
}

func (s *Store) Current() State {
	return *s.cur.Load()
}

// Apply reduces m into the current state and publishes the result.
func (s *Store) Apply(m protocol.Message) (State, bool) {
	next, changed := Reduce(s.Current(), m)
	if changed {
		s.cur.Store(&next)
	}
	return next, changed
}

// ExpectSync arms a forced re-application of the next playback update that
// is not older than the current one.
func (s *Store) ExpectSync() {
	st := s.Current()
	if st.Room == nil || st.Force {
		return
	}
	st.Force = true
	s.cur.Store(&st)
}

func (s *Store) Reset() {
	s.cur.Store(&State{})
}
