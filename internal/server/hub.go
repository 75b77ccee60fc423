package server

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/go-listen-together/internal/database"
	"github.com/npezzotti/go-listen-together/internal/protocol"
	"github.com/npezzotti/go-listen-together/internal/stats"
	"github.com/npezzotti/go-listen-together/internal/types"
	"github.com/rs/zerolog"
)

const (
	defaultHostGrace   = 10 * time.Minute
	defaultIdleTimeout = 5 * time.Minute
	defaultMaxUsers    = 50
	defaultBufferWait  = 10 * time.Second
	maxCodeAttempts    = 16
)

type Options struct {
	HostGrace   time.Duration
	IdleTimeout time.Duration
	MaxUsers    int
	// BufferTimeout bounds how long guests are held on a new track.
	BufferTimeout time.Duration
	SigningKey    []byte
	TokenTTL      time.Duration
}

func (o *Options) setDefaults() {
	if o.HostGrace <= 0 {
		o.HostGrace = defaultHostGrace
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.MaxUsers <= 0 {
		o.MaxUsers = defaultMaxUsers
	}
	if o.BufferTimeout <= 0 {
		o.BufferTimeout = defaultBufferWait
	}
}

// Hub owns the set of live rooms. Room creation, join routing, reconnects
// and unloading all run on its goroutine.
type Hub struct {
	log            zerolog.Logger
	db             database.RoomRepository
	stats          stats.StatsProvider
	tokens         *TokenIssuer
	opts           Options
	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	roomsMap       sync.Map
	createChan     chan *inbound
	joinChan       chan *inbound
	reconnectChan  chan *inbound
	registerChan   chan *Client
	deRegisterChan chan *Client
	unloadRoomChan chan unloadRoomRequest
	stop           chan stopReq
	done           chan struct{}
	now            func() time.Time
}

func NewHub(logger zerolog.Logger, db database.RoomRepository, su stats.StatsProvider, opts Options) *Hub {
	opts.setDefaults()
	for _, name := range stats.Metrics {
		su.RegisterMetric(name)
	}

	return &Hub{
		log:            logger.With().Str("module", "hub").Logger(),
		db:             db,
		stats:          su,
		tokens:         NewTokenIssuer(opts.SigningKey, opts.TokenTTL),
		opts:           opts,
		clients:        make(map[*Client]struct{}),
		createChan:     make(chan *inbound, 64),
		joinChan:       make(chan *inbound, 256),
		reconnectChan:  make(chan *inbound, 256),
		registerChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		unloadRoomChan: make(chan unloadRoomRequest, 64),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
		now:            protocol.Now,
	}
}

func (h *Hub) Run() {
	h.log.Info().Msg("hub running")
	for {
		select {
		case in := <-h.createChan:
			h.handleCreate(in)
		case in := <-h.joinChan:
			h.handleJoin(in)
		case in := <-h.reconnectChan:
			h.handleReconnect(in)
		case c := <-h.registerChan:
			h.addClient(c)
		case c := <-h.deRegisterChan:
			h.removeClient(c)
		case req := <-h.unloadRoomChan:
			h.unloadRoom(req.roomCode, req.reason)
		case req := <-h.stop:
			h.log.Info().Msg("shutting down rooms")
			h.roomsMap.Range(func(key, value any) bool {
				h.unloadRoom(key.(string), protocol.ReasonShutdown)
				return true
			})
			close(h.done)
			close(req.done)
			return
		}
	}
}

// Register adds a freshly upgraded connection.
func (h *Hub) Register(c *Client) {
	select {
	case h.registerChan <- c:
	case <-h.done:
	}
}

func (h *Hub) deregister(c *Client) {
	select {
	case h.deRegisterChan <- c:
	case <-h.done:
	}
}

// Shutdown closes every room with RoomClosed{shutdown} and stops all client
// connections.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.log.Info().Msg("received shutdown signal")

	req := stopReq{done: make(chan struct{})}
	select {
	case h.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	h.clientsLock.Lock()
	for c := range h.clients {
		c.stopClient()
	}
	h.clientsLock.Unlock()
	return nil
}

func (h *Hub) handleCreate(in *inbound) {
	c := in.client
	if c.room() != nil {
		c.queueMessage(protocol.ErrNotAllowed("already in a room"))
		return
	}

	code, err := h.uniqueCode()
	if err != nil {
		h.log.Error().Err(err).Msg("room code")
		c.queueMessage(protocol.ErrServiceUnavailable())
		return
	}

	r := newRoom(h, code)
	h.addRoom(code, r)
	go r.start()

	r.inbox <- in
}

func (h *Hub) uniqueCode() (string, error) {
	for range maxCodeAttempts {
		code, err := newRoomCode()
		if err != nil {
			return "", err
		}
		if _, taken := h.getRoom(code); !taken {
			return code, nil
		}
	}
	return "", errCodeSpaceExhausted
}

func (h *Hub) handleJoin(in *inbound) {
	req := in.msg.(*protocol.JoinRequest)
	h.stats.Incr(stats.NumJoinRequests)

	code := strings.ToUpper(strings.TrimSpace(req.RoomCode))
	r, ok := h.getRoom(code)
	if !ok {
		h.log.Info().Str("room", code).Str("user", req.UserId).Msg("join for unknown room")
		in.client.queueMessage(protocol.RejectRoomNotFound(req.UserId))
		return
	}

	req.RoomCode = code
	r.deliver(in)
}

func (h *Hub) handleReconnect(in *inbound) {
	msg := in.msg.(*protocol.Reconnect)
	c := in.client
	if c.room() != nil {
		c.queueMessage(protocol.ErrNotAllowed("already in a room"))
		return
	}

	claims, err := h.tokens.Verify(msg.SessionToken)
	if err != nil {
		h.log.Info().Err(err).Msg("reconnect refused")
		c.queueMessage(protocol.ErrSessionNotFound())
		return
	}

	r, ok := h.getRoom(claims.RoomCode)
	if !ok {
		c.queueMessage(protocol.ErrSessionNotFound())
		return
	}

	h.stats.Incr(stats.NumReconnects)
	c.setUserId(claims.UserId)
	r.deliver(in)
}

func (h *Hub) addClient(c *Client) {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()

	h.clients[c] = struct{}{}
	h.stats.Incr(stats.NumActiveClients)
}

func (h *Hub) removeClient(c *Client) {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	h.stats.Decr(stats.NumActiveClients)
}

func (h *Hub) addRoom(code string, r *Room) {
	h.roomsMap.Store(code, r)
	h.stats.Incr(stats.NumActiveRooms)
}

func (h *Hub) getRoom(code string) (*Room, bool) {
	r, ok := h.roomsMap.Load(code)
	if !ok {
		return nil, false
	}
	return r.(*Room), true
}

func (h *Hub) removeRoom(code string) {
	if _, ok := h.roomsMap.LoadAndDelete(code); ok {
		h.stats.Decr(stats.NumActiveRooms)
	}
}

func (h *Hub) unloadRoom(code, reason string) {
	r, ok := h.getRoom(code)
	if !ok {
		return
	}

	h.log.Info().Str("room", code).Str("reason", reason).Msg("unloading room")
	h.removeRoom(code)
	r.exit <- exitReq{reason: reason}
	<-r.done
}

// LiveRoom returns the current snapshot of an open room.
func (h *Hub) LiveRoom(code string) (*types.Room, bool) {
	r, ok := h.getRoom(strings.ToUpper(code))
	if !ok {
		return nil, false
	}
	return r.Snapshot(), true
}

func (h *Hub) NumRooms() int {
	n := 0
	h.roomsMap.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}
