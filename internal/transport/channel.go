package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait           = 10 * time.Second
	defaultPingInterval = 25 * time.Second
	maxMessageSize      = 64 * 1024
	sendBufferSize      = 256
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrBackpressure = errors.New("transport: send buffer full")
)

type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Errored
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Errored:
		return "ERROR"
	default:
		return "DISCONNECTED"
	}
}

// State is the observable connection state. Message is only set for Errored.
type State struct {
	Status  Status
	Message string
}

func (s State) String() string {
	if s.Status == Errored && s.Message != "" {
		return fmt.Sprintf("ERROR(%s)", s.Message)
	}
	return s.Status.String()
}

type Options struct {
	Header       http.Header
	PingInterval time.Duration
	Dialer       *websocket.Dialer
}

// Channel keeps at most one websocket connection to a sync server. Frames
// read from the current connection are delivered on Incoming; state
// transitions on States.
type Channel struct {
	log      zerolog.Logger
	dialer   *websocket.Dialer
	header   http.Header
	pingIntv time.Duration

	mu    sync.Mutex
	cur   *link
	state State

	incoming chan []byte
	states   chan State
}

// link is a single websocket connection and its pumps.
type link struct {
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func (l *link) close() {
	l.once.Do(func() { close(l.closed) })
}

func New(logger zerolog.Logger, opts Options) *Channel {
	d := opts.Dialer
	if d == nil {
		d = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		}
	}
	pi := opts.PingInterval
	if pi <= 0 {
		pi = defaultPingInterval
	}

	return &Channel{
		log:      logger.With().Str("module", "transport").Logger(),
		dialer:   d,
		header:   opts.Header,
		pingIntv: pi,
		incoming: make(chan []byte, sendBufferSize),
		states:   make(chan State, 64),
	}
}

func (c *Channel) Incoming() <-chan []byte {
	return c.incoming
}

func (c *Channel) States() <-chan State {
	return c.states
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials url and blocks until the handshake completes or fails. Any
// previous connection is closed first.
func (c *Channel) Connect(ctx context.Context, url string) error {
	c.mu.Lock()
	old := c.cur
	c.cur = nil
	c.setStateLocked(State{Status: Connecting})
	c.mu.Unlock()

	if old != nil {
		old.close()
	}

	c.log.Debug().Str("url", url).Msg("dialing")
	conn, _, err := c.dialer.DialContext(ctx, url, c.header)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(State{Status: Errored, Message: err.Error()})
		c.mu.Unlock()
		return fmt.Errorf("dial %s: %w", url, err)
	}

	l := &link{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}

	c.mu.Lock()
	if c.cur != nil {
		// a concurrent Connect won
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("dial %s: superseded", url)
	}
	c.cur = l
	c.setStateLocked(State{Status: Connected})
	c.mu.Unlock()

	go c.writePump(l)
	go c.readPump(l)

	c.log.Info().Str("url", url).Msg("connected")
	return nil
}

// Send queues a frame on the current connection.
func (c *Channel) Send(frame []byte) error {
	c.mu.Lock()
	l := c.cur
	c.mu.Unlock()

	if l == nil {
		return ErrNotConnected
	}

	select {
	case <-l.closed:
		return ErrNotConnected
	default:
	}

	select {
	case l.send <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

// Disconnect closes the current connection. No state event is emitted for a
// disconnect the caller asked for.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	l := c.cur
	c.cur = nil
	c.state = State{Status: Disconnected}
	c.mu.Unlock()

	if l != nil {
		l.close()
		c.log.Info().Msg("disconnected")
	}
}

func (c *Channel) setStateLocked(s State) {
	c.state = s
	select {
	case c.states <- s:
	default:
		c.log.Warn().Str("state", s.String()).Msg("state observer is not keeping up, dropping event")
	}
}

// dropped is called by a pump that lost its connection.
func (c *Channel) dropped(l *link, err error) {
	c.mu.Lock()
	current := c.cur == l
	if current {
		c.cur = nil
		c.setStateLocked(State{Status: Disconnected})
	}
	c.mu.Unlock()

	l.close()
	if current {
		c.log.Warn().Err(err).Msg("connection lost")
	}
}

func (c *Channel) writePump(l *link) {
	ticker := time.NewTicker(c.pingIntv)
	defer func() {
		ticker.Stop()
		l.conn.Close()
	}()

	for {
		select {
		case frame := <-l.send:
			if err := c.write(l, websocket.TextMessage, frame); err != nil {
				c.dropped(l, err)
				return
			}
		case <-ticker.C:
			if err := c.write(l, websocket.PingMessage, nil); err != nil {
				c.dropped(l, err)
				return
			}
		case <-l.closed:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			l.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Channel) write(l *link, msgType int, data []byte) error {
	l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteMessage(msgType, data)
}

func (c *Channel) readPump(l *link) {
	pongWait := c.pingIntv * 10 / 9
	if pongWait < c.pingIntv+time.Second {
		pongWait = c.pingIntv + time.Second
	}

	l.conn.SetReadLimit(maxMessageSize)
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("read")
			}
			c.dropped(l, err)
			return
		}

		// the server may also push pings; any frame proves liveness
		l.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !c.deliver(l, raw) {
			return
		}
	}
}

// deliver hands raw to Incoming unless l has been replaced or closed.
func (c *Channel) deliver(l *link, raw []byte) bool {
	c.mu.Lock()
	current := c.cur == l
	c.mu.Unlock()
	if !current {
		c.log.Debug().Int("bytes", len(raw)).Msg("dropping frame from a replaced connection")
		return false
	}

	select {
	case c.incoming <- raw:
		return true
	case <-l.closed:
		return false
	}
}
