package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-listen-together/internal/protocol"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Client is one websocket connection. Its identity can change once, when a
// Reconnect proves it belongs to an existing member.
type Client struct {
	conn     *websocket.Conn
	hub      *Hub
	log      zerolog.Logger
	send     chan protocol.Message
	stop     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	userId   string
	username string
	current  *Room
}

func NewClient(userId string, conn *websocket.Conn, h *Hub, l zerolog.Logger) *Client {
	return &Client{
		conn:   conn,
		hub:    h,
		log:    l.With().Str("module", "client").Str("user", userId).Logger(),
		userId: userId,
		send:   make(chan protocol.Message, sendBufferSize),
		stop:   make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := protocol.Encode(msg)
			if err != nil {
				c.log.Error().Err(err).Msg("failed to serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.sendMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws: read")
			}
			break
		}

		msg, err := protocol.Decode(raw)
		if err != nil {
			c.log.Warn().Err(err).Msg("error parsing message")
			c.queueMessage(protocol.ErrInvalidMessage(err.Error()))
			continue
		}
		c.route(msg)
	}
}

// route stamps the connection's identity on msg and hands it to the hub or
// the client's room.
func (c *Client) route(m protocol.Message) {
	c.log.Debug().Str("type", protocol.TypeOf(m)).Msg("received message")
	in := &inbound{client: c, msg: m}

	switch msg := m.(type) {
	case *protocol.CreateRoom:
		c.toHub(c.hub.createChan, in)
	case *protocol.JoinRequest:
		msg.UserId = c.UserId()
		c.toHub(c.hub.joinChan, in)
	case *protocol.Reconnect:
		c.toHub(c.hub.reconnectChan, in)
	default:
		switch msg := m.(type) {
		case *protocol.Leave:
			msg.UserId = c.UserId()
		case *protocol.SyncRequest:
			msg.UserId = c.UserId()
		}

		r := c.room()
		if r == nil {
			if _, ok := m.(*protocol.Leave); !ok {
				c.queueMessage(ErrNotInRoom())
			}
			return
		}
		r.deliver(in)
	}
}

func (c *Client) toHub(ch chan *inbound, in *inbound) {
	select {
	case ch <- in:
	default:
		c.log.Warn().Str("type", protocol.TypeOf(in.msg)).Msg("hub channel full")
		c.queueMessage(protocol.ErrServiceUnavailable())
	}
}

func (c *Client) queueMessage(msg protocol.Message) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Msg("failed to send message to client, channel is full")
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.hub.deregister(c)
	if r := c.room(); r != nil {
		r.dropped(c)
	}
	c.stopClient()
}

func (c *Client) UserId() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userId
}

func (c *Client) setUserId(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userId = id
}

func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

func (c *Client) setUsername(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = name
}

func (c *Client) room() *Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *Client) setRoom(r *Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = r
}
