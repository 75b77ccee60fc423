package server

import (
	"context"
	"testing"
	"time"

	"github.com/npezzotti/go-listen-together/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_route(t *testing.T) {
	t.Run("room lifecycle goes to the hub", func(t *testing.T) {
		h, _ := newTestHub(t, permissiveRepo(), permissiveStats())
		c := newTestClient(t, "user-1")
		c.hub = h

		c.route(&protocol.CreateRoom{Username: "alice"})
		c.route(&protocol.JoinRequest{RoomCode: "ABCD2345", UserId: "spoofed"})
		c.route(&protocol.Reconnect{SessionToken: "token"})

		require.Len(t, h.createChan, 1, "expected create on the hub")
		require.Len(t, h.joinChan, 1, "expected join on the hub")
		require.Len(t, h.reconnectChan, 1, "expected reconnect on the hub")
		assert.Equal(t, "user-1", (<-h.joinChan).msg.(*protocol.JoinRequest).UserId, "expected the connection identity")
	})

	t.Run("outside a room", func(t *testing.T) {
		h, _ := newTestHub(t, permissiveRepo(), permissiveStats())
		c := newTestClient(t, "user-1")
		c.hub = h

		c.route(&protocol.SyncRequest{})
		assert.Equal(t, protocol.ErrCodeNotAllowed, recv[*protocol.Error](t, c).Code, "expected not in room")

		c.route(&protocol.Leave{})
		assertNoMessage(t, c)
	})

	t.Run("inside a room", func(t *testing.T) {
		h, _ := newTestHub(t, permissiveRepo(), permissiveStats())
		r := newRoom(h, "ABCD2345")
		c := newTestClient(t, "user-1")
		c.hub = h
		c.setRoom(r)

		c.route(&protocol.Leave{UserId: "someone-else"})
		require.Len(t, r.inbox, 1, "expected the leave in the room inbox")
		assert.Equal(t, "user-1", (<-r.inbox).msg.(*protocol.Leave).UserId, "expected the connection identity")
	})

	t.Run("hub busy", func(t *testing.T) {
		h, _ := newTestHub(t, permissiveRepo(), permissiveStats())
		h.createChan = make(chan *inbound)
		c := newTestClient(t, "user-1")
		c.hub = h

		c.route(&protocol.CreateRoom{Username: "alice"})
		assert.Equal(t, protocol.ErrCodeUnavailable, recv[*protocol.Error](t, c).Code, "expected service unavailable")
	})
}

func TestClient_queueMessage(t *testing.T) {
	c := newTestClient(t, "user-1")
	c.send = make(chan protocol.Message, 1)

	assert.True(t, c.queueMessage(&protocol.Kicked{}), "expected message to be queued")
	assert.False(t, c.queueMessage(&protocol.Kicked{}), "expected a full queue to drop the message")
}

func TestClient_cleanup(t *testing.T) {
	h, _ := newTestHub(t, permissiveRepo(), permissiveStats())
	go h.Run()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.Shutdown(ctx)
	}()

	r := newRoom(h, "ABCD2345")
	c := newTestClient(t, "user-1")
	c.hub = h
	c.setRoom(r)
	h.Register(c)

	c.cleanup()

	assert.Len(t, r.dropChan, 1, "expected the room to be told about the drop")
	select {
	case <-c.stop:
	default:
		t.Error("expected the client to be stopped")
	}
	assert.Eventually(t, func() bool {
		h.clientsLock.Lock()
		defer h.clientsLock.Unlock()
		return len(h.clients) == 0
	}, time.Second, 5*time.Millisecond, "expected the client to be deregistered")

	// stopping twice is safe
	c.stopClient()
}
