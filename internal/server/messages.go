package server

import (
	"errors"

	"github.com/npezzotti/go-listen-together/internal/protocol"
)

// inbound is a decoded frame and the connection it arrived on.
type inbound struct {
	client *Client
	msg    protocol.Message
}

type unloadRoomRequest struct {
	roomCode string
	reason   string
}

type exitReq struct {
	reason string
}

type stopReq struct {
	done chan struct{}
}

func ErrNotInRoom() *protocol.Error {
	return protocol.ErrNotAllowed("not in a room")
}

func ErrHostOnly(what string) *protocol.Error {
	return protocol.ErrNotAllowed(what + " is reserved for the host")
}

var errCodeSpaceExhausted = errors.New("no free room code")
