package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/npezzotti/go-listen-together/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRoom() types.Room {
	r := types.NewRoom("QSVF5H5P", types.User{UserId: "u1", Username: "Alex"}, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	r.Users["u2"] = types.User{UserId: "u2", Username: "Sam", IsConnected: true}
	r.CurrentTrack = &types.Track{Id: "t1", Title: "X", Artist: "Y", DurationMs: 180000}
	r.IsPlaying = true
	r.PlaybackPositionMs = 4200
	r.Volume = 0.5
	return *r
}

// Every variant must survive encode followed by decode unchanged.
func TestCodecRoundTrip(t *testing.T) {
	room := testRoom()

	msgs := []Message{
		&CreateRoom{Username: "Alex"},
		&RoomCreated{RoomCode: "QSVF5H5P", HostId: "u1", Room: &room, SessionToken: "tok"},
		&JoinRequest{RoomCode: "QSVF5H5P", UserId: "u2", Username: "Sam"},
		&JoinApproved{UserId: "u2", Room: room, Seq: 3, SessionToken: "tok"},
		&JoinRejected{UserId: "u2", Reason: "no", Code: CodeRejected},
		&StateUpdate{Room: room, Seq: 5},
		&SyncRequest{},
		&SyncRequest{UserId: "u2"},
		&UserJoined{User: types.User{UserId: "u2", Username: "Sam", IsConnected: true}},
		&UserLeft{UserId: "u2"},
		&Heartbeat{},
		&Heartbeat{Room: &room, Seq: 7},
		&Leave{UserId: "u2"},
		&Reconnect{SessionToken: "tok"},
		&Reconnected{Room: room, Role: types.RoleGuest, Seq: 9},
		&UserDisconnected{UserId: "u2"},
		&UserReconnected{UserId: "u2"},
		&RoomClosed{RoomCode: "QSVF5H5P", Reason: ReasonHostLeft},
		&Kick{UserId: "u2"},
		&Kicked{Reason: "bye"},
		&BufferReady{TrackId: "t1", UserId: "u2"},
		&BufferWait{TrackId: "t1", WaitingFor: []string{"u2", "u3"}},
		&BufferComplete{TrackId: "t1", Room: &room, Seq: 4},
		&Error{Code: ErrCodeSessionNotFound, Message: "session not found"},
	}

	for _, m := range msgs {
		t.Run(TypeOf(m), func(t *testing.T) {
			raw, err := Encode(m)
			require.NoError(t, err, "expected no error encoding %s", TypeOf(m))

			got, err := Decode(raw)
			require.NoError(t, err, "expected no error decoding %s", string(raw))
			assert.Equal(t, m, got, "expected decoded message to match original")
		})
	}
}

func TestEncodeWireShape(t *testing.T) {
	raw, err := Encode(&StateUpdate{Room: testRoom(), Seq: 5})
	require.NoError(t, err, "expected no error encoding")

	assert.Contains(t, string(raw), `"timestamp":`, "expected timestamp in frame")
	assert.Contains(t, string(raw), `"state_update":{"room":{"room_code":"QSVF5H5P"`, "expected variant key wrapping the payload")
	assert.Contains(t, string(raw), `"seq":5`, "expected sequence number in frame")
}

func TestEncodeUnknown(t *testing.T) {
	_, err := Encode(nil)
	assert.ErrorIs(t, err, ErrUnknownMessage, "expected unknown message error for nil")
}

func TestDecodeErrors(t *testing.T) {
	tcases := []struct {
		name    string
		raw     string
		unknown bool
	}{
		{name: "malformed json", raw: `{"leave":`},
		{name: "not an object", raw: `[1,2,3]`},
		{name: "empty object", raw: `{}`, unknown: true},
		{name: "unknown variant", raw: `{"timestamp":"2026-03-01T12:00:00Z","dance":{}}`, unknown: true},
		{name: "null variant", raw: `{"leave":null}`, unknown: true},
		{name: "two variants", raw: `{"leave":{},"sync_request":{}}`},
		{name: "wrong field type", raw: `{"state_update":{"seq":"five"}}`},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := Decode([]byte(tc.raw))
			assert.Nil(t, m, "expected no message")

			var de *DecodeError
			require.True(t, errors.As(err, &de), "expected DecodeError, got %v", err)
			assert.Equal(t, tc.unknown, errors.Is(err, ErrUnknownMessage), "unexpected unknown message classification: %v", err)
		})
	}
}

func TestDecodeIgnoresExtraFields(t *testing.T) {
	m, err := Decode([]byte(`{"timestamp":"2026-03-01T12:00:00Z","leave":{"user_id":"u2"},"client_version":"1.2"}`))
	require.NoError(t, err, "expected unknown sibling keys to be ignored")
	assert.Equal(t, &Leave{UserId: "u2"}, m, "expected leave message")
}
