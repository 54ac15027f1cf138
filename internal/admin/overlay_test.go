package admin

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridian-spaces/relay/internal/config"
	"github.com/meridian-spaces/relay/internal/observability"
	"github.com/meridian-spaces/relay/internal/protocol"
	"github.com/meridian-spaces/relay/internal/room"
)

const adminSecret = "overlay-test-secret"

// countSink satisfies room.EventSink for registry seeding; the admin tests
// only care about the ban and broadcast deliveries.
type countSink struct {
	banned    chan string
	broadcast chan string
}

func newCountSink() *countSink {
	return &countSink{
		banned:    make(chan string, 1),
		broadcast: make(chan string, 1),
	}
}

func (s *countSink) UserEntered(protocol.Cell, protocol.UserDescriptor) {}
func (s *countSink) UserLeft(protocol.Cell, string)                     {}
func (s *countSink) UserMoved(string, protocol.Position)                {}
func (s *countSink) DetailsUpdated(string, protocol.SetPlayerDetails)   {}
func (s *countSink) RoomBroadcast(message string)                       { s.broadcast <- message }
func (s *countSink) Banned(message string)                              { s.banned <- message }

type overlayRig struct {
	srv     *httptest.Server
	rooms   *room.Registry
	overlay *Overlay
}

func newOverlayRig(t *testing.T) *overlayRig {
	t.Helper()
	logger := zap.NewNop()
	rooms := room.NewRegistry(320, 320, logger)
	o := NewOverlay(config.AdminConfig{TokenSecret: adminSecret}, rooms, logger, observability.NopReporter{})
	srv := httptest.NewServer(o.Handler())
	t.Cleanup(func() {
		srv.Close()
		o.Stop()
	})
	return &overlayRig{srv: srv, rooms: rooms, overlay: o}
}

func adminToken(t *testing.T, secret string, rooms ...string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"rooms": rooms,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func (r *overlayRig) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, frame Frame) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func expectClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr, "expected a close frame, got %v", err)
		return closeErr.Code
	}
}

func seedMember(t *testing.T, rooms *room.Registry, roomID, userID string) *countSink {
	t.Helper()
	sink := newCountSink()
	vp := protocol.Viewport{Top: 0, Left: 0, Bottom: 100, Right: 100}
	require.NoError(t, rooms.Join(roomID, protocol.UserDescriptor{
		UserID:       userID,
		ConnectionID: userID + "-conn",
		Name:         userID,
	}, vp, sink))
	return sink
}

func TestOverlayRejectsMissingToken(t *testing.T) {
	rig := newOverlayRig(t)
	conn := rig.dial(t, "")
	assert.Equal(t, closeAuthFailed, expectClose(t, conn))
}

func TestOverlayRejectsForgedToken(t *testing.T) {
	rig := newOverlayRig(t)
	conn := rig.dial(t, adminToken(t, "wrong-secret", "town/plaza"))
	assert.Equal(t, closeAuthFailed, expectClose(t, conn))
}

func TestListenReturnsRoomSnapshot(t *testing.T) {
	rig := newOverlayRig(t)
	seedMember(t, rig.rooms, "town/plaza", "user-1")
	seedMember(t, rig.rooms, "town/plaza", "user-2")

	conn := rig.dial(t, adminToken(t, adminSecret, "town/plaza", "town/cafe"))
	sendJSON(t, conn, Frame{Event: "listen", RoomIDs: []string{"town/plaza", "town/cafe"}})

	reply := readFrame(t, conn)
	assert.Equal(t, "listed", reply.Event)
	assert.ElementsMatch(t, []string{"user-1", "user-2"}, reply.Rooms["town/plaza"])
	assert.Empty(t, reply.Rooms["town/cafe"], "rooms with no members answer with an empty list")
}

func TestListenRefusesUnauthorizedRoomWithoutPartialExecution(t *testing.T) {
	rig := newOverlayRig(t)
	seedMember(t, rig.rooms, "town/plaza", "user-1")

	conn := rig.dial(t, adminToken(t, adminSecret, "town/plaza"))
	sendJSON(t, conn, Frame{Event: "listen", RoomIDs: []string{"town/plaza", "town/secret"}})

	reply := readFrame(t, conn)
	assert.Equal(t, "error", reply.Event)
	assert.Contains(t, reply.Error, "town/secret")
	assert.Nil(t, reply.Rooms, "no snapshot may leak for a partially unauthorized request")
	assert.Equal(t, closeAccessRefused, expectClose(t, conn))
}

func TestBanReachesMatchingConnections(t *testing.T) {
	rig := newOverlayRig(t)
	target := seedMember(t, rig.rooms, "town/plaza", "user-1")
	bystander := seedMember(t, rig.rooms, "town/plaza", "user-2")

	conn := rig.dial(t, adminToken(t, adminSecret, "town/plaza"))
	sendJSON(t, conn, Frame{Event: "user-message", World: "town/plaza", Message: &UserMessage{
		Type:     "ban",
		UserUUID: "user-1",
		Message:  "be nice",
	}})

	select {
	case msg := <-target.banned:
		assert.Equal(t, "be nice", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("ban never reached the target session")
	}
	select {
	case <-bystander.banned:
		t.Fatal("ban must not reach other users")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastReachesWholeRoom(t *testing.T) {
	rig := newOverlayRig(t)
	s1 := seedMember(t, rig.rooms, "town/plaza", "user-1")
	s2 := seedMember(t, rig.rooms, "town/plaza", "user-2")

	conn := rig.dial(t, adminToken(t, adminSecret, "town/plaza"))
	sendJSON(t, conn, Frame{Event: "user-message", World: "town/plaza", Message: &UserMessage{
		Type:    "broadcast",
		Message: "maintenance at noon",
	}})

	for _, sink := range []*countSink{s1, s2} {
		select {
		case msg := <-sink.broadcast:
			assert.Equal(t, "maintenance at noon", msg)
		case <-time.After(2 * time.Second):
			t.Fatal("broadcast never arrived")
		}
	}
}

func TestUserMessageOutsideAllowListRefused(t *testing.T) {
	rig := newOverlayRig(t)
	conn := rig.dial(t, adminToken(t, adminSecret, "town/plaza"))
	sendJSON(t, conn, Frame{Event: "user-message", World: "town/secret", Message: &UserMessage{
		Type:    "broadcast",
		Message: "x",
	}})

	reply := readFrame(t, conn)
	assert.Equal(t, "error", reply.Event)
	assert.Equal(t, closeAccessRefused, expectClose(t, conn))
}

func TestMalformedJSONClosesWithProtocolError(t *testing.T) {
	rig := newOverlayRig(t)
	conn := rig.dial(t, adminToken(t, adminSecret, "town/plaza"))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	reply := readFrame(t, conn)
	assert.Equal(t, "error", reply.Event)
	assert.Equal(t, websocket.CloseProtocolError, expectClose(t, conn))
}

func TestBinaryFrameClosesWithProtocolError(t *testing.T) {
	rig := newOverlayRig(t)
	conn := rig.dial(t, adminToken(t, adminSecret, "town/plaza"))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}))

	reply := readFrame(t, conn)
	assert.Equal(t, "error", reply.Event)
	assert.Equal(t, websocket.CloseProtocolError, expectClose(t, conn))
}

func TestStopClosesLiveAdminConnections(t *testing.T) {
	rig := newOverlayRig(t)
	conn := rig.dial(t, adminToken(t, adminSecret, "town/plaza"))

	// Prove the connection is live and its handler is parked in ReadMessage.
	sendJSON(t, conn, Frame{Event: "listen", RoomIDs: []string{"town/plaza"}})
	readFrame(t, conn)

	done := make(chan struct{})
	go func() {
		rig.overlay.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while an idle admin connection was open")
	}
	assert.Equal(t, websocket.CloseGoingAway, expectClose(t, conn))
}

func TestUnknownEventClosesWithProtocolError(t *testing.T) {
	rig := newOverlayRig(t)
	conn := rig.dial(t, adminToken(t, adminSecret, "town/plaza"))
	sendJSON(t, conn, Frame{Event: "reboot"})

	reply := readFrame(t, conn)
	assert.Equal(t, "error", reply.Event)
	assert.Equal(t, websocket.CloseProtocolError, expectClose(t, conn))
}
