package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
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
	"github.com/meridian-spaces/relay/internal/provider"
	"github.com/meridian-spaces/relay/internal/room"
	"github.com/meridian-spaces/relay/internal/space"
)

// stubMembers lets each test script the member-data answer.
type stubMembers struct {
	fetch func(provider.MemberRequest) (provider.MemberData, error)
}

func (s stubMembers) Fetch(_ context.Context, req provider.MemberRequest) (provider.MemberData, error) {
	if s.fetch == nil {
		return provider.MemberData{
			CharacterTextures: append([]string(nil), req.CharacterTextureIDs...),
			CompanionTexture:  req.CompanionTextureID,
		}, nil
	}
	return s.fetch(req)
}

type testRig struct {
	gw    *Gateway
	srv   *httptest.Server
	rooms *room.Registry
	cfg   config.Config
}

func newTestRig(t *testing.T, members provider.MemberProvider) *testRig {
	t.Helper()
	cfg := config.Default()
	cfg.Batch.Window = 20 * time.Millisecond

	logger := zap.NewNop()
	rooms := room.NewRegistry(cfg.Room.ZoneWidth, cfg.Room.ZoneHeight, logger)
	spaces := space.NewRegistry(logger)
	verifier := provider.NewJWTVerifier(cfg.Provider.IdentitySecret)
	if members == nil {
		members = stubMembers{}
	}
	gw := NewGateway(cfg, rooms, spaces, verifier, members, logger, observability.NopReporter{})

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		gw.Stop()
	})
	return &testRig{gw: gw, srv: srv, rooms: rooms, cfg: cfg}
}

// dialParams builds a complete, valid upgrade query; tests override fields
// before dialling.
func dialParams(name string) url.Values {
	v := url.Values{}
	v.Set("roomId", "town/plaza")
	v.Set("name", name)
	v.Add("characterTextureIds", "body-1")
	v.Set("x", "10")
	v.Set("y", "10")
	v.Set("top", "0")
	v.Set("right", "319")
	v.Set("bottom", "319")
	v.Set("left", "0")
	v.Set("version", protocol.Version)
	return v
}

func (r *testRig) dial(t *testing.T, params url.Values) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/?" + params.Encode()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// expectClose reads until the peer closes and returns the close code.
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

// readBatch reads frames until a batch envelope arrives and decodes it.
func readBatch(t *testing.T, conn *websocket.Conn) protocol.Batch {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		msgType, frame, err := conn.ReadMessage()
		require.NoError(t, err)
		if msgType != websocket.BinaryMessage {
			continue
		}
		kind, body, err := protocol.Decode(frame)
		require.NoError(t, err)
		require.Equal(t, protocol.KindBatch, kind)
		var envelope protocol.Batch
		require.NoError(t, protocol.DecodeBody(body, &envelope))
		return envelope
	}
}

func sendFrame(t *testing.T, conn *websocket.Conn, kind protocol.Kind, body any) {
	t.Helper()
	frame, err := protocol.Encode(kind, body)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
}

func TestUpgradeRejectsMalformedQuery(t *testing.T) {
	rig := newTestRig(t, nil)

	params := dialParams("alice")
	params.Del("roomId")
	wsURL := "ws" + strings.TrimPrefix(rig.srv.URL, "http") + "/?" + params.Encode()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpgradeRejectsVersionMismatch(t *testing.T) {
	rig := newTestRig(t, nil)

	params := dialParams("alice")
	params.Set("version", "mr1-deadbeef")
	conn := rig.dial(t, params)

	assert.Equal(t, CloseVersionMismatch, expectClose(t, conn))
}

func TestUpgradeRejectsMissingTokenWhenAnonymousDisabled(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.gw.cfg.Provider.AllowAnonymous = false

	conn := rig.dial(t, dialParams("alice"))
	assert.Equal(t, CloseAuthFailed, expectClose(t, conn))
}

func TestUpgradeRejectsInvalidToken(t *testing.T) {
	rig := newTestRig(t, nil)

	params := dialParams("alice")
	params.Set("token", "not-a-jwt")
	conn := rig.dial(t, params)

	assert.Equal(t, CloseAuthFailed, expectClose(t, conn))
}

func TestUpgradeAcceptsSignedToken(t *testing.T) {
	var got provider.MemberRequest
	rig := newTestRig(t, stubMembers{fetch: func(req provider.MemberRequest) (provider.MemberData, error) {
		got = req
		return provider.MemberData{
			Tags:              []string{"member"},
			CharacterTextures: append([]string(nil), req.CharacterTextureIDs...),
		}, nil
	}})

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"identifier":  "user-42",
		"accessToken": "member-access",
		"exp":         time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(rig.cfg.Provider.IdentitySecret))
	require.NoError(t, err)

	params := dialParams("alice")
	params.Set("token", token)
	conn := rig.dial(t, params)

	// Force an echo through the relay to prove the session is live.
	sendFrame(t, conn, protocol.KindPing, protocol.Ping{Seq: 1})
	readBatch(t, conn)

	assert.Equal(t, "user-42", got.UserIdentifier)
	assert.Equal(t, "member-access", got.AccessToken)
}

func TestUpgradeRejectsUnresolvedTexture(t *testing.T) {
	rig := newTestRig(t, stubMembers{fetch: func(provider.MemberRequest) (provider.MemberData, error) {
		// Provider resolves none of the requested textures.
		return provider.MemberData{}, nil
	}})

	conn := rig.dial(t, dialParams("alice"))
	assert.Equal(t, CloseInvalidTexture, expectClose(t, conn))
}

func TestUpgradeForwardsProviderError(t *testing.T) {
	rig := newTestRig(t, stubMembers{fetch: func(provider.MemberRequest) (provider.MemberData, error) {
		return provider.MemberData{}, &provider.Error{
			Status: 403,
			Code:   "WORLD_FULL",
			Title:  "World is at capacity",
		}
	}})

	conn := rig.dial(t, dialParams("alice"))
	assert.Equal(t, CloseProviderError, expectClose(t, conn))
}

func TestUpgradeUnknownFailure(t *testing.T) {
	rig := newTestRig(t, stubMembers{fetch: func(provider.MemberRequest) (provider.MemberData, error) {
		return provider.MemberData{}, errors.New("member service unreachable")
	}})

	conn := rig.dial(t, dialParams("alice"))
	assert.Equal(t, CloseUnknownError, expectClose(t, conn))
}

func TestPingPongRoundtrip(t *testing.T) {
	rig := newTestRig(t, nil)
	conn := rig.dial(t, dialParams("alice"))

	sendFrame(t, conn, protocol.KindPing, protocol.Ping{Seq: 7})

	envelope := readBatch(t, conn)
	require.NotEmpty(t, envelope.Messages)
	assert.Equal(t, protocol.KindPong.String(), envelope.Event)

	var pong protocol.Pong
	require.Equal(t, protocol.KindPong, envelope.Messages[0].Kind)
	require.NoError(t, protocol.DecodeBody(envelope.Messages[0].Body, &pong))
	assert.Equal(t, uint64(7), pong.Seq)
}

func TestJoinFansOutToZoneListeners(t *testing.T) {
	rig := newTestRig(t, nil)

	alice := rig.dial(t, dialParams("alice"))
	_ = rig.dial(t, dialParams("bob"))

	// Alice's first batch carries bob entering her zone.
	envelope := readBatch(t, alice)
	require.NotEmpty(t, envelope.Messages)
	require.Equal(t, protocol.KindUserJoined, envelope.Messages[0].Kind)

	var joined protocol.UserJoined
	require.NoError(t, protocol.DecodeBody(envelope.Messages[0].Body, &joined))
	assert.Equal(t, "bob", joined.User.Name)
	assert.Equal(t, protocol.Cell{X: 0, Y: 0}, joined.Zone)
}

func TestDisconnectCleansRoomMembership(t *testing.T) {
	rig := newTestRig(t, nil)

	alice := rig.dial(t, dialParams("alice"))
	bob := rig.dial(t, dialParams("bob"))

	count, ok := rig.rooms.Lookup("town/plaza")
	require.True(t, ok)
	require.Equal(t, 2, count)

	bob.Close()
	assert.Eventually(t, func() bool {
		count, ok := rig.rooms.Lookup("town/plaza")
		return ok && count == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Alice hears the departure.
	conn := alice
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		envelope := readBatch(t, conn)
		for _, sub := range envelope.Messages {
			if sub.Kind != protocol.KindUserLeft {
				continue
			}
			var left protocol.UserLeft
			require.NoError(t, protocol.DecodeBody(sub.Body, &left))
			assert.NotEmpty(t, left.ConnectionID)
			return
		}
	}
}

func TestSpaceWatchReplaysAndStreams(t *testing.T) {
	rig := newTestRig(t, nil)

	alice := rig.dial(t, dialParams("alice"))
	bob := rig.dial(t, dialParams("bob"))

	// Bob joins the space first and publishes himself there.
	sendFrame(t, bob, protocol.KindWatchSpace, protocol.WatchSpace{
		Space:  "lounge",
		Filter: protocol.SpaceFilter{FilterID: "all", Kind: "everyone"},
	})
	// Give the sequential dispatch loop time to commit the watch.
	time.Sleep(100 * time.Millisecond)

	// Alice watches the same space and must see bob, either from the replay
	// snapshot or as a live add.
	sendFrame(t, alice, protocol.KindWatchSpace, protocol.WatchSpace{
		Space:  "lounge",
		Filter: protocol.SpaceFilter{FilterID: "all", Kind: "everyone"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		envelope := readBatch(t, alice)
		for _, sub := range envelope.Messages {
			if sub.Kind != protocol.KindSpaceUserAdded {
				continue
			}
			var added protocol.SpaceUserAdded
			require.NoError(t, protocol.DecodeBody(sub.Body, &added))
			if added.User.Name == "bob" {
				assert.Equal(t, "lounge", added.Space)
				assert.Equal(t, "all", added.FilterID)
				return
			}
		}
	}
	t.Fatal("never saw bob in the lounge space")
}

func TestFrameSentDuringHandshakeIsNotLost(t *testing.T) {
	rig := newTestRig(t, stubMembers{fetch: func(req provider.MemberRequest) (provider.MemberData, error) {
		// Hold the member lookup open long enough for the client's first
		// frame to arrive before the session commits.
		time.Sleep(150 * time.Millisecond)
		return provider.MemberData{
			CharacterTextures: append([]string(nil), req.CharacterTextureIDs...),
		}, nil
	}})

	conn := rig.dial(t, dialParams("alice"))
	sendFrame(t, conn, protocol.KindPing, protocol.Ping{Seq: 9})

	envelope := readBatch(t, conn)
	require.NotEmpty(t, envelope.Messages)
	require.Equal(t, protocol.KindPong, envelope.Messages[0].Kind)
	var pong protocol.Pong
	require.NoError(t, protocol.DecodeBody(envelope.Messages[0].Body, &pong))
	assert.Equal(t, uint64(9), pong.Seq)
}

func TestAddFilterToUnwatchedSpacePublishes(t *testing.T) {
	rig := newTestRig(t, nil)

	alice := rig.dial(t, dialParams("alice"))
	bob := rig.dial(t, dialParams("bob"))

	sendFrame(t, alice, protocol.KindWatchSpace, protocol.WatchSpace{
		Space:  "lounge",
		Filter: protocol.SpaceFilter{FilterID: "all", Kind: "everyone"},
	})
	time.Sleep(100 * time.Millisecond)

	// Bob's first contact with the space is an added filter, not a watch;
	// it must still join him there and publish his record.
	sendFrame(t, bob, protocol.KindAddSpaceFilter, protocol.AddSpaceFilter{
		Space:  "lounge",
		Filter: protocol.SpaceFilter{FilterID: "f1", Kind: "everyone"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		envelope := readBatch(t, alice)
		for _, sub := range envelope.Messages {
			if sub.Kind != protocol.KindSpaceUserAdded {
				continue
			}
			var added protocol.SpaceUserAdded
			require.NoError(t, protocol.DecodeBody(sub.Body, &added))
			if added.User.Name == "bob" {
				return
			}
		}
	}
	t.Fatal("bob never became visible in the space he filtered into")
}

func TestHandlerFailureYieldsErrorSubMessage(t *testing.T) {
	rig := newTestRig(t, nil)
	conn := rig.dial(t, dialParams("alice"))

	// A watch with an unknown filter kind fails its handler; the failure is
	// surfaced to the client as an error sub-message, not a disconnect.
	sendFrame(t, conn, protocol.KindWatchSpace, protocol.WatchSpace{
		Space:  "lounge",
		Filter: protocol.SpaceFilter{FilterID: "f1", Kind: "species"},
	})

	envelope := readBatch(t, conn)
	require.NotEmpty(t, envelope.Messages)
	require.Equal(t, protocol.KindError, envelope.Messages[0].Kind)

	var errMsg protocol.ErrorMessage
	require.NoError(t, protocol.DecodeBody(envelope.Messages[0].Body, &errMsg))
	assert.Equal(t, protocol.KindWatchSpace.String(), errMsg.Reason)

	// The connection stays usable.
	sendFrame(t, conn, protocol.KindPing, protocol.Ping{Seq: 3})
	readBatch(t, conn)
}

func TestAnonymousSessionGetsGeneratedIdentity(t *testing.T) {
	var got provider.MemberRequest
	rig := newTestRig(t, stubMembers{fetch: func(req provider.MemberRequest) (provider.MemberData, error) {
		got = req
		return provider.MemberData{
			CharacterTextures: append([]string(nil), req.CharacterTextureIDs...),
		}, nil
	}})

	conn := rig.dial(t, dialParams("alice"))
	sendFrame(t, conn, protocol.KindPing, protocol.Ping{Seq: 1})
	readBatch(t, conn)

	assert.True(t, strings.HasPrefix(got.UserIdentifier, "anon-"),
		"anonymous sessions get a generated identity, got %q", got.UserIdentifier)
}

func TestParseUpgradeQueryValidation(t *testing.T) {
	base := dialParams("alice")

	t.Run("valid", func(t *testing.T) {
		q, err := parseUpgradeQuery(base)
		require.NoError(t, err)
		assert.Equal(t, "town/plaza", q.roomID)
		assert.Equal(t, int32(10), q.position.X)
		assert.Equal(t, int32(319), q.viewport.Right)
	})

	for _, key := range []string{"roomId", "name", "x", "top"} {
		t.Run("missing "+key, func(t *testing.T) {
			v := url.Values{}
			for k, vals := range base {
				if k != key {
					v[k] = vals
				}
			}
			_, err := parseUpgradeQuery(v)
			assert.Error(t, err)
		})
	}

	t.Run("non-numeric coordinate", func(t *testing.T) {
		v := dialParams("alice")
		v.Set("x", "ten")
		_, err := parseUpgradeQuery(v)
		assert.Error(t, err)
	})

	t.Run("coordinate overflow", func(t *testing.T) {
		v := dialParams("alice")
		v.Set("x", strconv.FormatInt(1<<40, 10))
		_, err := parseUpgradeQuery(v)
		assert.Error(t, err)
	})
}
