// Package gateway accepts websocket connections from spatial clients,
// authenticates and upgrades them, and wires each accepted connection into
// the room registry, the space registry, and its outbound batcher.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meridian-spaces/relay/internal/config"
	"github.com/meridian-spaces/relay/internal/observability"
	"github.com/meridian-spaces/relay/internal/protocol"
	"github.com/meridian-spaces/relay/internal/provider"
	"github.com/meridian-spaces/relay/internal/room"
	"github.com/meridian-spaces/relay/internal/session"
	"github.com/meridian-spaces/relay/internal/space"
)

// Gateway is the connection front door for the room socket.
type Gateway struct {
	cfg      config.Config
	upgrader websocket.Upgrader
	rooms    *room.Registry
	spaces   *space.Registry
	verifier provider.TokenVerifier
	members  provider.MemberProvider
	logger   *zap.Logger
	reporter observability.Reporter
	handlers map[protocol.Kind]handlerFunc

	mu      sync.Mutex
	clients map[string]*client
	wg      sync.WaitGroup
	stopped bool
}

// NewGateway creates the gateway and builds its dispatch table.
//
// Precondition: all collaborators must be non-nil.
func NewGateway(
	cfg config.Config,
	rooms *room.Registry,
	spaces *space.Registry,
	verifier provider.TokenVerifier,
	members provider.MemberProvider,
	logger *zap.Logger,
	reporter observability.Reporter,
) *Gateway {
	g := &Gateway{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Websocket.ReadBufferSize,
			WriteBufferSize: cfg.Websocket.WriteBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms:    rooms,
		spaces:   spaces,
		verifier: verifier,
		members:  members,
		logger:   logger,
		reporter: reporter,
		clients:  make(map[string]*client),
	}
	g.handlers = buildDispatchTable()
	return g
}

// Handler returns the HTTP handler for the room socket endpoint.
func (g *Gateway) Handler() http.Handler {
	return http.HandlerFunc(g.handleRoom)
}

// handleRoom runs the full connection lifecycle: upgrade, authenticate,
// join, stream, teardown. Each connection occupies one goroutine plus its
// reader and writer pumps.
func (g *Gateway) handleRoom(w http.ResponseWriter, r *http.Request) {
	q, err := parseUpgradeQuery(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	g.wg.Add(1)
	defer g.wg.Done()

	conn.SetReadLimit(g.cfg.Websocket.MaxMessageSize)

	// The reader pump starts before authentication so a client that
	// disconnects mid-handshake is observed: a closed inbound channel before
	// commit is the abort flag.
	inbound := make(chan []byte, 16)
	go readPump(conn, inbound)

	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.Provider.Timeout)
	sess, rej := g.authenticate(ctx, q, r.RemoteAddr)
	cancel()
	if rej != nil {
		g.reject(conn, rej)
		return
	}

	// Abort check: the handshake must not commit a session for a connection
	// that already died while the member lookup was in flight. A frame that
	// arrived during the lookup is kept and dispatched after the join.
	var early [][]byte
	select {
	case frame, open := <-inbound:
		if !open {
			g.logger.Debug("client aborted during handshake",
				zap.String("room", q.roomID),
			)
			conn.Close()
			return
		}
		early = append(early, frame)
	default:
	}

	c := newClient(g, conn, sess)

	if err := g.rooms.Join(sess.RoomID, sess.Descriptor(), sess.Viewport, c); err != nil {
		g.reporter.Report("gateway.join", err)
		g.reject(conn, rejectUnknown(err))
		return
	}

	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		c.close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	g.clients[c.id()] = c
	g.mu.Unlock()

	g.logger.Info("session joined",
		zap.String("room", sess.RoomID),
		zap.String("user", sess.UserID),
		zap.String("connection", c.id()),
	)

	c.run(early, inbound)

	g.mu.Lock()
	delete(g.clients, c.id())
	g.mu.Unlock()
}

// readPump feeds inbound frames into the sequential dispatch channel and
// closes it on any read error. One pump per connection keeps inbound
// handling strictly ordered.
func readPump(conn *websocket.Conn, inbound chan<- []byte) {
	defer close(inbound)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		inbound <- data
	}
}

// reject closes a refused connection with the mapped close code. No session
// exists at this point.
func (g *Gateway) reject(conn *websocket.Conn, rej *Rejection) {
	if rej.Reason == ReasonUnknown || rej.Provider != nil {
		g.reporter.Report("gateway.upgrade", rej)
	}
	g.logger.Info("upgrade rejected",
		zap.String("reason", rej.Reason),
		zap.Int("status", rej.Status),
		zap.Int("close_code", rej.CloseCode()),
		zap.Bool("retryable", rej.Retryable),
	)
	msg := websocket.FormatCloseMessage(rej.CloseCode(), rej.Message)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(g.cfg.Websocket.WriteTimeout))
	conn.Close()
}

// authenticate validates the upgrade request and assembles the session
// seed. It is the only suspension point of the handshake; it runs on the
// connection's own goroutine and never blocks other upgrades.
func (g *Gateway) authenticate(ctx context.Context, q upgradeQuery, remoteAddr string) (*session.Session, *Rejection) {
	if q.version != protocol.Version {
		return nil, rejectVersionMismatch(q.version)
	}

	var ident provider.Identity
	switch {
	case q.token == "" && !g.cfg.Provider.AllowAnonymous:
		return nil, rejectAuthRequired()
	case q.token == "":
		ident = provider.Identity{UserID: "anon-" + uuid.NewString()}
	default:
		var err error
		ident, err = g.verifier.Verify(q.token)
		switch {
		case err == nil:
		case errors.Is(err, provider.ErrAccessRefused):
			return nil, rejectAccessRefused(err)
		case errors.Is(err, provider.ErrTokenInvalid):
			return nil, rejectTokenInvalid(err)
		default:
			return nil, rejectUnknown(err)
		}
	}

	data, err := g.members.Fetch(ctx, provider.MemberRequest{
		UserIdentifier:      ident.UserID,
		AccessToken:         ident.AccessToken,
		RoomID:              q.roomID,
		IPAddress:           remoteAddr,
		CharacterTextureIDs: q.characterTextureIDs,
		CompanionTextureID:  q.companionTextureID,
	})
	if err != nil {
		var perr *provider.Error
		if errors.As(err, &perr) {
			return nil, rejectProvider(perr)
		}
		return nil, rejectUnknown(err)
	}

	if len(data.CharacterTextures) != len(q.characterTextureIDs) {
		return nil, rejectInvalidTexture("character")
	}
	if q.companionTextureID != "" && data.CompanionTexture == "" {
		return nil, rejectInvalidTexture("companion")
	}

	chat, err := g.fabricateChatCredentials(ident.UserID, data.ChatID, data.ChatSecret)
	if err != nil {
		return nil, rejectUnknown(err)
	}

	availability := session.Availability(q.availabilityStatus)
	if availability == "" {
		availability = session.AvailabilityOnline
	}

	return &session.Session{
		UserID:            ident.UserID,
		ConnectionID:      uuid.New(),
		RoomID:            q.roomID,
		Name:              q.name,
		Tags:              data.Tags,
		CharacterTextures: data.CharacterTextures,
		CompanionTexture:  data.CompanionTexture,
		Position:          q.position,
		Viewport:          q.viewport,
		Availability:      availability,
		LastCommandID:     q.lastCommandID,
		Chat:              chat,
	}, nil
}

// Stop closes every live connection and waits for their goroutines.
//
// Postcondition: No client goroutines remain when this method returns.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	clients := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	g.wg.Wait()
	g.logger.Info("gateway stopped")
}

// upgradeQuery is the parsed upgrade request.
type upgradeQuery struct {
	roomID              string
	token               string
	name                string
	characterTextureIDs []string
	companionTextureID  string
	position            protocol.Position
	viewport            protocol.Viewport
	availabilityStatus  string
	lastCommandID       string
	version             string
}

func parseUpgradeQuery(values url.Values) (upgradeQuery, error) {
	q := upgradeQuery{
		roomID:              values.Get("roomId"),
		token:               values.Get("token"),
		name:                values.Get("name"),
		characterTextureIDs: values["characterTextureIds"],
		companionTextureID:  values.Get("companionTextureId"),
		availabilityStatus:  values.Get("availabilityStatus"),
		lastCommandID:       values.Get("lastCommandId"),
		version:             values.Get("version"),
	}
	if q.roomID == "" {
		return q, errors.New("missing roomId")
	}
	if q.name == "" {
		return q, errors.New("missing name")
	}
	if len(q.characterTextureIDs) == 0 {
		return q, errors.New("missing characterTextureIds")
	}
	var err error
	if q.position.X, err = parseInt32(values, "x"); err != nil {
		return q, err
	}
	if q.position.Y, err = parseInt32(values, "y"); err != nil {
		return q, err
	}
	if q.viewport.Top, err = parseInt32(values, "top"); err != nil {
		return q, err
	}
	if q.viewport.Right, err = parseInt32(values, "right"); err != nil {
		return q, err
	}
	if q.viewport.Bottom, err = parseInt32(values, "bottom"); err != nil {
		return q, err
	}
	if q.viewport.Left, err = parseInt32(values, "left"); err != nil {
		return q, err
	}
	return q, nil
}

func parseInt32(values url.Values, key string) (int32, error) {
	raw := values.Get(key)
	if raw == "" {
		return 0, errors.New("missing " + key)
	}
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, errors.New("invalid " + key)
	}
	return int32(n), nil
}
