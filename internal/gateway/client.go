package gateway

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/meridian-spaces/relay/internal/batch"
	"github.com/meridian-spaces/relay/internal/protocol"
	"github.com/meridian-spaces/relay/internal/room"
	"github.com/meridian-spaces/relay/internal/session"
)

// client is one accepted room-socket connection: the session it owns, its
// outbound batcher, and its liveness timers. It implements room.EventSink
// and space.Watcher by enqueueing into the batcher, so registry fan-out
// never blocks on this connection's socket.
type client struct {
	gw        *Gateway
	conn      *websocket.Conn
	transport *wsTransport
	sess      *session.Session
	batcher   *batch.Batcher
	liveness  *session.Liveness
	limiter   *rate.Limiter
	logger    *zap.Logger

	closeOnce sync.Once
}

func newClient(g *Gateway, conn *websocket.Conn, sess *session.Session) *client {
	transport := newWSTransport(conn, g.cfg.Websocket.WriteTimeout)
	logger := g.logger.With(
		zap.String("connection", sess.ConnectionID.String()),
		zap.String("room", sess.RoomID),
	)
	c := &client{
		gw:        g,
		conn:      conn,
		transport: transport,
		sess:      sess,
		batcher: batch.New(
			transport,
			g.cfg.Batch.Window,
			g.cfg.Batch.MaxPending,
			g.cfg.Batch.MaxBufferedBytes,
			logger,
		),
		limiter: rate.NewLimiter(rate.Limit(g.cfg.Websocket.MessagesPerSecond), g.cfg.Websocket.Burst),
		logger:  logger,
	}
	c.liveness = session.NewLiveness(
		g.cfg.Liveness.PingInterval,
		g.cfg.Liveness.PongTimeout,
		c.sendPing,
		c.expire,
	)
	conn.SetPongHandler(func(string) error {
		c.liveness.Pong()
		return nil
	})
	return c
}

func (c *client) id() string { return c.sess.ConnectionID.String() }

// run drives the streaming phase: the writer pump, the keepalive timers,
// and the strictly sequential inbound dispatch loop. Frames that arrived
// during the handshake are dispatched first, in arrival order. It returns
// when the inbound channel closes (disconnect) or a protocol violation
// closes the connection.
func (c *client) run(early [][]byte, inbound <-chan []byte) {
	go c.transport.run()
	c.liveness.Start()

	for _, frame := range early {
		if !c.admit(frame) {
			return
		}
	}
	for frame := range inbound {
		if !c.admit(frame) {
			return
		}
	}
	c.close(websocket.CloseNormalClosure, "")
}

// admit rate-limits and dispatches one inbound frame. Returns false when
// the connection was closed for a policy violation.
func (c *client) admit(frame []byte) bool {
	if !c.limiter.Allow() {
		c.logger.Warn("inbound rate limit exceeded")
		c.close(websocket.ClosePolicyViolation, "rate limit exceeded")
		return false
	}
	c.dispatch(frame)
	return true
}

// dispatch decodes one inbound frame and runs its handler. Unknown or
// malformed frames on the room socket are logged and skipped, never fatal.
func (c *client) dispatch(frame []byte) {
	kind, payload, err := protocol.Decode(frame)
	if err != nil {
		c.logger.Debug("skipping malformed frame", zap.Error(err))
		return
	}
	handler, ok := c.gw.handlers[kind]
	if !ok {
		c.logger.Debug("skipping unknown message kind", zap.Uint8("kind", uint8(kind)))
		return
	}
	if err := handler(c, payload); err != nil {
		c.gw.reporter.Report("dispatch."+kind.String(), err)
		c.enqueue(protocol.KindError, protocol.ErrorMessage{
			Reason:  kind.String(),
			Message: err.Error(),
		})
	}
}

// enqueue buffers one outbound sub-message, funneling failures to telemetry
// instead of surfacing them to registry fan-out paths.
func (c *client) enqueue(kind protocol.Kind, body any) {
	if err := c.batcher.Enqueue(kind, body); err != nil {
		if errors.Is(err, batch.ErrClosed) {
			return
		}
		c.gw.reporter.Report("batch.enqueue", err)
	}
}

// sendPing is the liveness keepalive; it bypasses the batcher because
// control frames are not subject to batching or backpressure.
func (c *client) sendPing() {
	if err := c.transport.writeControl(websocket.PingMessage, nil); err != nil {
		c.logger.Debug("keepalive ping failed", zap.Error(err))
	}
}

// expire fires when a pong timeout lapses: the connection is closed as
// unresponsive. Not reported as an application error.
func (c *client) expire() {
	c.logger.Info("closing unresponsive connection")
	c.close(CloseUnresponsive, "unresponsive")
}

// close tears the connection down exactly once: timers cancelled, zone and
// space cleanup run, buffers flushed. Partial-cleanup errors are reported
// and do not stop the remaining steps.
func (c *client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.liveness.Stop()

		if err := c.gw.rooms.Leave(c.sess.RoomID, c.id()); err != nil && !errors.Is(err, room.ErrNotFound) {
			c.gw.reporter.Report("teardown.room", err)
		}
		c.gw.spaces.Disconnect(c.id())

		if err := c.batcher.Flush(); err != nil && !errors.Is(err, batch.ErrClosed) {
			c.gw.reporter.Report("teardown.flush", err)
		}
		c.batcher.Close()

		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.transport.writeControl(websocket.CloseMessage, msg); err != nil {
			c.logger.Debug("close frame not delivered", zap.Error(err))
		}
		c.transport.close()
		c.conn.Close()

		c.logger.Info("session closed",
			zap.Int("close_code", code),
			zap.Uint64("dropped_messages", c.batcher.Dropped()),
		)
	})
}

// room.EventSink implementation. These run under the room registry lock and
// only touch the batcher.

func (c *client) UserEntered(zone protocol.Cell, u protocol.UserDescriptor) {
	c.enqueue(protocol.KindUserJoined, protocol.UserJoined{Zone: zone, User: u})
}

func (c *client) UserLeft(zone protocol.Cell, connectionID string) {
	c.enqueue(protocol.KindUserLeft, protocol.UserLeft{Zone: zone, ConnectionID: connectionID})
}

func (c *client) UserMoved(connectionID string, pos protocol.Position) {
	c.enqueue(protocol.KindUserMoved, protocol.UserMoved{ConnectionID: connectionID, Position: pos})
}

func (c *client) DetailsUpdated(connectionID string, d protocol.SetPlayerDetails) {
	c.enqueue(protocol.KindPlayerDetailsUpdated, protocol.PlayerDetailsUpdated{ConnectionID: connectionID, Details: d})
}

func (c *client) RoomBroadcast(message string) {
	c.enqueue(protocol.KindBroadcastMessage, protocol.BroadcastMessage{Message: message})
}

// Banned runs under the registry lock, so the actual close happens on a
// fresh goroutine once the notice has a chance to flush.
func (c *client) Banned(message string) {
	c.enqueue(protocol.KindBanned, protocol.Banned{Message: message})
	go func() {
		if err := c.batcher.Flush(); err != nil && !errors.Is(err, batch.ErrClosed) {
			c.gw.reporter.Report("ban.flush", err)
		}
		c.close(CloseAccessRefused, "banned")
	}()
}

// space.Watcher implementation.

func (c *client) SpaceUserAdded(spaceName, filterID string, u protocol.SpaceUserDescriptor) {
	c.enqueue(protocol.KindSpaceUserAdded, protocol.SpaceUserAdded{Space: spaceName, FilterID: filterID, User: u})
}

func (c *client) SpaceUserUpdated(spaceName, filterID string, u protocol.SpaceUserDescriptor) {
	c.enqueue(protocol.KindSpaceUserUpdated, protocol.SpaceUserUpdated{Space: spaceName, FilterID: filterID, User: u})
}

func (c *client) SpaceUserRemoved(spaceName, filterID, connectionID string) {
	c.enqueue(protocol.KindSpaceUserRemoved, protocol.SpaceUserRemoved{Space: spaceName, FilterID: filterID, ConnectionID: connectionID})
}
