// Package admin implements the control-plane overlay: a second, privileged
// websocket class that can broadcast and ban across rooms. It is gated by a
// signed token carrying an explicit room allow-list and consumes the room
// registry only.
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meridian-spaces/relay/internal/config"
	"github.com/meridian-spaces/relay/internal/observability"
	"github.com/meridian-spaces/relay/internal/room"
)

// Close codes for the overlay.
const (
	closeAuthFailed    = 4401
	closeAccessRefused = 4403
)

// Frame is the JSON text frame exchanged on the overlay socket.
type Frame struct {
	Event   string       `json:"event"`
	RoomIDs []string     `json:"roomIds,omitempty"`
	World   string       `json:"world,omitempty"`
	Message *UserMessage `json:"message,omitempty"`
	// Error carries the refusal detail on outbound error frames.
	Error string `json:"error,omitempty"`
	// Rooms carries the member snapshot answering a listen request.
	Rooms map[string][]string `json:"rooms,omitempty"`
}

// UserMessage is the payload of a user-message frame.
type UserMessage struct {
	Type     string `json:"type"`
	UserUUID string `json:"userUuid"`
	Message  string `json:"message"`
}

type allowListClaims struct {
	Rooms []string `json:"rooms"`
	jwt.RegisteredClaims
}

// Overlay serves the privileged control-plane socket.
type Overlay struct {
	cfg      config.AdminConfig
	rooms    *room.Registry
	upgrader websocket.Upgrader
	logger   *zap.Logger
	reporter observability.Reporter

	wg      sync.WaitGroup
	mu      sync.Mutex
	conns   map[*websocket.Conn]struct{}
	stopped bool
}

// NewOverlay creates the control-plane overlay.
//
// Precondition: rooms, logger, and reporter must be non-nil.
func NewOverlay(cfg config.AdminConfig, rooms *room.Registry, logger *zap.Logger, reporter observability.Reporter) *Overlay {
	return &Overlay{
		cfg:   cfg,
		rooms: rooms,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:   logger,
		reporter: reporter,
		conns:    make(map[*websocket.Conn]struct{}),
	}
}

// Handler returns the HTTP handler for the overlay endpoint.
func (o *Overlay) Handler() http.Handler {
	return http.HandlerFunc(o.handle)
}

func (o *Overlay) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.logger.Debug("admin upgrade failed", zap.Error(err))
		return
	}
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		o.closeWith(conn, websocket.CloseGoingAway, "server shutting down")
		return
	}
	o.conns[conn] = struct{}{}
	o.wg.Add(1)
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.conns, conn)
		o.mu.Unlock()
		o.wg.Done()
	}()
	defer conn.Close()

	allowed, err := o.verifyToken(r.URL.Query().Get("token"))
	if err != nil {
		o.logger.Warn("admin token refused", zap.Error(err))
		o.closeWith(conn, closeAuthFailed, "invalid admin token")
		return
	}

	o.logger.Info("admin connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("allowed_rooms", len(allowed)),
	)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			o.protocolError(conn, "expected JSON text frame")
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			o.protocolError(conn, "malformed JSON frame")
			return
		}
		if !o.handleFrame(conn, allowed, frame) {
			return
		}
	}
}

// handleFrame executes one request. Returns false when the connection must
// close.
func (o *Overlay) handleFrame(conn *websocket.Conn, allowed map[string]struct{}, frame Frame) bool {
	switch frame.Event {
	case "listen":
		// Validate the whole allow-list before touching any room: no
		// partial execution across authorized and unauthorized rooms.
		for _, id := range frame.RoomIDs {
			if _, ok := allowed[id]; !ok {
				o.refuse(conn, id)
				return false
			}
		}
		snapshot := make(map[string][]string, len(frame.RoomIDs))
		for _, id := range frame.RoomIDs {
			members, err := o.rooms.Members(id)
			if err != nil {
				snapshot[id] = []string{}
				continue
			}
			uuids := make([]string, 0, len(members))
			for _, m := range members {
				uuids = append(uuids, m.UserID)
			}
			snapshot[id] = uuids
		}
		o.send(conn, Frame{Event: "listed", Rooms: snapshot})
		return true

	case "user-message":
		if frame.Message == nil {
			o.protocolError(conn, "user-message frame missing message")
			return false
		}
		if _, ok := allowed[frame.World]; !ok {
			o.refuse(conn, frame.World)
			return false
		}
		switch frame.Message.Type {
		case "ban", "banned":
			banned, err := o.rooms.Ban(frame.World, frame.Message.UserUUID, frame.Message.Message)
			if err != nil {
				o.reporter.Report("admin.ban", err)
			}
			o.logger.Info("admin ban executed",
				zap.String("room", frame.World),
				zap.String("user", frame.Message.UserUUID),
				zap.Int("connections", banned),
			)
		case "broadcast":
			if err := o.rooms.Broadcast(frame.World, frame.Message.Message); err != nil {
				o.reporter.Report("admin.broadcast", err)
			}
		default:
			o.protocolError(conn, fmt.Sprintf("unknown user-message type %q", frame.Message.Type))
			return false
		}
		return true

	default:
		o.protocolError(conn, fmt.Sprintf("unknown event %q", frame.Event))
		return false
	}
}

// verifyToken parses the HS256 token and extracts its room allow-list.
func (o *Overlay) verifyToken(token string) (map[string]struct{}, error) {
	if token == "" {
		return nil, fmt.Errorf("missing token")
	}
	var claims allowListClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return []byte(o.cfg.TokenSecret), nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("parsing admin token: %w", err)
	}
	allowed := make(map[string]struct{}, len(claims.Rooms))
	for _, id := range claims.Rooms {
		allowed[id] = struct{}{}
	}
	return allowed, nil
}

// refuse notifies the sender of an allow-list violation and closes with the
// access-refused code.
func (o *Overlay) refuse(conn *websocket.Conn, roomID string) {
	o.logger.Warn("admin request outside allow-list", zap.String("room", roomID))
	o.send(conn, Frame{Event: "error", Error: fmt.Sprintf("room %q not authorized", roomID)})
	o.closeWith(conn, closeAccessRefused, "room not authorized")
}

// protocolError notifies the sender, then closes with a protocol-error code.
func (o *Overlay) protocolError(conn *websocket.Conn, detail string) {
	o.send(conn, Frame{Event: "error", Error: detail})
	o.closeWith(conn, websocket.CloseProtocolError, detail)
}

func (o *Overlay) send(conn *websocket.Conn, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		o.reporter.Report("admin.send", err)
		return
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		o.logger.Debug("admin send failed", zap.Error(err))
	}
}

func (o *Overlay) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	conn.Close()
}

// Stop closes every live admin connection and waits for their handlers.
//
// Postcondition: No handler goroutines remain when this method returns.
func (o *Overlay) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	conns := make([]*websocket.Conn, 0, len(o.conns))
	for conn := range o.conns {
		conns = append(conns, conn)
	}
	o.mu.Unlock()

	for _, conn := range conns {
		o.closeWith(conn, websocket.CloseGoingAway, "server shutting down")
	}
	o.wg.Wait()
	o.logger.Info("admin overlay stopped")
}
