// Package room owns the per-room membership and the zone index that scopes
// presence events to each client's vicinity. All mutation goes through the
// Registry, whose lock makes every join/leave/viewport change atomic with
// respect to other sessions in the same room.
package room

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/meridian-spaces/relay/internal/protocol"
)

// EventSink receives zone presence events for one member. Implementations
// enqueue into that member's outbound batch and must not call back into the
// Registry: sinks run under the registry lock, which is what guarantees both
// notification directions of a viewport change complete before the mutating
// call returns.
type EventSink interface {
	// UserEntered reports a player now occupying a zone the receiver listens to.
	UserEntered(zone protocol.Cell, u protocol.UserDescriptor)
	// UserLeft reports a player no longer occupying the zone.
	UserLeft(zone protocol.Cell, connectionID string)
	// UserMoved reports a position update from a visible player.
	UserMoved(connectionID string, pos protocol.Position)
	// DetailsUpdated reports a display-attribute change of a visible player.
	DetailsUpdated(connectionID string, d protocol.SetPlayerDetails)
	// RoomBroadcast delivers an operator announcement.
	RoomBroadcast(message string)
	// Banned delivers an operator removal; the receiver must close after it.
	Banned(message string)
}

// ErrNotFound is returned for lookups of rooms or members that do not exist.
var ErrNotFound = errors.New("room: not found")

type member struct {
	id    string
	desc  protocol.UserDescriptor
	vp    protocol.Viewport
	sink  EventSink
	zones map[protocol.Cell]struct{}
}

// Room owns the sessions and zones of one room path. It exists only while
// it has members.
type Room struct {
	id      string
	members map[string]*member
	zones   map[protocol.Cell]*zone
}

// Registry owns all rooms. All methods are safe for concurrent use.
type Registry struct {
	mu         sync.Mutex
	zoneWidth  int32
	zoneHeight int32
	rooms      map[string]*Room
	logger     *zap.Logger
}

// NewRegistry creates an empty room registry.
//
// Precondition: zoneWidth and zoneHeight must be >= 1; logger must be non-nil.
func NewRegistry(zoneWidth, zoneHeight int32, logger *zap.Logger) *Registry {
	return &Registry{
		zoneWidth:  zoneWidth,
		zoneHeight: zoneHeight,
		rooms:      make(map[string]*Room),
		logger:     logger,
	}
}

// Join inserts a session into the room, creating the room if absent, and
// registers it on every zone its viewport overlaps. Existing listeners of
// those zones are notified of the newcomer and, bidirectionally, the
// newcomer is informed of each zone's current occupants.
//
// Precondition: desc.ConnectionID must be unique within the room; sink must
// be non-nil.
func (r *Registry) Join(roomID string, desc protocol.UserDescriptor, vp protocol.Viewport, sink EventSink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[roomID]
	if rm == nil {
		rm = &Room{
			id:      roomID,
			members: make(map[string]*member),
			zones:   make(map[protocol.Cell]*zone),
		}
		r.rooms[roomID] = rm
		r.logger.Info("room created", zap.String("room", roomID))
	}

	if _, exists := rm.members[desc.ConnectionID]; exists {
		return fmt.Errorf("room %s: connection %q already joined", roomID, desc.ConnectionID)
	}

	m := &member{
		id:    desc.ConnectionID,
		desc:  desc,
		vp:    vp,
		sink:  sink,
		zones: make(map[protocol.Cell]struct{}),
	}
	rm.members[m.id] = m

	for cell := range cellsForViewport(vp, r.zoneWidth, r.zoneHeight) {
		r.enterZone(rm, m, cell)
	}
	return nil
}

// UpdateViewport recomputes the member's zone set by set difference against
// the previous one. Newly overlapped zones fire enter events in both
// directions; zones no longer overlapped fire leave events. Recomputing an
// unchanged viewport is a no-op.
func (r *Registry) UpdateViewport(roomID, connectionID string, vp protocol.Viewport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, m, err := r.lookup(roomID, connectionID)
	if err != nil {
		return err
	}
	m.vp = vp

	next := cellsForViewport(vp, r.zoneWidth, r.zoneHeight)
	for cell := range m.zones {
		if _, keep := next[cell]; !keep {
			r.leaveZone(rm, m, cell)
		}
	}
	for cell := range next {
		if _, have := m.zones[cell]; !have {
			r.enterZone(rm, m, cell)
		}
	}
	return nil
}

// Move updates the member's position and notifies the listeners of the cell
// containing the new position, excluding the mover itself.
func (r *Registry) Move(roomID, connectionID string, pos protocol.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, m, err := r.lookup(roomID, connectionID)
	if err != nil {
		return err
	}
	m.desc.Position = pos

	cell := cellForPosition(pos, r.zoneWidth, r.zoneHeight)
	z := rm.zones[cell]
	if z == nil {
		return nil
	}
	for _, l := range z.listeners {
		if l.id == m.id {
			continue
		}
		l.sink.UserMoved(m.id, pos)
	}
	return nil
}

// UpdateDetails applies a display-attribute change to the member's
// registry-held descriptor and fans it out once to every distinct listener
// of the member's zones.
func (r *Registry) UpdateDetails(roomID, connectionID string, d protocol.SetPlayerDetails) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, m, err := r.lookup(roomID, connectionID)
	if err != nil {
		return err
	}
	if d.RemoveOutlineColor {
		m.desc.OutlineColor = nil
	} else if d.OutlineColor != nil {
		c := *d.OutlineColor
		m.desc.OutlineColor = &c
	}
	if d.AvailabilityStatus != nil {
		m.desc.AvailabilityStatus = *d.AvailabilityStatus
	}

	notified := make(map[string]struct{})
	for cell := range m.zones {
		for _, l := range rm.zones[cell].listeners {
			if l.id == m.id {
				continue
			}
			if _, done := notified[l.id]; done {
				continue
			}
			notified[l.id] = struct{}{}
			l.sink.DetailsUpdated(m.id, d)
		}
	}
	return nil
}

// Leave deregisters the session from every zone it listens to, firing leave
// events, removes it from the room, and destroys the room if it became
// empty.
func (r *Registry) Leave(roomID, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, m, err := r.lookup(roomID, connectionID)
	if err != nil {
		return err
	}
	for cell := range m.zones {
		r.leaveZone(rm, m, cell)
	}
	delete(rm.members, m.id)

	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
		r.logger.Info("room destroyed", zap.String("room", roomID))
	}
	return nil
}

// Lookup reports whether the room currently exists and its member count.
func (r *Registry) Lookup(roomID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return 0, false
	}
	return len(rm.members), true
}

// Members returns descriptor snapshots of every member of the room.
func (r *Registry) Members(roomID string) ([]protocol.UserDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", roomID, ErrNotFound)
	}
	out := make([]protocol.UserDescriptor, 0, len(rm.members))
	for _, m := range rm.members {
		out = append(out, m.desc)
	}
	return out, nil
}

// Broadcast delivers an operator announcement to every member of the room.
func (r *Registry) Broadcast(roomID, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return fmt.Errorf("room %s: %w", roomID, ErrNotFound)
	}
	for _, m := range rm.members {
		m.sink.RoomBroadcast(message)
	}
	return nil
}

// Ban delivers a removal notice to every member of the room with the given
// stable user id and returns how many connections were notified. The
// sessions close themselves after flushing the notice.
func (r *Registry) Ban(roomID, userID, message string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return 0, fmt.Errorf("room %s: %w", roomID, ErrNotFound)
	}
	banned := 0
	for _, m := range rm.members {
		if m.desc.UserID == userID {
			m.sink.Banned(message)
			banned++
		}
	}
	return banned, nil
}

// ZoneSet returns the member's current zone set. Intended for tests and
// monitoring.
func (r *Registry) ZoneSet(roomID, connectionID string) (map[protocol.Cell]struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, m, err := r.lookup(roomID, connectionID)
	if err != nil {
		return nil, err
	}
	out := make(map[protocol.Cell]struct{}, len(m.zones))
	for cell := range m.zones {
		out[cell] = struct{}{}
	}
	return out, nil
}

func (r *Registry) lookup(roomID, connectionID string) (*Room, *member, error) {
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, nil, fmt.Errorf("room %s: %w", roomID, ErrNotFound)
	}
	m, ok := rm.members[connectionID]
	if !ok {
		return nil, nil, fmt.Errorf("room %s: connection %s: %w", roomID, connectionID, ErrNotFound)
	}
	return rm, m, nil
}

// enterZone registers m on the cell's zone, creating it lazily, and fires
// enter notifications in both directions. Caller holds the registry lock.
func (r *Registry) enterZone(rm *Room, m *member, cell protocol.Cell) {
	z := rm.zones[cell]
	if z == nil {
		z = newZone(cell)
		rm.zones[cell] = z
	}
	for _, l := range z.listeners {
		l.sink.UserEntered(cell, m.desc)
		m.sink.UserEntered(cell, l.desc)
	}
	z.listeners[m.id] = m
	m.zones[cell] = struct{}{}
}

// leaveZone deregisters m from the cell's zone, fires leave notifications to
// the remaining listeners, and destroys the zone when its last listener
// leaves. Caller holds the registry lock.
func (r *Registry) leaveZone(rm *Room, m *member, cell protocol.Cell) {
	z := rm.zones[cell]
	if z == nil {
		return
	}
	delete(z.listeners, m.id)
	delete(m.zones, cell)
	for _, l := range z.listeners {
		l.sink.UserLeft(cell, m.id)
	}
	if len(z.listeners) == 0 {
		delete(rm.zones, cell)
	}
}
