// Package space provides the cross-room logical groups used for filtered
// presence and state sharing. Sessions watch a space with one or more
// filters and publish a single authoritative user record into every space
// they have joined; each watch registration independently receives
// add/update/remove deltas as records start, keep, or stop matching its
// predicate.
package space

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/meridian-spaces/relay/internal/protocol"
)

// Watcher receives filtered space deltas for one session. Implementations
// enqueue into that session's outbound batch and must not call back into
// the Registry.
type Watcher interface {
	SpaceUserAdded(space, filterID string, u protocol.SpaceUserDescriptor)
	SpaceUserUpdated(space, filterID string, u protocol.SpaceUserDescriptor)
	SpaceUserRemoved(space, filterID, connectionID string)
}

// watch is one (session, filter) registration together with its private
// match state. Evaluation is independent per registration: the same publish
// can be an add for one watch and a no-op for another.
type watch struct {
	sessionID string
	filter    Filter
	watcher   Watcher
	matched   map[string]struct{} // connection ids currently matching
}

// Space is one named cross-room group. Created lazily on first watch,
// destroyed when the last watcher and the last published user are gone.
type Space struct {
	name    string
	watches map[string]map[string]*watch           // session id → filter id → watch
	users   map[string]protocol.SpaceUserDescriptor // connection id → published record
}

func (s *Space) empty() bool {
	return len(s.watches) == 0 && len(s.users) == 0
}

// Registry owns all spaces. All methods are safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	spaces map[string]*Space
	logger *zap.Logger
}

// NewRegistry creates an empty space registry.
//
// Precondition: logger must be non-nil.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		spaces: make(map[string]*Space),
		logger: logger,
	}
}

// Watch registers a (session, filter) pair on the space, creating the space
// lazily, and returns the currently matching records so the caller can
// synchronize initial state before live deltas arrive. The snapshot seeds
// the registration's match state: snapshot entries later yield updates, not
// duplicate adds.
//
// Precondition: w must be non-nil; f must come from FromWire or be
// otherwise valid.
func (r *Registry) Watch(sessionID, spaceName string, f Filter, w Watcher) ([]protocol.SpaceUserDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sp := r.spaces[spaceName]
	if sp == nil {
		sp = &Space{
			name:    spaceName,
			watches: make(map[string]map[string]*watch),
			users:   make(map[string]protocol.SpaceUserDescriptor),
		}
		r.spaces[spaceName] = sp
		r.logger.Debug("space created", zap.String("space", spaceName))
	}

	byFilter := sp.watches[sessionID]
	if byFilter == nil {
		byFilter = make(map[string]*watch)
		sp.watches[sessionID] = byFilter
	}
	if _, dup := byFilter[f.ID]; dup {
		return nil, fmt.Errorf("space %s: session %s: filter %q already registered", spaceName, sessionID, f.ID)
	}

	reg := &watch{
		sessionID: sessionID,
		filter:    f,
		watcher:   w,
		matched:   make(map[string]struct{}),
	}
	byFilter[f.ID] = reg

	snapshot := make([]protocol.SpaceUserDescriptor, 0)
	for connID, u := range sp.users {
		if f.Matches(u) {
			reg.matched[connID] = struct{}{}
			snapshot = append(snapshot, u)
		}
	}
	return snapshot, nil
}

// UpdateFilter replaces the predicate of an existing registration and
// re-evaluates every published record against it: newly matching records
// fire adds, no-longer-matching ones fire removes.
func (r *Registry) UpdateFilter(sessionID, spaceName string, f Filter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sp, reg, err := r.lookup(sessionID, spaceName, f.ID)
	if err != nil {
		return err
	}
	reg.filter = f

	for connID, u := range sp.users {
		_, was := reg.matched[connID]
		now := f.Matches(u)
		switch {
		case now && !was:
			reg.matched[connID] = struct{}{}
			reg.watcher.SpaceUserAdded(spaceName, f.ID, u)
		case !now && was:
			delete(reg.matched, connID)
			reg.watcher.SpaceUserRemoved(spaceName, f.ID, connID)
		}
	}
	return nil
}

// RemoveFilter revokes a single registration by id.
func (r *Registry) RemoveFilter(sessionID, spaceName, filterID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sp, _, err := r.lookup(sessionID, spaceName, filterID)
	if err != nil {
		return err
	}
	delete(sp.watches[sessionID], filterID)
	if len(sp.watches[sessionID]) == 0 {
		// Revoking the last filter leaves the space entirely.
		delete(sp.watches, sessionID)
		r.leaveSpaceLocked(sp, sessionID)
	}
	r.destroyIfEmpty(sp)
	return nil
}

// Unwatch removes all filters owned by the session for the space and, since
// leaving a space ends the session's membership there, withdraws its
// published record as well.
func (r *Registry) Unwatch(sessionID, spaceName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sp, ok := r.spaces[spaceName]
	if !ok {
		return fmt.Errorf("space %s: not found", spaceName)
	}
	delete(sp.watches, sessionID)
	r.leaveSpaceLocked(sp, sessionID)
	r.destroyIfEmpty(sp)
	return nil
}

// leaveSpaceLocked withdraws the session's published record from one space,
// firing exactly one remove per registration that was matching it. Caller
// holds the registry lock.
func (r *Registry) leaveSpaceLocked(sp *Space, sessionID string) {
	u, published := sp.users[sessionID]
	if !published {
		return
	}
	delete(sp.users, sessionID)
	for _, byFilter := range sp.watches {
		for _, reg := range byFilter {
			if _, was := reg.matched[u.ConnectionID]; was {
				delete(reg.matched, u.ConnectionID)
				reg.watcher.SpaceUserRemoved(sp.name, reg.filter.ID, u.ConnectionID)
			}
		}
	}
}

// Publish sets the session's authoritative record in every space it has
// joined and evaluates the delta against every registration there.
func (r *Registry) Publish(sessionID string, u protocol.SpaceUserDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sp := range r.spaces {
		if _, joined := sp.watches[sessionID]; !joined {
			continue
		}
		sp.users[sessionID] = u
		r.evaluate(sp, u)
	}
}

// UpdatePublished mutates the session's published record in every joined
// space and re-evaluates all registrations against the result. Every update
// is evaluated in full, even when the changed fields are unrelated to a
// given filter.
func (r *Registry) UpdatePublished(sessionID string, mutate func(*protocol.SpaceUserDescriptor)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sp := range r.spaces {
		if _, joined := sp.watches[sessionID]; !joined {
			continue
		}
		u, published := sp.users[sessionID]
		if !published {
			continue
		}
		mutate(&u)
		sp.users[sessionID] = u
		r.evaluate(sp, u)
	}
}

// Unpublish removes the session's record from every space, firing exactly
// one remove to each registration that was matching it.
func (r *Registry) Unpublish(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unpublishLocked(sessionID)
}

// Disconnect removes every trace of the session: its published records and
// its watch registrations in all spaces. This is the mechanism that
// prevents dangling cross-room references after a connection dies.
func (r *Registry) Disconnect(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.unpublishLocked(sessionID)
	for _, sp := range r.spaces {
		delete(sp.watches, sessionID)
		r.destroyIfEmpty(sp)
	}
}

// Joined reports whether the session holds at least one watch registration
// on the space.
func (r *Registry) Joined(sessionID, spaceName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sp, ok := r.spaces[spaceName]
	if !ok {
		return false
	}
	_, joined := sp.watches[sessionID]
	return joined
}

// Spaces returns the number of live spaces. Intended for monitoring.
func (r *Registry) Spaces() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spaces)
}

func (r *Registry) unpublishLocked(sessionID string) {
	for _, sp := range r.spaces {
		r.leaveSpaceLocked(sp, sessionID)
		r.destroyIfEmpty(sp)
	}
}

// evaluate fires the per-registration delta for one changed record. Caller
// holds the registry lock.
func (r *Registry) evaluate(sp *Space, u protocol.SpaceUserDescriptor) {
	for _, byFilter := range sp.watches {
		for _, reg := range byFilter {
			_, was := reg.matched[u.ConnectionID]
			now := reg.filter.Matches(u)
			switch {
			case now && !was:
				reg.matched[u.ConnectionID] = struct{}{}
				reg.watcher.SpaceUserAdded(sp.name, reg.filter.ID, u)
			case now && was:
				reg.watcher.SpaceUserUpdated(sp.name, reg.filter.ID, u)
			case !now && was:
				delete(reg.matched, u.ConnectionID)
				reg.watcher.SpaceUserRemoved(sp.name, reg.filter.ID, u.ConnectionID)
			}
		}
	}
}

func (r *Registry) lookup(sessionID, spaceName, filterID string) (*Space, *watch, error) {
	sp, ok := r.spaces[spaceName]
	if !ok {
		return nil, nil, fmt.Errorf("space %s: not found", spaceName)
	}
	reg, ok := sp.watches[sessionID][filterID]
	if !ok {
		return nil, nil, fmt.Errorf("space %s: session %s: filter %q not registered", spaceName, sessionID, filterID)
	}
	return sp, reg, nil
}

func (r *Registry) destroyIfEmpty(sp *Space) {
	if sp.empty() {
		delete(r.spaces, sp.name)
		r.logger.Debug("space destroyed", zap.String("space", sp.name))
	}
}
