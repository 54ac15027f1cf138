package space

import (
	"fmt"
	"strings"

	"github.com/meridian-spaces/relay/internal/protocol"
)

// FilterKind selects the predicate a watch registration evaluates.
type FilterKind string

// Supported predicates.
const (
	// FilterEveryone matches every published user.
	FilterEveryone FilterKind = "everyone"
	// FilterByRoom matches users whose session is in the given room.
	FilterByRoom FilterKind = "room"
	// FilterByTag matches users carrying the given tag.
	FilterByTag FilterKind = "tag"
	// FilterByName matches users whose name contains the given substring,
	// case-insensitively.
	FilterByName FilterKind = "name"
	// FilterLiveStreaming matches users with camera, screen share, or
	// megaphone active.
	FilterLiveStreaming FilterKind = "liveStreaming"
)

// Filter is one watch predicate. ID makes the registration independently
// revocable; a session may hold several filters on the same space.
type Filter struct {
	ID    string
	Kind  FilterKind
	Value string
}

// FromWire validates and converts a wire-level filter description.
func FromWire(w protocol.SpaceFilter) (Filter, error) {
	if w.FilterID == "" {
		return Filter{}, fmt.Errorf("space filter: missing filter id")
	}
	kind := FilterKind(w.Kind)
	switch kind {
	case FilterEveryone, FilterLiveStreaming:
	case FilterByRoom, FilterByTag, FilterByName:
		if w.Value == "" {
			return Filter{}, fmt.Errorf("space filter %s: kind %q requires a value", w.FilterID, w.Kind)
		}
	default:
		return Filter{}, fmt.Errorf("space filter %s: unknown kind %q", w.FilterID, w.Kind)
	}
	return Filter{ID: w.FilterID, Kind: kind, Value: w.Value}, nil
}

// Matches evaluates the predicate against a published user record.
func (f Filter) Matches(u protocol.SpaceUserDescriptor) bool {
	switch f.Kind {
	case FilterEveryone:
		return true
	case FilterByRoom:
		return u.RoomID == f.Value
	case FilterByTag:
		for _, t := range u.Tags {
			if t == f.Value {
				return true
			}
		}
		return false
	case FilterByName:
		return strings.Contains(strings.ToLower(u.Name), strings.ToLower(f.Value))
	case FilterLiveStreaming:
		return u.Camera || u.ScreenSharing || u.Megaphone
	default:
		return false
	}
}
