// Package session holds the per-connection state record for a spatial
// client. A Session is owned exclusively by the goroutine serving its
// connection; the shared registries keep their own descriptor copies, so no
// cross-goroutine access to a Session ever occurs.
package session

import (
	"github.com/google/uuid"

	"github.com/meridian-spaces/relay/internal/protocol"
)

// Availability is the session's self-reported presence status.
type Availability string

// Known availability statuses. Unrecognized values are preserved as-is;
// clients own the vocabulary beyond these.
const (
	AvailabilityOnline       Availability = "online"
	AvailabilityAway         Availability = "away"
	AvailabilityBusy         Availability = "busy"
	AvailabilityDoNotDisturb Availability = "doNotDisturb"
	AvailabilitySilent       Availability = "silent"
)

// ChatCredentials is the fabricated chat-federation credential pair. When no
// signing secret is configured the placeholder pair is used instead.
type ChatCredentials struct {
	UserID string
	Secret string
}

// Session is the full per-connection record assembled by the gateway at
// upgrade time and mutated by that connection's handlers afterwards.
type Session struct {
	// UserID is the stable identity; anonymous sessions get a generated one.
	UserID string
	// ConnectionID is the ephemeral per-connection identifier.
	ConnectionID uuid.UUID
	// RoomID is the room this session belongs to. Exactly one at a time.
	RoomID string

	Name              string
	Tags              []string
	CharacterTextures []string
	CompanionTexture  string

	Position protocol.Position
	Viewport protocol.Viewport

	// Presence flags, toggled by state messages and mirrored into spaces.
	Camera        bool
	Microphone    bool
	ScreenSharing bool
	Megaphone     bool

	Availability Availability
	OutlineColor *uint32

	// LastCommandID is the resume hint from the upgrade query, recorded for
	// the replay layer.
	LastCommandID string

	Chat ChatCredentials
}

// HasTag reports whether the session carries the given tag.
func (s *Session) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ApplyDetails merges a details update into the session. Nil pointer fields
// leave the current value untouched.
func (s *Session) ApplyDetails(d protocol.SetPlayerDetails) {
	if d.RemoveOutlineColor {
		s.OutlineColor = nil
	} else if d.OutlineColor != nil {
		c := *d.OutlineColor
		s.OutlineColor = &c
	}
	if d.AvailabilityStatus != nil {
		s.Availability = Availability(*d.AvailabilityStatus)
	}
}

// Descriptor builds the zone-visible snapshot of this session.
func (s *Session) Descriptor() protocol.UserDescriptor {
	return protocol.UserDescriptor{
		UserID:             s.UserID,
		ConnectionID:       s.ConnectionID.String(),
		Name:               s.Name,
		Tags:               append([]string(nil), s.Tags...),
		Position:           s.Position,
		AvailabilityStatus: string(s.Availability),
		OutlineColor:       s.OutlineColor,
		CharacterTextures:  append([]string(nil), s.CharacterTextures...),
		CompanionTexture:   s.CompanionTexture,
	}
}

// SpaceDescriptor builds the published space-user snapshot of this session.
func (s *Session) SpaceDescriptor() protocol.SpaceUserDescriptor {
	return protocol.SpaceUserDescriptor{
		ConnectionID:       s.ConnectionID.String(),
		UserID:             s.UserID,
		Name:               s.Name,
		RoomID:             s.RoomID,
		Tags:               append([]string(nil), s.Tags...),
		AvailabilityStatus: string(s.Availability),
		Camera:             s.Camera,
		Microphone:         s.Microphone,
		ScreenSharing:      s.ScreenSharing,
		Megaphone:          s.Megaphone,
	}
}
