package protocol

import "github.com/fxamacker/cbor/v2"

// Cell identifies one zone cell within a room by integer grid coordinates.
type Cell struct {
	X int32 `cbor:"x"`
	Y int32 `cbor:"y"`
}

// Position is a point in room coordinates plus facing state.
type Position struct {
	X         int32  `cbor:"x"`
	Y         int32  `cbor:"y"`
	Direction string `cbor:"direction"`
	Moving    bool   `cbor:"moving"`
}

// Viewport is the client's visible rectangle in room coordinates.
type Viewport struct {
	Top    int32 `cbor:"top"`
	Right  int32 `cbor:"right"`
	Bottom int32 `cbor:"bottom"`
	Left   int32 `cbor:"left"`
}

// ViewportUpdate moves the client's viewport; zone subscriptions follow it.
type ViewportUpdate struct {
	Viewport Viewport `cbor:"viewport"`
}

// Move updates the client's position within the room.
type Move struct {
	Position Position `cbor:"position"`
}

// SetPlayerDetails updates the mutable display attributes of a player.
// Pointer fields are three-state: nil means unchanged.
type SetPlayerDetails struct {
	OutlineColor       *uint32 `cbor:"outlineColor,omitempty"`
	RemoveOutlineColor bool    `cbor:"removeOutlineColor,omitempty"`
	AvailabilityStatus *string `cbor:"availabilityStatus,omitempty"`
	ShowVoiceIndicator *bool   `cbor:"showVoiceIndicator,omitempty"`
}

// WatchSpace registers interest in a cross-room space with an initial filter.
type WatchSpace struct {
	Space  string      `cbor:"space"`
	Filter SpaceFilter `cbor:"filter"`
}

// UnwatchSpace drops all of the sender's filters for the space.
type UnwatchSpace struct {
	Space string `cbor:"space"`
}

// SpaceFilter describes one watch predicate. FilterID makes each
// registration independently revocable.
type SpaceFilter struct {
	FilterID string `cbor:"filterId"`
	Kind     string `cbor:"kind"`
	Value    string `cbor:"value,omitempty"`
}

// AddSpaceFilter attaches an additional filter to an existing watch.
type AddSpaceFilter struct {
	Space  string      `cbor:"space"`
	Filter SpaceFilter `cbor:"filter"`
}

// UpdateSpaceFilter replaces the predicate of an existing registration.
type UpdateSpaceFilter struct {
	Space  string      `cbor:"space"`
	Filter SpaceFilter `cbor:"filter"`
}

// RemoveSpaceFilter revokes a single registration by id.
type RemoveSpaceFilter struct {
	Space    string `cbor:"space"`
	FilterID string `cbor:"filterId"`
}

// PresenceState toggles one boolean presence flag (camera, microphone,
// screen sharing, megaphone — selected by the frame kind).
type PresenceState struct {
	Enabled bool `cbor:"enabled"`
}

// ReportPlayer forwards an abuse report about another player.
type ReportPlayer struct {
	ReportedUserID string `cbor:"reportedUserId"`
	Comment        string `cbor:"comment"`
}

// Ping carries an opaque client sequence number echoed back in Pong.
type Ping struct {
	Seq uint64 `cbor:"seq"`
}

// SubMessage is one tagged entry inside a batch envelope.
type SubMessage struct {
	Kind Kind            `cbor:"kind"`
	Body cbor.RawMessage `cbor:"body"`
}

// Batch is the single outbound envelope: an ordered list of sub-messages
// flushed as one frame, labelled with the event name of the first entry.
type Batch struct {
	Event    string       `cbor:"event"`
	Messages []SubMessage `cbor:"messages"`
}

// UserDescriptor describes a visible player to zone listeners.
type UserDescriptor struct {
	UserID             string   `cbor:"userId"`
	ConnectionID       string   `cbor:"connectionId"`
	Name               string   `cbor:"name"`
	Tags               []string `cbor:"tags,omitempty"`
	Position           Position `cbor:"position"`
	AvailabilityStatus string   `cbor:"availabilityStatus"`
	OutlineColor       *uint32  `cbor:"outlineColor,omitempty"`
	CharacterTextures  []string `cbor:"characterTextures,omitempty"`
	CompanionTexture   string   `cbor:"companionTexture,omitempty"`
}

// UserJoined announces a player entering a zone the receiver listens to.
type UserJoined struct {
	Zone Cell           `cbor:"zone"`
	User UserDescriptor `cbor:"user"`
}

// UserLeft announces a player leaving a zone the receiver listens to.
type UserLeft struct {
	Zone         Cell   `cbor:"zone"`
	ConnectionID string `cbor:"connectionId"`
}

// UserMoved carries a position update for a visible player.
type UserMoved struct {
	ConnectionID string   `cbor:"connectionId"`
	Position     Position `cbor:"position"`
}

// PlayerDetailsUpdated fans out a SetPlayerDetails to zone listeners.
type PlayerDetailsUpdated struct {
	ConnectionID string           `cbor:"connectionId"`
	Details      SetPlayerDetails `cbor:"details"`
}

// SpaceUserDescriptor is the published state of a user within a space.
type SpaceUserDescriptor struct {
	ConnectionID       string   `cbor:"connectionId"`
	UserID             string   `cbor:"userId"`
	Name               string   `cbor:"name"`
	RoomID             string   `cbor:"roomId"`
	Tags               []string `cbor:"tags,omitempty"`
	AvailabilityStatus string   `cbor:"availabilityStatus"`
	Camera             bool     `cbor:"camera"`
	Microphone         bool     `cbor:"microphone"`
	ScreenSharing      bool     `cbor:"screenSharing"`
	Megaphone          bool     `cbor:"megaphone"`
}

// SpaceUserAdded notifies a watcher of a user newly matching its filter.
type SpaceUserAdded struct {
	Space    string              `cbor:"space"`
	FilterID string              `cbor:"filterId"`
	User     SpaceUserDescriptor `cbor:"user"`
}

// SpaceUserUpdated notifies a watcher of a matching user's state change.
type SpaceUserUpdated struct {
	Space    string              `cbor:"space"`
	FilterID string              `cbor:"filterId"`
	User     SpaceUserDescriptor `cbor:"user"`
}

// SpaceUserRemoved notifies a watcher that a user stopped matching.
type SpaceUserRemoved struct {
	Space        string `cbor:"space"`
	FilterID     string `cbor:"filterId"`
	ConnectionID string `cbor:"connectionId"`
}

// Pong echoes a Ping sequence number.
type Pong struct {
	Seq uint64 `cbor:"seq"`
}

// Banned tells the client it has been removed by an operator. The
// connection closes after this batch flushes.
type Banned struct {
	Message string `cbor:"message"`
}

// BroadcastMessage carries an operator announcement to a whole room.
type BroadcastMessage struct {
	Message string `cbor:"message"`
}

// ErrorMessage reports a non-fatal server-side problem to the client.
type ErrorMessage struct {
	Reason  string `cbor:"reason"`
	Message string `cbor:"message"`
}

// EncodeSub encodes a sub-message body for inclusion in a batch.
func EncodeSub(kind Kind, body any) (SubMessage, error) {
	raw, err := encMode.Marshal(body)
	if err != nil {
		return SubMessage{}, err
	}
	return SubMessage{Kind: kind, Body: raw}, nil
}
