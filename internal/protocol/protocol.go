// Package protocol defines the wire tagged union exchanged with spatial
// clients: every websocket binary frame carries a one-byte message kind
// followed by a CBOR-encoded body. The websocket layer provides length
// framing; this package provides the union tag and the codec.
package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Version is the protocol version hash compiled into the server. Upgrade
// requests must present exactly this string or they are rejected as
// retryable version mismatches.
const Version = "mr1-8f2c41d9"

// Kind tags a wire message variant.
type Kind uint8

// Inbound message kinds (client → server).
const (
	KindInvalid Kind = iota

	KindViewportUpdate
	KindMove
	KindSetPlayerDetails
	KindWatchSpace
	KindUnwatchSpace
	KindAddSpaceFilter
	KindUpdateSpaceFilter
	KindRemoveSpaceFilter
	KindCameraState
	KindMicrophoneState
	KindScreenSharingState
	KindMegaphoneState
	KindReportPlayer
	KindPing
)

// Outbound message kinds (server → client). Every outbound message except
// the batch envelope itself travels as a sub-message inside a batch frame.
const (
	KindBatch Kind = iota + 64

	KindUserJoined
	KindUserLeft
	KindUserMoved
	KindPlayerDetailsUpdated
	KindSpaceUserAdded
	KindSpaceUserUpdated
	KindSpaceUserRemoved
	KindPong
	KindBanned
	KindBroadcastMessage
	KindError
)

var kindNames = map[Kind]string{
	KindViewportUpdate:       "viewportUpdate",
	KindMove:                 "move",
	KindSetPlayerDetails:     "setPlayerDetails",
	KindWatchSpace:           "watchSpace",
	KindUnwatchSpace:         "unwatchSpace",
	KindAddSpaceFilter:       "addSpaceFilter",
	KindUpdateSpaceFilter:    "updateSpaceFilter",
	KindRemoveSpaceFilter:    "removeSpaceFilter",
	KindCameraState:          "cameraState",
	KindMicrophoneState:      "microphoneState",
	KindScreenSharingState:   "screenSharingState",
	KindMegaphoneState:       "megaphoneState",
	KindReportPlayer:         "reportPlayer",
	KindPing:                 "ping",
	KindBatch:                "batch",
	KindUserJoined:           "userJoined",
	KindUserLeft:             "userLeft",
	KindUserMoved:            "userMoved",
	KindPlayerDetailsUpdated: "playerDetailsUpdated",
	KindSpaceUserAdded:       "spaceUserAdded",
	KindSpaceUserUpdated:     "spaceUserUpdated",
	KindSpaceUserRemoved:     "spaceUserRemoved",
	KindPong:                 "pong",
	KindBanned:               "banned",
	KindBroadcastMessage:     "broadcastMessage",
	KindError:                "error",
}

// String returns the wire-level event name for the kind, or "invalid" for
// unknown tags.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "invalid"
}

// Known reports whether the kind is a defined inbound or outbound variant.
func (k Kind) Known() bool {
	_, ok := kindNames[k]
	return ok
}

const headerSize = 1

// MaxFrameSize bounds a single decoded frame. Frames beyond this are
// malformed by definition; the read side also enforces it on the socket.
const MaxFrameSize = 1 << 20

// ErrFrameTooShort is returned when a frame does not contain a kind byte.
var ErrFrameTooShort = errors.New("protocol: frame too short")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 4096,
		MaxMapPairs:      4096,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode serializes body as CBOR prefixed with the kind tag.
//
// Postcondition: Returns a frame of at least one byte, or a non-nil error.
func Encode(kind Kind, body any) ([]byte, error) {
	payload, err := encMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s body: %w", kind, err)
	}
	if len(payload)+headerSize > MaxFrameSize {
		return nil, fmt.Errorf("encoding %s body: frame size %d exceeds maximum %d", kind, len(payload)+headerSize, MaxFrameSize)
	}
	frame := make([]byte, headerSize+len(payload))
	frame[0] = byte(kind)
	copy(frame[headerSize:], payload)
	return frame, nil
}

// Decode splits a frame into its kind tag and raw CBOR payload. The payload
// slice aliases the input.
func Decode(frame []byte) (Kind, []byte, error) {
	if len(frame) < headerSize {
		return KindInvalid, nil, ErrFrameTooShort
	}
	if len(frame) > MaxFrameSize {
		return KindInvalid, nil, fmt.Errorf("protocol: frame size %d exceeds maximum %d", len(frame), MaxFrameSize)
	}
	return Kind(frame[0]), frame[headerSize:], nil
}

// DecodeBody unmarshals a raw CBOR payload into dst.
func DecodeBody(payload []byte, dst any) error {
	return decMode.Unmarshal(payload, dst)
}
