package session

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-spaces/relay/internal/protocol"
)

func newTestSession() *Session {
	return &Session{
		UserID:            "user-1",
		ConnectionID:      uuid.New(),
		RoomID:            "town/plaza",
		Name:              "Alice",
		Tags:              []string{"member"},
		CharacterTextures: []string{"body-1"},
		Availability:      AvailabilityOnline,
	}
}

func TestHasTag(t *testing.T) {
	s := newTestSession()
	assert.True(t, s.HasTag("member"))
	assert.False(t, s.HasTag("admin"))
}

func TestApplyDetailsOutline(t *testing.T) {
	s := newTestSession()
	color := uint32(0x00FF00)
	s.ApplyDetails(protocol.SetPlayerDetails{OutlineColor: &color})
	require.NotNil(t, s.OutlineColor)
	assert.Equal(t, color, *s.OutlineColor)

	s.ApplyDetails(protocol.SetPlayerDetails{RemoveOutlineColor: true})
	assert.Nil(t, s.OutlineColor)
}

func TestApplyDetailsAvailability(t *testing.T) {
	s := newTestSession()
	status := string(AvailabilityBusy)
	s.ApplyDetails(protocol.SetPlayerDetails{AvailabilityStatus: &status})
	assert.Equal(t, AvailabilityBusy, s.Availability)
}

func TestApplyDetailsNilFieldsUnchanged(t *testing.T) {
	s := newTestSession()
	color := uint32(7)
	s.OutlineColor = &color
	s.ApplyDetails(protocol.SetPlayerDetails{})
	require.NotNil(t, s.OutlineColor)
	assert.Equal(t, AvailabilityOnline, s.Availability)
}

func TestDescriptorIsACopy(t *testing.T) {
	s := newTestSession()
	d := s.Descriptor()
	assert.Equal(t, s.ConnectionID.String(), d.ConnectionID)

	d.Tags[0] = "mutated"
	assert.Equal(t, "member", s.Tags[0], "descriptor must not alias session slices")
}

func TestSpaceDescriptorMirrorsPresenceFlags(t *testing.T) {
	s := newTestSession()
	s.Camera = true
	s.Megaphone = true
	d := s.SpaceDescriptor()
	assert.True(t, d.Camera)
	assert.True(t, d.Megaphone)
	assert.False(t, d.Microphone)
	assert.Equal(t, "town/plaza", d.RoomID)
}
