package gateway

import (
	"fmt"

	"github.com/meridian-spaces/relay/internal/protocol"
	"github.com/meridian-spaces/relay/internal/space"
)

// handlerFunc processes one decoded inbound message for a client. Handlers
// run sequentially per connection on the client's dispatch loop.
type handlerFunc func(c *client, payload []byte) error

// buildDispatchTable constructs the inbound dispatch table once at startup.
// Each entry decodes its own body type; kinds without an entry are skipped
// by the dispatch loop.
func buildDispatchTable() map[protocol.Kind]handlerFunc {
	return map[protocol.Kind]handlerFunc{
		protocol.KindViewportUpdate:     handleViewportUpdate,
		protocol.KindMove:               handleMove,
		protocol.KindSetPlayerDetails:   handleSetPlayerDetails,
		protocol.KindWatchSpace:         handleWatchSpace,
		protocol.KindUnwatchSpace:       handleUnwatchSpace,
		protocol.KindAddSpaceFilter:     handleAddSpaceFilter,
		protocol.KindUpdateSpaceFilter:  handleUpdateSpaceFilter,
		protocol.KindRemoveSpaceFilter:  handleRemoveSpaceFilter,
		protocol.KindCameraState:        presenceHandler(func(u *protocol.SpaceUserDescriptor, on bool) { u.Camera = on }, setCamera),
		protocol.KindMicrophoneState:    presenceHandler(func(u *protocol.SpaceUserDescriptor, on bool) { u.Microphone = on }, setMicrophone),
		protocol.KindScreenSharingState: presenceHandler(func(u *protocol.SpaceUserDescriptor, on bool) { u.ScreenSharing = on }, setScreenSharing),
		protocol.KindMegaphoneState:     presenceHandler(func(u *protocol.SpaceUserDescriptor, on bool) { u.Megaphone = on }, setMegaphone),
		protocol.KindReportPlayer:       handleReportPlayer,
		protocol.KindPing:               handlePing,
	}
}

func handleViewportUpdate(c *client, payload []byte) error {
	var msg protocol.ViewportUpdate
	if err := protocol.DecodeBody(payload, &msg); err != nil {
		return fmt.Errorf("decoding viewport update: %w", err)
	}
	c.sess.Viewport = msg.Viewport
	return c.gw.rooms.UpdateViewport(c.sess.RoomID, c.id(), msg.Viewport)
}

func handleMove(c *client, payload []byte) error {
	var msg protocol.Move
	if err := protocol.DecodeBody(payload, &msg); err != nil {
		return fmt.Errorf("decoding move: %w", err)
	}
	c.sess.Position = msg.Position
	return c.gw.rooms.Move(c.sess.RoomID, c.id(), msg.Position)
}

func handleSetPlayerDetails(c *client, payload []byte) error {
	var msg protocol.SetPlayerDetails
	if err := protocol.DecodeBody(payload, &msg); err != nil {
		return fmt.Errorf("decoding player details: %w", err)
	}
	c.sess.ApplyDetails(msg)
	if err := c.gw.rooms.UpdateDetails(c.sess.RoomID, c.id(), msg); err != nil {
		return err
	}
	if msg.AvailabilityStatus != nil {
		status := *msg.AvailabilityStatus
		c.gw.spaces.UpdatePublished(c.id(), func(u *protocol.SpaceUserDescriptor) {
			u.AvailabilityStatus = status
		})
	}
	return nil
}

func handleWatchSpace(c *client, payload []byte) error {
	var msg protocol.WatchSpace
	if err := protocol.DecodeBody(payload, &msg); err != nil {
		return fmt.Errorf("decoding watch space: %w", err)
	}
	filter, err := space.FromWire(msg.Filter)
	if err != nil {
		return err
	}
	snapshot, err := c.gw.spaces.Watch(c.id(), msg.Space, filter, c)
	if err != nil {
		return err
	}
	for _, u := range snapshot {
		c.SpaceUserAdded(msg.Space, filter.ID, u)
	}
	// Watching joins the space, which publishes this session's record there.
	c.gw.spaces.Publish(c.id(), c.sess.SpaceDescriptor())
	return nil
}

func handleUnwatchSpace(c *client, payload []byte) error {
	var msg protocol.UnwatchSpace
	if err := protocol.DecodeBody(payload, &msg); err != nil {
		return fmt.Errorf("decoding unwatch space: %w", err)
	}
	return c.gw.spaces.Unwatch(c.id(), msg.Space)
}

func handleAddSpaceFilter(c *client, payload []byte) error {
	var msg protocol.AddSpaceFilter
	if err := protocol.DecodeBody(payload, &msg); err != nil {
		return fmt.Errorf("decoding add space filter: %w", err)
	}
	filter, err := space.FromWire(msg.Filter)
	if err != nil {
		return err
	}
	joined := c.gw.spaces.Joined(c.id(), msg.Space)
	snapshot, err := c.gw.spaces.Watch(c.id(), msg.Space, filter, c)
	if err != nil {
		return err
	}
	for _, u := range snapshot {
		c.SpaceUserAdded(msg.Space, filter.ID, u)
	}
	// A first filter on a space the session never watched joins it, which
	// publishes the session's record there like the watch path does.
	if !joined {
		c.gw.spaces.Publish(c.id(), c.sess.SpaceDescriptor())
	}
	return nil
}

func handleUpdateSpaceFilter(c *client, payload []byte) error {
	var msg protocol.UpdateSpaceFilter
	if err := protocol.DecodeBody(payload, &msg); err != nil {
		return fmt.Errorf("decoding update space filter: %w", err)
	}
	filter, err := space.FromWire(msg.Filter)
	if err != nil {
		return err
	}
	return c.gw.spaces.UpdateFilter(c.id(), msg.Space, filter)
}

func handleRemoveSpaceFilter(c *client, payload []byte) error {
	var msg protocol.RemoveSpaceFilter
	if err := protocol.DecodeBody(payload, &msg); err != nil {
		return fmt.Errorf("decoding remove space filter: %w", err)
	}
	return c.gw.spaces.RemoveFilter(c.id(), msg.Space, msg.FilterID)
}

// Presence flag mutations update the session's owned state and mirror the
// flag into every joined space with a full filter re-evaluation.

func setCamera(c *client, on bool)        { c.sess.Camera = on }
func setMicrophone(c *client, on bool)    { c.sess.Microphone = on }
func setScreenSharing(c *client, on bool) { c.sess.ScreenSharing = on }
func setMegaphone(c *client, on bool)     { c.sess.Megaphone = on }

func presenceHandler(mirror func(*protocol.SpaceUserDescriptor, bool), apply func(*client, bool)) handlerFunc {
	return func(c *client, payload []byte) error {
		var msg protocol.PresenceState
		if err := protocol.DecodeBody(payload, &msg); err != nil {
			return fmt.Errorf("decoding presence state: %w", err)
		}
		apply(c, msg.Enabled)
		c.gw.spaces.UpdatePublished(c.id(), func(u *protocol.SpaceUserDescriptor) {
			mirror(u, msg.Enabled)
		})
		return nil
	}
}

func handleReportPlayer(c *client, payload []byte) error {
	var msg protocol.ReportPlayer
	if err := protocol.DecodeBody(payload, &msg); err != nil {
		return fmt.Errorf("decoding report player: %w", err)
	}
	// Forwarded to the external telemetry sink; the relay does not act on
	// reports itself.
	c.gw.reporter.Report("player.report", fmt.Errorf(
		"player %s reported by %s: %s", msg.ReportedUserID, c.sess.UserID, msg.Comment,
	))
	return nil
}

func handlePing(c *client, payload []byte) error {
	var msg protocol.Ping
	if err := protocol.DecodeBody(payload, &msg); err != nil {
		return fmt.Errorf("decoding ping: %w", err)
	}
	c.enqueue(protocol.KindPong, protocol.Pong{Seq: msg.Seq})
	return nil
}
