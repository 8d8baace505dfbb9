package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mirror/internal/core"
	"github.com/dkeye/Mirror/internal/domain"
	"github.com/dkeye/Mirror/internal/protocol"
)

// signalHandler is the optional transport surface for relayed SDP/ICE blobs.
// Only the realtime variant implements it.
type signalHandler interface {
	HandleSignal(key, value string) error
}

func (c *Coordinator) onSignalingConnected() {
	if c.state != domain.StateSignalingConnecting {
		return
	}
	c.setState(domain.StateSignalingConnected)
	err := c.p.Signaling.Send(&protocol.JoinRoom{
		Type:     protocol.TypeJoinRoom,
		Room:     c.p.RoomID,
		ClientID: c.p.ClientID,
		Token:    c.p.Token,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "session").Msg("join send")
		c.fail(core.CodeTransportFailure)
		return
	}
	c.setState(domain.StateAwaitingJoinAck)
}

func (c *Coordinator) onSignalingDisconnected() {
	if c.state.Terminal() {
		return
	}
	// Once streaming, the session lives on the transport; losing the
	// rendezvous connection only hurts before that point.
	if c.state == domain.StateStreaming || c.state == domain.StateReconnecting {
		log.Warn().Str("module", "session").Msg("signaling lost while streaming")
		return
	}
	c.fail(core.CodeTransportFailure)
}

func (c *Coordinator) onSignalingMessage(msg any) {
	if c.state.Terminal() {
		return
	}
	switch m := msg.(type) {
	case *protocol.JoinRoomAck:
		c.onJoinRoomAck(m)
	case *protocol.SignalRelay:
		if h, ok := c.transport.(signalHandler); ok {
			if err := h.HandleSignal(m.Key, m.Value); err != nil {
				log.Warn().Err(err).Str("module", "session").Str("key", m.Key).Msg("signal relay")
			}
		}
	default:
		log.Warn().Str("module", "session").Msgf("unexpected signaling message %T", msg)
	}
}

func (c *Coordinator) onJoinRoomAck(ack *protocol.JoinRoomAck) {
	if !ack.Ok {
		log.Error().Str("module", "session").Str("reason", ack.Error).Msg("join rejected")
		c.fail(core.CodePeerRejected)
		return
	}
	if c.state == domain.StateAwaitingJoinAck {
		c.setState(domain.StateRoomJoined)
	}
	if ack.Peer == "" || c.peer != "" {
		return // alone in the room; the peer announcement comes later
	}
	c.peer = ack.Peer
	if c.p.Role == RoleHost && !c.p.Status.OnConfirmConnectionRequest(c.peer) {
		log.Info().Str("module", "session").Str("peer", string(c.peer)).Msg("connection declined")
		c.fail(core.CodePeerRejected)
		return
	}
	if c.state == domain.StateRoomJoined {
		c.beginTransport()
	}
}

// beginTransport selects the transport strategy: realtime peer first, one
// fallback to the relayed stream, then Failed.
func (c *Coordinator) beginTransport() {
	c.setState(domain.StateTransportConnecting)
	c.transportKind = 0
	if c.p.NewRealtime == nil {
		c.transportKind = 1
	}
	c.connectCurrent()
}

func (c *Coordinator) connectCurrent() {
	var t core.TransportChannel
	switch c.transportKind {
	case 0:
		t = c.p.NewRealtime(func(key, value string) {
			// SDP/ICE out through the rendezvous relay.
			err := c.p.Signaling.Send(&protocol.SignalRelay{
				Type: protocol.TypeSignalRelay, Key: key, Value: value,
			})
			if err != nil {
				log.Warn().Err(err).Str("module", "session").Msg("signal out")
			}
		})
	default:
		t = c.p.NewReliable()
	}
	c.bindTransport(t)

	ctx, cancel := context.WithTimeout(context.Background(), c.p.ConnectTimeout)
	c.connectTimer = c.loop.postDelayed(c.p.ConnectTimeout, func() {
		cancel()
		c.onConnectTimeout(t)
	})
	if err := t.Connect(ctx); err != nil {
		log.Error().Err(err).Str("module", "session").Int("kind", c.transportKind).Msg("transport connect")
		c.onConnectTimeout(t)
	}
}

// bindTransport wires the channel callbacks back onto the runloop, keyed to
// the transport instance so a replaced transport cannot poke the session.
func (c *Coordinator) bindTransport(t core.TransportChannel) {
	c.setTransport(t)
	t.OnConnected(func(link domain.LinkType) {
		c.loop.post(func() { c.onTransportConnected(t, link) })
	})
	t.OnReconnecting(func() {
		c.loop.post(func() { c.onTransportReconnecting(t) })
	})
	t.OnClosed(func() {
		c.loop.post(func() { c.onTransportClosed(t) })
	})
	t.OnControl(func(data []byte) {
		c.loop.post(func() { c.onControl(t, data) })
	})
	t.OnMedia(func(data []byte) {
		c.loop.post(func() { c.onMedia(t, data) })
	})
}

func (c *Coordinator) onConnectTimeout(t core.TransportChannel) {
	if c.transport != t || c.state != domain.StateTransportConnecting {
		return
	}
	c.setTransport(nil) // detach before Close so onClosed is ignored
	t.Close()
	if c.transportKind == 0 && c.p.NewReliable != nil {
		log.Warn().Str("module", "session").Msg("realtime connect timed out, falling back")
		c.transportKind = 1
		c.connectCurrent()
		return
	}
	c.fail(core.CodeTimeout)
}

func (c *Coordinator) onTransportConnected(t core.TransportChannel, link domain.LinkType) {
	if c.transport != t || c.state.Terminal() {
		return
	}
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
	c.link = link
	log.Info().Str("module", "session").Str("link", string(link)).Msg("transport connected")

	switch c.state {
	case domain.StateTransportConnecting:
		if c.p.Role == RoleClient {
			c.sendStartTransmission()
		}
		// The host stays here until StartTransmission arrives.
	case domain.StateReconnecting:
		c.retries = 0
		c.setState(domain.StateStreaming)
		if c.capture != nil {
			// The peer lost frames during the gap; resync with a keyframe.
			c.capture.RequestKeyframe()
		}
		c.touchAlive()
		c.scheduleKeepalive()
	}
}

func (c *Coordinator) onTransportReconnecting(t core.TransportChannel) {
	if c.transport != t || c.state != domain.StateStreaming {
		return
	}
	c.enterReconnecting()
}

func (c *Coordinator) onTransportClosed(t core.TransportChannel) {
	if c.transport != t || c.state.Terminal() {
		return
	}
	if c.state == domain.StateTransportConnecting {
		c.onConnectTimeout(t)
		return
	}
	c.fail(core.CodeTransportFailure)
}

func (c *Coordinator) enterReconnecting() {
	if c.state != domain.StateStreaming {
		return
	}
	c.setState(domain.StateReconnecting)
	c.retries = 0
	c.boff.Reset()
	c.attemptReconnect()
}

func (c *Coordinator) attemptReconnect() {
	if c.state != domain.StateReconnecting {
		return
	}
	if c.retries >= c.p.MaxRetries {
		c.fail(core.CodeTransportFailure)
		return
	}
	c.retries++
	backoff := c.boff.Next()
	log.Info().Str("module", "session").Int("attempt", c.retries).Dur("backoff", backoff).Msg("reconnect")

	t := c.transport
	go t.Reconnect()
	c.loop.postDelayed(backoff, func() {
		if c.state == domain.StateReconnecting && c.transport == t {
			c.attemptReconnect()
		}
	})
}

func (c *Coordinator) touchAlive() {
	c.lastAlive = time.Now()
	c.stats.LastKeepaliveTS = c.lastAlive.UnixMicro()
}
