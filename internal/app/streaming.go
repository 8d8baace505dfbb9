package app

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mirror/internal/core"
	"github.com/dkeye/Mirror/internal/domain"
	"github.com/dkeye/Mirror/internal/protocol"
)

const keepaliveMissFactor = 3

func (c *Coordinator) sendControl(v any) {
	if c.transport == nil {
		return
	}
	data, err := protocol.Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Msg("control encode")
		return
	}
	if err := c.transport.SendControl(data); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("control send")
	}
}

func (c *Coordinator) sendStartTransmission() {
	codecs := c.p.DecodeCodecs
	if len(codecs) == 0 {
		codecs = []domain.Codec{c.stream.Codec}
	}
	c.sendControl(&protocol.StartTransmission{
		Type:   protocol.TypeStartTransmission,
		Params: c.stream,
		Codecs: codecs,
	})
}

func (c *Coordinator) onControl(t core.TransportChannel, data []byte) {
	if c.transport != t || c.state.Terminal() {
		return
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Msg("control decode")
		c.fail(core.CodeProtocolViolation)
		return
	}
	switch m := msg.(type) {
	case *protocol.StartTransmission:
		c.onStartTransmission(m)
	case *protocol.StartTransmissionAck:
		c.onStartTransmissionAck(m)
	case *protocol.KeepAlive:
		c.touchAlive()
		c.sendControl(&protocol.KeepAliveAck{
			Type: protocol.TypeKeepAliveAck, Timestamp: m.Timestamp,
		})
	case *protocol.KeepAliveAck:
		c.touchAlive()
	case *protocol.TimeSync:
		c.onTimeSync(m)
	case *protocol.Reconfigure:
		c.onReconfigure(m)
	case *protocol.CursorInfo:
		if c.render != nil {
			c.render.UpdateCursor(domain.CursorState{
				ID: m.ID, X: m.X, Y: m.Y, Visible: m.Visible,
			})
		}
	case *protocol.Input:
		if c.p.Replayer != nil {
			if err := c.p.Replayer.Replay(m.Event); err != nil {
				log.Debug().Err(err).Str("module", "session").Msg("input replay dropped")
			}
		}
	case *protocol.SwitchMouseMode:
		c.absoluteMouse = m.Absolute
		if c.render != nil {
			c.render.SwitchMouseMode(m.Absolute)
		}
	default:
		log.Warn().Str("module", "session").Msgf("unexpected control message %T", msg)
	}
}

// onStartTransmission runs on the host: negotiate the codec, build the
// capture pipeline, ack with the final params.
func (c *Coordinator) onStartTransmission(m *protocol.StartTransmission) {
	if c.p.Role != RoleHost || c.state != domain.StateTransportConnecting {
		c.fail(core.CodeProtocolViolation)
		return
	}
	codec, ok := c.negotiateCodec(m.Codecs)
	if !ok {
		c.sendControl(&protocol.StartTransmissionAck{
			Type: protocol.TypeStartTransmissionAck, Ok: false,
			ErrCode: core.CodeUnsupportedCodec,
		})
		c.fail(core.CodeUnsupportedCodec)
		return
	}
	params := m.Params
	params.Codec = codec
	if err := params.Validate(); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad stream params")
		c.sendControl(&protocol.StartTransmissionAck{
			Type: protocol.TypeStartTransmissionAck, Ok: false,
			ErrCode: core.CodeInvalidConfig,
		})
		c.fail(core.CodeInvalidConfig)
		return
	}
	params.Version = 1

	capture, err := c.buildCapture(params)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Msg("capture init")
		c.sendControl(&protocol.StartTransmissionAck{
			Type: protocol.TypeStartTransmissionAck, Ok: false,
			ErrCode: core.CodeDeviceLoss,
		})
		c.fail(core.CodeDeviceLoss)
		return
	}
	if err := capture.Start(); err != nil {
		capture.Close()
		c.fail(core.CodeDeviceLoss)
		return
	}
	c.capture = capture
	c.stream = params
	c.applied = params.Version

	c.sendControl(&protocol.StartTransmissionAck{
		Type: protocol.TypeStartTransmissionAck, Ok: true, Params: params,
	})
	c.setState(domain.StateStreaming)
	c.touchAlive()
	c.scheduleKeepalive()
}

// buildCapture constructs the host pipeline and hooks unrecoverable device
// loss back into the session loop.
func (c *Coordinator) buildCapture(p domain.StreamParams) (CapturePipeline, error) {
	cp, err := c.p.NewCapture(p, c.pushFrame)
	if err != nil {
		return nil, err
	}
	if fp, ok := cp.(interface{ OnFatal(func(error)) }); ok {
		fp.OnFatal(func(err error) {
			log.Error().Err(err).Str("module", "session").Msg("capture pipeline lost its device")
			c.loop.post(func() { c.fail(core.CodeDeviceLoss) })
		})
	}
	return cp, nil
}

func (c *Coordinator) negotiateCodec(offered []domain.Codec) (domain.Codec, bool) {
	supported := c.p.EncodeCodecs
	if len(supported) == 0 {
		supported = []domain.Codec{domain.CodecH264}
	}
	for _, want := range offered {
		for _, have := range supported {
			if want == have {
				return want, true
			}
		}
	}
	return "", false
}

// onStartTransmissionAck runs on the client: build the render pipeline on
// the params the host committed to.
func (c *Coordinator) onStartTransmissionAck(m *protocol.StartTransmissionAck) {
	if c.p.Role != RoleClient || c.state != domain.StateTransportConnecting {
		c.fail(core.CodeProtocolViolation)
		return
	}
	if !m.Ok {
		code := m.ErrCode
		if code == "" {
			code = core.CodeTransportFailure
		}
		c.fail(code)
		return
	}
	render, err := c.p.NewRender(m.Params)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Msg("render init")
		c.fail(core.CodeDeviceLoss)
		return
	}
	if err := render.Start(); err != nil {
		render.Close()
		c.fail(core.CodeDeviceLoss)
		return
	}
	c.render = render
	c.stream = m.Params
	c.applied = m.Params.Version
	c.setState(domain.StateStreaming)
	c.touchAlive()
	c.scheduleKeepalive()
}

// pushFrame is the capture pipeline's sink; it may run on the capture loop,
// and SendMedia is non-blocking by contract, so no reposting is needed.
func (c *Coordinator) pushFrame(f *domain.EncodedFrame) {
	t := c.getTransport()
	if t == nil {
		return
	}
	if err := t.SendMedia(protocol.EncodeMediaFrame(f)); err != nil && !errors.Is(err, core.ErrClosed) {
		log.Debug().Err(err).Str("module", "session").Msg("media push")
	}
}

// onMedia runs on the client. The lossy path may reorder; anything at or
// behind the newest delivered seq is stale and dropped, so the renderer only
// ever sees strictly increasing sequence numbers.
func (c *Coordinator) onMedia(t core.TransportChannel, data []byte) {
	if c.transport != t || c.render == nil {
		return
	}
	f, err := protocol.DecodeMediaFrame(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("media decode")
		return
	}
	if c.haveSeq && f.Seq <= c.lastSeq {
		return
	}
	if c.haveSeq && f.Seq > c.lastSeq+1 {
		log.Debug().Str("module", "session").
			Uint64("from", c.lastSeq).Uint64("to", f.Seq).Msg("frame gap")
	}
	c.lastSeq = f.Seq
	c.haveSeq = true
	c.render.Submit(f)
}

// keepalive loop: one delayed task rescheduling itself while the session is
// live, sending our keepalive and checking the peer's.
func (c *Coordinator) scheduleKeepalive() {
	if c.keepTimer != nil {
		c.keepTimer.Stop()
	}
	c.keepTimer = c.loop.postDelayed(c.p.KeepaliveInterval, c.keepaliveTick)
}

func (c *Coordinator) keepaliveTick() {
	if c.state != domain.StateStreaming {
		return
	}
	now := time.Now()
	c.sendControl(&protocol.KeepAlive{Type: protocol.TypeKeepAlive, Timestamp: now.UnixMicro()})
	if c.p.Role == RoleClient {
		c.sendControl(&protocol.TimeSync{Type: protocol.TypeTimeSync, T0: now.UnixMicro()})
	}

	if now.Sub(c.lastAlive) > keepaliveMissFactor*c.p.KeepaliveInterval {
		log.Warn().Str("module", "session").Msg("keepalive timeout")
		if c.p.Role == RoleHost {
			// No UI to fall back to: the peer is hung, close out.
			if !c.stopRequested() {
				c.p.Status.OnError(core.CodePeerHung)
			}
			c.teardown(domain.StateClosed, core.CodePeerHung)
			c.loop.stop()
			return
		}
		c.enterReconnecting()
		return
	}
	c.scheduleKeepalive()
}

// onTimeSync answers the probe on the host and folds the completed exchange
// into LinkStats on the client.
func (c *Coordinator) onTimeSync(m *protocol.TimeSync) {
	now := time.Now().UnixMicro()
	if m.T1 == 0 && m.T2 == 0 {
		// Probe: we are the reflector. T1 is receive time, T2 send time;
		// they collapse here because the reply leaves immediately.
		c.sendControl(&protocol.TimeSync{
			Type: protocol.TypeTimeSync, T0: m.T0, T1: now, T2: time.Now().UnixMicro(),
		})
		return
	}
	rtt, offset := c.ts.Update(m.T0, m.T1, m.T2, now)
	c.stats.RTT = rtt
	c.stats.ClockOffset = offset
}

// onReconfigure runs on the host. Stale versions are ignored; a resolution
// change rebuilds the pipeline instead of failing the session.
func (c *Coordinator) onReconfigure(m *protocol.Reconfigure) {
	if c.p.Role != RoleHost || c.capture == nil {
		return
	}
	if m.Params.Version <= c.applied {
		log.Debug().Str("module", "session").
			Uint64("version", m.Params.Version).Uint64("applied", c.applied).Msg("stale reconfigure")
		return
	}
	if err := m.Params.Validate(); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("bad reconfigure")
		return
	}
	err := c.capture.Reconfigure(m.Params)
	if errors.Is(err, core.ErrResetRequired) {
		log.Info().Str("module", "session").
			Uint32("width", m.Params.Width).Uint32("height", m.Params.Height).Msg("reconfigure with reset")
		c.capture.Close()
		capture, cerr := c.buildCapture(m.Params)
		if cerr != nil {
			c.capture = nil
			c.fail(core.CodeDeviceLoss)
			return
		}
		if cerr := capture.Start(); cerr != nil {
			capture.Close()
			c.capture = nil
			c.fail(core.CodeDeviceLoss)
			return
		}
		c.capture = capture
		capture.RequestKeyframe()
		err = nil
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("reconfigure failed")
		return
	}
	c.applied = m.Params.Version
	c.stream = m.Params
}

// SetStreamParams requests a runtime change; the client bumps the version
// and ships it to the host. UI-facing, safe from any goroutine.
func (c *Coordinator) SetStreamParams(p domain.StreamParams) {
	c.loop.post(func() {
		if c.state != domain.StateStreaming || c.p.Role != RoleClient {
			return
		}
		p.Version = c.stream.Version + 1
		c.stream = p
		c.sendControl(&protocol.Reconfigure{Type: protocol.TypeReconfigure, Params: p})
	})
}

// SendInput ships one local input event to the host, tagged with the
// session-wide pointer mode. Client side, safe from any goroutine.
func (c *Coordinator) SendInput(ev domain.InputEvent) {
	c.loop.post(func() {
		if c.state != domain.StateStreaming {
			return
		}
		if ev.Kind == domain.InputPointer {
			ev.Absolute = c.absoluteMouse
		}
		c.sendControl(&protocol.Input{Type: protocol.TypeInput, Event: ev})
	})
}

// PublishCursor ships the host cursor state out-of-band of video frames.
// Host side, safe from any goroutine.
func (c *Coordinator) PublishCursor(cur domain.CursorState) {
	c.loop.post(func() {
		if c.state != domain.StateStreaming || c.p.Role != RoleHost {
			return
		}
		c.sendControl(&protocol.CursorInfo{
			Type: protocol.TypeCursorInfo,
			ID:   cur.ID, X: cur.X, Y: cur.Y, Visible: cur.Visible,
		})
	})
}

// SwitchMouseMode flips absolute/relative pointer interpretation for the
// whole session and tells the peer.
func (c *Coordinator) SwitchMouseMode(absolute bool) {
	c.loop.post(func() {
		if c.state != domain.StateStreaming {
			return
		}
		c.absoluteMouse = absolute
		if c.render != nil {
			c.render.SwitchMouseMode(absolute)
		}
		c.sendControl(&protocol.SwitchMouseMode{Type: protocol.TypeSwitchMouseMode, Absolute: absolute})
	})
}

// LinkStats snapshots RTT/offset/liveness for the adaptive-bitrate policy
// living outside this core.
func (c *Coordinator) LinkStats() domain.LinkStats {
	ch := make(chan domain.LinkStats, 1)
	if !c.loop.post(func() { ch <- c.stats }) {
		return domain.LinkStats{}
	}
	return <-ch
}
