// Package rtc is the realtime TransportChannel: a pion PeerConnection with
// an ordered reliable "control" DataChannel and an unordered, zero-retransmit
// "media" DataChannel.
package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mirror/internal/core"
	"github.com/dkeye/Mirror/internal/domain"
	"github.com/dkeye/Mirror/internal/transport"
)

const (
	controlLabel = "control"
	mediaLabel   = "media"

	mediaQueueDepth = 8
)

// SignalFunc carries outgoing SDP/ICE blobs to the peer through the
// signaling relay before the direct link exists.
type SignalFunc func(key, value string)

type Peer struct {
	sid      domain.ClientID
	offerer  bool
	cfg      webrtc.Configuration
	onSignal SignalFunc

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	control     *webrtc.DataChannel
	media       *webrtc.DataChannel
	opened      map[string]bool
	closed      bool
	closedFired bool

	mediaQ *transport.MediaQueue
	ctrlQ  *transport.ControlQueue

	onConnected    func(domain.LinkType)
	onReconnecting func()
	onClosed       func()
	onControl      func([]byte)
	onMedia        func([]byte)
}

func DefaultConfig(stunServers []string) webrtc.Configuration {
	if len(stunServers) == 0 {
		stunServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	}
}

// NewPeer creates the realtime transport. The offerer (client side) opens
// both data channels; the answerer waits for them.
func NewPeer(cfg webrtc.Configuration, sid domain.ClientID, offerer bool, onSignal SignalFunc) *Peer {
	return &Peer{
		sid:      sid,
		offerer:  offerer,
		cfg:      cfg,
		onSignal: onSignal,
		opened:   make(map[string]bool),
		mediaQ:   transport.NewMediaQueue(mediaQueueDepth),
		ctrlQ:    &transport.ControlQueue{},
	}
}

func (p *Peer) OnConnected(fn func(domain.LinkType)) { p.onConnected = fn }
func (p *Peer) OnReconnecting(fn func())             { p.onReconnecting = fn }
func (p *Peer) OnClosed(fn func())                   { p.onClosed = fn }
func (p *Peer) OnControl(fn func([]byte))            { p.onControl = fn }
func (p *Peer) OnMedia(fn func([]byte))              { p.onMedia = fn }

func (p *Peer) Connect(ctx context.Context) error {
	pc, err := webrtc.NewPeerConnection(p.cfg)
	if err != nil {
		return fmt.Errorf("%w: new peer connection: %v", core.ErrTransportFailure, err)
	}
	p.mu.Lock()
	p.pc = pc
	p.mu.Unlock()

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || p.onSignal == nil {
			return
		}
		b, err := json.Marshal(cand.ToJSON())
		if err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("marshal candidate")
			return
		}
		p.onSignal("ice", string(b))
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("sid", string(p.sid)).Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateDisconnected {
			if p.onReconnecting != nil {
				p.onReconnecting()
			}
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("sid", string(p.sid)).Str("peer_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			p.fireClosed()
		}
	})

	if p.offerer {
		ordered := true
		ctrl, err := pc.CreateDataChannel(controlLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			return fmt.Errorf("%w: create control channel: %v", core.ErrTransportFailure, err)
		}
		unordered := false
		var zero uint16
		media, err := pc.CreateDataChannel(mediaLabel, &webrtc.DataChannelInit{
			Ordered:        &unordered,
			MaxRetransmits: &zero,
		})
		if err != nil {
			return fmt.Errorf("%w: create media channel: %v", core.ErrTransportFailure, err)
		}
		p.bindChannel(ctrl)
		p.bindChannel(media)

		offer, err := pc.CreateOffer(nil)
		if err != nil {
			return fmt.Errorf("%w: create offer: %v", core.ErrTransportFailure, err)
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			return fmt.Errorf("%w: set local description: %v", core.ErrTransportFailure, err)
		}
		if p.onSignal != nil {
			p.onSignal("sdp_offer", offer.SDP)
		}
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			p.bindChannel(dc)
		})
	}

	context.AfterFunc(ctx, func() {
		p.mu.Lock()
		connected := p.opened[controlLabel] && p.opened[mediaLabel]
		p.mu.Unlock()
		if !connected {
			p.Close()
		}
	})
	return nil
}

// HandleSignal applies an SDP/ICE blob relayed from the peer.
func (p *Peer) HandleSignal(key, value string) error {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return core.ErrClosed
	}

	switch key {
	case "sdp_offer":
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer, SDP: value,
		}); err != nil {
			return fmt.Errorf("%w: set remote offer: %v", core.ErrTransportFailure, err)
		}
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("%w: create answer: %v", core.ErrTransportFailure, err)
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("%w: set local answer: %v", core.ErrTransportFailure, err)
		}
		if p.onSignal != nil {
			p.onSignal("sdp_answer", answer.SDP)
		}
	case "sdp_answer":
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer, SDP: value,
		}); err != nil {
			return fmt.Errorf("%w: set remote answer: %v", core.ErrTransportFailure, err)
		}
	case "ice":
		var ci webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(value), &ci); err != nil {
			return fmt.Errorf("%w: bad candidate: %v", core.ErrProtocolViolation, err)
		}
		if err := pc.AddICECandidate(ci); err != nil {
			return fmt.Errorf("%w: add candidate: %v", core.ErrTransportFailure, err)
		}
	default:
		log.Warn().Str("module", "rtc").Str("key", key).Msg("unknown signal key")
	}
	return nil
}

func (p *Peer) bindChannel(dc *webrtc.DataChannel) {
	switch dc.Label() {
	case controlLabel:
		p.mu.Lock()
		p.control = dc
		p.mu.Unlock()
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if p.onControl != nil {
				p.onControl(msg.Data)
			}
		})
	case mediaLabel:
		p.mu.Lock()
		p.media = dc
		p.mu.Unlock()
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if p.onMedia != nil {
				p.onMedia(msg.Data)
			}
		})
	default:
		log.Warn().Str("module", "rtc").Str("label", dc.Label()).Msg("unexpected data channel")
		return
	}

	dc.OnOpen(func() {
		p.mu.Lock()
		p.opened[dc.Label()] = true
		ready := p.opened[controlLabel] && p.opened[mediaLabel]
		p.mu.Unlock()
		log.Info().Str("module", "rtc").Str("sid", string(p.sid)).Str("label", dc.Label()).Msg("channel open")
		if ready {
			go p.writeMedia()
			p.flushControl()
			if p.onConnected != nil {
				p.onConnected(p.linkType())
			}
		}
	})
}

// linkType inspects the selected candidate pair: a relay candidate on either
// side means the session runs through TURN.
func (p *Peer) linkType() domain.LinkType {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil || pc.SCTP() == nil || pc.SCTP().Transport() == nil {
		return domain.LinkUnknown
	}
	ice := pc.SCTP().Transport().ICETransport()
	if ice == nil {
		return domain.LinkUnknown
	}
	pair, err := ice.GetSelectedCandidatePair()
	if err != nil || pair == nil {
		return domain.LinkUnknown
	}
	if pair.Local.Typ == webrtc.ICECandidateTypeRelay || pair.Remote.Typ == webrtc.ICECandidateTypeRelay {
		return domain.LinkRelayed
	}
	return domain.LinkP2P
}

func (p *Peer) SendControl(data []byte) error {
	p.mu.Lock()
	dc := p.control
	open := dc != nil && p.opened[controlLabel] && !p.closed
	p.mu.Unlock()
	if !open {
		return p.ctrlQ.Push(data)
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("%w: control send: %v", core.ErrTransportFailure, err)
	}
	return nil
}

func (p *Peer) SendMedia(data []byte) error {
	return p.mediaQ.Push(data)
}

func (p *Peer) flushControl() {
	for _, data := range p.ctrlQ.Drain() {
		if err := p.SendControl(data); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Msg("control flush")
			return
		}
	}
}

func (p *Peer) writeMedia() {
	for {
		data, ok := p.mediaQ.Pop()
		if !ok {
			return
		}
		p.mu.Lock()
		dc := p.media
		p.mu.Unlock()
		if dc == nil {
			return
		}
		if err := dc.Send(data); err != nil {
			// Lossy path: the frame is gone, the session is not.
			log.Debug().Err(err).Str("module", "rtc").Msg("media send dropped")
		}
	}
}

// Reconnect restarts ICE on the existing session description; room and
// signaling state stay untouched.
func (p *Peer) Reconnect() {
	p.mu.Lock()
	pc := p.pc
	offerer := p.offerer
	closed := p.closed
	p.mu.Unlock()
	if pc == nil || closed {
		return
	}
	if p.onReconnecting != nil {
		p.onReconnecting()
	}
	if !offerer {
		return // answerer waits for the restarted offer
	}
	offer, err := pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("ice restart offer")
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("ice restart set local")
		return
	}
	if p.onSignal != nil {
		p.onSignal("sdp_offer", offer.SDP)
	}
}

func (p *Peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pc := p.pc
	p.mu.Unlock()

	p.mediaQ.Close()
	p.ctrlQ.Close()
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("sid", string(p.sid)).Msg("close error")
		}
	}
	p.fireClosed()
}

var _ core.TransportChannel = (*Peer)(nil)

func (p *Peer) fireClosed() {
	p.mu.Lock()
	fired := p.closedFired
	p.closedFired = true
	p.mu.Unlock()

	p.mediaQ.Close()
	if !fired && p.onClosed != nil {
		p.onClosed()
	}
}
