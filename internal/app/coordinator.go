package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mirror/internal/core"
	"github.com/dkeye/Mirror/internal/domain"
	"github.com/dkeye/Mirror/internal/timesync"
	"github.com/dkeye/Mirror/internal/transport"
)

type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

// Params configures one session. Exactly one Coordinator is active per
// process; a second Start on the same Coordinator is an error.
type Params struct {
	Role     Role
	ClientID domain.ClientID
	RoomID   domain.RoomID
	Token    string

	// Stream is the client's requested StreamParams; on the host it is the
	// default answered when the client's request is unusable.
	Stream domain.StreamParams
	// DecodeCodecs is the client's decode capability list, preference
	// ordered. EncodeCodecs is what the host's encoder can produce.
	DecodeCodecs []domain.Codec
	EncodeCodecs []domain.Codec

	Signaling Signaler
	// NewRealtime builds the preferred direct transport; outgoing SDP/ICE
	// blobs are handed to onSignal for relaying. NewReliable builds the
	// relayed fallback.
	NewRealtime func(onSignal func(key, value string)) core.TransportChannel
	NewReliable func() core.TransportChannel

	// NewCapture (host) builds the capture pipeline feeding sink.
	// NewRender (client) builds the decode+render pipeline.
	NewCapture func(p domain.StreamParams, sink func(*domain.EncodedFrame)) (CapturePipeline, error)
	NewRender  func(p domain.StreamParams) (RenderPipeline, error)

	Replayer InputReplayer // host only
	Status   core.StatusSink

	KeepaliveInterval time.Duration
	ConnectTimeout    time.Duration
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffCeiling    time.Duration
}

func (p *Params) validate() error {
	if p.ClientID == "" || p.RoomID == "" {
		return fmt.Errorf("%w: missing client or room id", core.ErrInvalidConfig)
	}
	if p.Role != RoleHost && p.Role != RoleClient {
		return fmt.Errorf("%w: bad role %q", core.ErrInvalidConfig, p.Role)
	}
	if p.Signaling == nil {
		return fmt.Errorf("%w: no signaling client", core.ErrInvalidConfig)
	}
	if p.Role == RoleClient {
		if err := p.Stream.Validate(); err != nil {
			return fmt.Errorf("%w: %v", core.ErrInvalidConfig, err)
		}
		if p.NewRender == nil {
			return fmt.Errorf("%w: no render factory", core.ErrInvalidConfig)
		}
	}
	if p.Role == RoleHost && p.NewCapture == nil {
		return fmt.Errorf("%w: no capture factory", core.ErrInvalidConfig)
	}
	if p.NewRealtime == nil && p.NewReliable == nil {
		return fmt.Errorf("%w: no transport factory", core.ErrInvalidConfig)
	}
	return nil
}

func (p *Params) fillDefaults() {
	if p.KeepaliveInterval <= 0 {
		p.KeepaliveInterval = 500 * time.Millisecond
	}
	if p.ConnectTimeout <= 0 {
		p.ConnectTimeout = 10 * time.Second
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 5
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = 250 * time.Millisecond
	}
	if p.BackoffCeiling <= 0 {
		p.BackoffCeiling = 5 * time.Second
	}
	if p.Status == nil {
		p.Status = core.NopStatusSink{}
	}
}

// Coordinator drives one streaming session end to end. All mutable state
// below is touched only from the runloop.
type Coordinator struct {
	p    Params
	loop *runLoop

	state     domain.SessionState
	stateWord atomic.Int32 // mirror of state for cross-thread snapshots
	peer      domain.ClientID
	link      domain.LinkType
	stream    domain.StreamParams
	applied   uint64 // highest reconfigure version applied (host)

	// tmu guards the transport pointer swap; the capture loop reads it
	// while the runloop replaces it.
	tmu           sync.Mutex
	transport     core.TransportChannel
	transportKind int // 0 realtime, 1 reliable
	connectTimer  *time.Timer

	capture CapturePipeline
	render  RenderPipeline

	ts            timesync.TimeSync
	stats         domain.LinkStats
	lastAlive     time.Time
	keepTimer     *time.Timer
	retries       int
	boff          transport.Backoff
	absoluteMouse bool

	lastSeq   uint64
	haveSeq   bool
	stopping  chan struct{} // closed once Stop begins
	startOnce bool
}

func NewCoordinator(p Params) *Coordinator {
	p.fillDefaults()
	return &Coordinator{
		p:             p,
		loop:          newRunLoop(),
		state:         domain.StateIdle,
		stream:        p.Stream,
		boff:          transport.Backoff{Base: p.BackoffBase, Ceiling: p.BackoffCeiling},
		absoluteMouse: true,
		stopping:      make(chan struct{}),
	}
}

// State is a point-in-time snapshot for the UI/status surface.
func (c *Coordinator) State() domain.SessionState {
	return domain.SessionState(c.stateWord.Load())
}

// setTransport swaps the transport pointer under the mutex so the capture
// loop never observes a half-replaced channel.
func (c *Coordinator) setTransport(t core.TransportChannel) {
	c.tmu.Lock()
	c.transport = t
	c.tmu.Unlock()
}

func (c *Coordinator) getTransport() core.TransportChannel {
	c.tmu.Lock()
	defer c.tmu.Unlock()
	return c.transport
}

// Start begins signaling connection. Fails fast with ErrInvalidConfig on bad
// params; every later failure arrives through the status sink.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.p.validate(); err != nil {
		return err
	}
	if c.startOnce {
		return fmt.Errorf("%w: coordinator reused", core.ErrInvalidConfig)
	}
	if c.stopRequested() {
		return fmt.Errorf("%w: coordinator stopped", core.ErrClosed)
	}
	c.startOnce = true
	c.loop.start()

	c.p.Signaling.OnConnected(func() {
		c.loop.post(c.onSignalingConnected)
	})
	c.p.Signaling.OnDisconnected(func() {
		c.loop.post(c.onSignalingDisconnected)
	})
	c.p.Signaling.OnMessage(func(msg any) {
		c.loop.post(func() { c.onSignalingMessage(msg) })
	})

	c.loop.post(func() {
		c.setState(domain.StateSignalingConnecting)
		if err := c.p.Signaling.Dial(ctx); err != nil {
			log.Error().Err(err).Str("module", "session").Msg("signaling dial")
			c.fail(core.CodeTransportFailure)
		}
	})
	return nil
}

// Stop transitions to Closed from any state, releases everything, and
// guarantees no status callback fires after it returns. Idempotent, safe
// from any goroutine.
func (c *Coordinator) Stop() {
	select {
	case <-c.stopping:
		c.loop.wait()
		return
	default:
	}
	close(c.stopping)

	done := make(chan struct{})
	ran := false
	if c.loop.alive() {
		ran = c.loop.post(func() {
			c.teardown(domain.StateClosed, "")
			close(done)
		})
	}
	if ran {
		// The loop may quit before draining the task (fail() raced us, or
		// Start was never called); done alone would block forever then.
		select {
		case <-done:
		case <-c.loop.done:
			ran = false
		}
	}
	c.loop.stop()
	c.loop.wait()
	if !ran {
		// Loop is dead, nothing else touches session state; finish inline.
		c.teardown(domain.StateClosed, "")
	}
}

func (c *Coordinator) stopRequested() bool {
	select {
	case <-c.stopping:
		return true
	default:
		return false
	}
}

// setState emits the status callback unless the session is already torn
// down. Runloop only.
func (c *Coordinator) setState(s domain.SessionState) {
	if c.state == s || c.state.Terminal() {
		return
	}
	log.Info().Str("module", "session").
		Str("from", c.state.String()).Str("to", s.String()).Msg("state")
	c.state = s
	c.stateWord.Store(int32(s))
	if !c.stopRequested() || s == domain.StateClosed {
		c.p.Status.OnStatus(s)
	}
}

// fail ends the session with a code. Runloop only.
func (c *Coordinator) fail(code core.ErrorCode) {
	if c.state.Terminal() {
		return
	}
	if !c.stopRequested() {
		c.p.Status.OnError(code)
	}
	c.teardown(domain.StateFailed, code)
	c.loop.stop()
}

// teardown releases pipelines and transports deterministically whatever the
// current state. Runloop only.
func (c *Coordinator) teardown(final domain.SessionState, code core.ErrorCode) {
	if c.keepTimer != nil {
		c.keepTimer.Stop()
		c.keepTimer = nil
	}
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
	if c.capture != nil {
		c.capture.Close()
		c.capture = nil
	}
	if c.render != nil {
		c.render.Close()
		c.render = nil
	}
	if t := c.getTransport(); t != nil {
		c.setTransport(nil)
		t.Close()
	}
	if c.p.Signaling != nil {
		c.p.Signaling.Close()
	}
	c.setState(final)
	if code != "" {
		log.Warn().Str("module", "session").Str("code", string(code)).Msg("session ended")
	}
}
