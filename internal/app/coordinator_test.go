package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Mirror/internal/core"
	"github.com/dkeye/Mirror/internal/domain"
	"github.com/dkeye/Mirror/internal/protocol"
)

// --- fakes ---

type fakeSignaler struct {
	mu           sync.Mutex
	sent         []any
	closed       int
	dialErr      error
	onConnected  func()
	onDisconnect func()
	onMessage    func(any)
}

func (s *fakeSignaler) Dial(ctx context.Context) error {
	if s.dialErr != nil {
		return s.dialErr
	}
	// The real client reports connected from its pump; here the dial
	// itself is the connection.
	if s.onConnected != nil {
		s.onConnected()
	}
	return nil
}

func (s *fakeSignaler) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, v)
	return nil
}

func (s *fakeSignaler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
}

func (s *fakeSignaler) OnConnected(fn func())    { s.onConnected = fn }
func (s *fakeSignaler) OnDisconnected(fn func()) { s.onDisconnect = fn }
func (s *fakeSignaler) OnMessage(fn func(any))   { s.onMessage = fn }

// deliver injects a server-to-client signaling message.
func (s *fakeSignaler) deliver(msg any) { s.onMessage(msg) }

func (s *fakeSignaler) sentMessages() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.sent))
	copy(out, s.sent)
	return out
}

type fakeTransport struct {
	mu          sync.Mutex
	control     [][]byte
	media       [][]byte
	connects    int
	reconnects  int
	closed      bool
	autoConnect bool // fire OnConnected from Connect
	autoReconn  bool // fire OnConnected from Reconnect
	link        domain.LinkType

	onConnected    func(domain.LinkType)
	onReconnecting func()
	onClosed       func()
	onControl      func([]byte)
	onMedia        func([]byte)
}

func newFakeTransport(autoConnect bool) *fakeTransport {
	return &fakeTransport{autoConnect: autoConnect, link: domain.LinkP2P}
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.connects++
	auto, cb, link := t.autoConnect, t.onConnected, t.link
	t.mu.Unlock()
	if auto && cb != nil {
		cb(link)
	}
	return nil
}

func (t *fakeTransport) Reconnect() {
	t.mu.Lock()
	t.reconnects++
	auto, cb, link := t.autoReconn, t.onConnected, t.link
	t.mu.Unlock()
	if auto && cb != nil {
		cb(link)
	}
}

func (t *fakeTransport) SendControl(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.control = append(t.control, data)
	return nil
}

func (t *fakeTransport) SendMedia(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.media = append(t.media, data)
	return nil
}

func (t *fakeTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

func (t *fakeTransport) OnConnected(fn func(domain.LinkType)) { t.mu.Lock(); t.onConnected = fn; t.mu.Unlock() }
func (t *fakeTransport) OnReconnecting(fn func())             { t.mu.Lock(); t.onReconnecting = fn; t.mu.Unlock() }
func (t *fakeTransport) OnClosed(fn func())                   { t.mu.Lock(); t.onClosed = fn; t.mu.Unlock() }
func (t *fakeTransport) OnControl(fn func([]byte))            { t.mu.Lock(); t.onControl = fn; t.mu.Unlock() }
func (t *fakeTransport) OnMedia(fn func([]byte))              { t.mu.Lock(); t.onMedia = fn; t.mu.Unlock() }

// waitBound blocks until the coordinator has wired the channel callbacks.
func (t *fakeTransport) waitBound(tt *testing.T) {
	tt.Helper()
	require.Eventually(tt, func() bool {
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.onControl != nil && t.onMedia != nil
	}, 2*time.Second, time.Millisecond, "transport callbacks never bound")
}

func (t *fakeTransport) deliverControl(tt *testing.T, v any) {
	tt.Helper()
	data, err := protocol.Encode(v)
	require.NoError(tt, err)
	t.waitBound(tt)
	t.mu.Lock()
	cb := t.onControl
	t.mu.Unlock()
	cb(data)
}

func (t *fakeTransport) deliverMedia(f *domain.EncodedFrame) {
	t.mu.Lock()
	cb := t.onMedia
	t.mu.Unlock()
	if cb != nil {
		cb(protocol.EncodeMediaFrame(f))
	}
}

// decodedControl returns the control messages sent so far, decoded.
func (t *fakeTransport) decodedControl(tt *testing.T) []any {
	tt.Helper()
	t.mu.Lock()
	raw := make([][]byte, len(t.control))
	copy(raw, t.control)
	t.mu.Unlock()
	out := make([]any, 0, len(raw))
	for _, data := range raw {
		msg, err := protocol.Decode(data)
		require.NoError(tt, err)
		out = append(out, msg)
	}
	return out
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) reconnectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconnects
}

type fakeCapture struct {
	mu          sync.Mutex
	started     bool
	closed      bool
	keyframes   int
	reconfigs   []domain.StreamParams
	reconfigErr error
	sink        func(*domain.EncodedFrame)
}

func (f *fakeCapture) Start() error { f.mu.Lock(); f.started = true; f.mu.Unlock(); return nil }
func (f *fakeCapture) Reconfigure(p domain.StreamParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconfigs = append(f.reconfigs, p)
	return f.reconfigErr
}
func (f *fakeCapture) RequestKeyframe() { f.mu.Lock(); f.keyframes++; f.mu.Unlock() }
func (f *fakeCapture) Close()           { f.mu.Lock(); f.closed = true; f.mu.Unlock() }

type fakeRender struct {
	mu      sync.Mutex
	started bool
	closed  bool
	frames  []*domain.EncodedFrame
	cursors []domain.CursorState
	modes   []bool
}

func (f *fakeRender) Start() error { f.mu.Lock(); f.started = true; f.mu.Unlock(); return nil }
func (f *fakeRender) Submit(fr *domain.EncodedFrame) {
	f.mu.Lock()
	f.frames = append(f.frames, fr)
	f.mu.Unlock()
}
func (f *fakeRender) UpdateCursor(c domain.CursorState) {
	f.mu.Lock()
	f.cursors = append(f.cursors, c)
	f.mu.Unlock()
}
func (f *fakeRender) SwitchMouseMode(absolute bool) {
	f.mu.Lock()
	f.modes = append(f.modes, absolute)
	f.mu.Unlock()
}
func (f *fakeRender) Close() { f.mu.Lock(); f.closed = true; f.mu.Unlock() }

func (f *fakeRender) frameSeqs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	seqs := make([]uint64, 0, len(f.frames))
	for _, fr := range f.frames {
		seqs = append(seqs, fr.Seq)
	}
	return seqs
}

// recordingSink collects status callbacks and exposes them on channels so
// tests can wait for transitions.
type recordingSink struct {
	mu      sync.Mutex
	states  []domain.SessionState
	errs    []core.ErrorCode
	confirm bool
	stateCh chan domain.SessionState
	errCh   chan core.ErrorCode
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		confirm: true,
		stateCh: make(chan domain.SessionState, 64),
		errCh:   make(chan core.ErrorCode, 16),
	}
}

func (s *recordingSink) OnStatus(state domain.SessionState) {
	s.mu.Lock()
	s.states = append(s.states, state)
	s.mu.Unlock()
	s.stateCh <- state
}

func (s *recordingSink) OnError(code core.ErrorCode) {
	s.mu.Lock()
	s.errs = append(s.errs, code)
	s.mu.Unlock()
	s.errCh <- code
}

func (s *recordingSink) OnConfirmConnectionRequest(domain.ClientID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirm
}

func (s *recordingSink) setConfirm(v bool) {
	s.mu.Lock()
	s.confirm = v
	s.mu.Unlock()
}

// waitState blocks until the sink observes want.
func (s *recordingSink) waitState(t *testing.T, want domain.SessionState) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-s.stateCh:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("never reached state %s", want)
		}
	}
}

func (s *recordingSink) waitError(t *testing.T, want core.ErrorCode) {
	t.Helper()
	select {
	case got := <-s.errCh:
		assert.Equal(t, want, got)
	case <-time.After(3 * time.Second):
		t.Fatalf("never got error %s", want)
	}
}

func (s *recordingSink) stateHistory() []domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SessionState, len(s.states))
	copy(out, s.states)
	return out
}

// --- scenario rig ---

type sessionRig struct {
	sig       *fakeSignaler
	transport *fakeTransport
	capture   *fakeCapture
	render    *fakeRender
	sink      *recordingSink
	coord     *Coordinator
}

func streamParams() domain.StreamParams {
	return domain.StreamParams{
		Width: 1920, Height: 1080, RefreshRate: 60,
		Codec: domain.CodecH264, BitrateBps: 8_000_000,
	}
}

func newSessionRig(t *testing.T, role Role, mutate func(*Params)) *sessionRig {
	t.Helper()
	r := &sessionRig{
		sig:       &fakeSignaler{},
		transport: newFakeTransport(true),
		capture:   &fakeCapture{},
		render:    &fakeRender{},
		sink:      newRecordingSink(),
	}
	p := Params{
		Role:      role,
		ClientID:  "local",
		RoomID:    "room-1",
		Stream:    streamParams(),
		Signaling: r.sig,
		Status:    r.sink,
		NewRealtime: func(onSignal func(key, value string)) core.TransportChannel {
			return r.transport
		},
		KeepaliveInterval: 50 * time.Millisecond,
		ConnectTimeout:    time.Second,
		BackoffBase:       10 * time.Millisecond,
		BackoffCeiling:    40 * time.Millisecond,
		MaxRetries:        3,
	}
	switch role {
	case RoleHost:
		p.EncodeCodecs = []domain.Codec{domain.CodecH264}
		p.NewCapture = func(sp domain.StreamParams, sink func(*domain.EncodedFrame)) (CapturePipeline, error) {
			r.capture.mu.Lock()
			r.capture.sink = sink
			r.capture.mu.Unlock()
			return r.capture, nil
		}
	case RoleClient:
		p.DecodeCodecs = []domain.Codec{domain.CodecH265, domain.CodecH264}
		p.NewRender = func(sp domain.StreamParams) (RenderPipeline, error) {
			return r.render, nil
		}
	}
	if mutate != nil {
		mutate(&p)
	}
	r.coord = NewCoordinator(p)
	require.NoError(t, r.coord.Start(context.Background()))
	t.Cleanup(r.coord.Stop)
	return r
}

// joinAsClient walks the rig to Streaming from the client's perspective.
func (r *sessionRig) joinAsClient(t *testing.T) {
	t.Helper()
	r.sink.waitState(t, domain.StateAwaitingJoinAck)
	r.sig.deliver(&protocol.JoinRoomAck{Type: protocol.TypeJoinRoomAck, Ok: true, Peer: "remote"})
	r.sink.waitState(t, domain.StateTransportConnecting)
	waitStartRequest(t, r.transport)

	params := streamParams()
	params.Version = 1
	r.transport.deliverControl(t, &protocol.StartTransmissionAck{
		Type: protocol.TypeStartTransmissionAck, Ok: true, Params: params,
	})
	r.sink.waitState(t, domain.StateStreaming)
}

// waitStartRequest blocks until the client's StartTransmission leaves through
// the transport, so the ack cannot race ahead of it.
func waitStartRequest(t *testing.T, tr *fakeTransport) {
	t.Helper()
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.control) > 0
	}, 2*time.Second, time.Millisecond, "client never sent start_transmission")
}

// joinAsHost walks the rig to Streaming from the host's perspective.
func (r *sessionRig) joinAsHost(t *testing.T) {
	t.Helper()
	r.sink.waitState(t, domain.StateAwaitingJoinAck)
	r.sig.deliver(&protocol.JoinRoomAck{Type: protocol.TypeJoinRoomAck, Ok: true, Peer: "remote"})
	r.sink.waitState(t, domain.StateTransportConnecting)

	r.transport.deliverControl(t, &protocol.StartTransmission{
		Type:   protocol.TypeStartTransmission,
		Params: streamParams(),
		Codecs: []domain.Codec{domain.CodecH265, domain.CodecH264},
	})
	r.sink.waitState(t, domain.StateStreaming)
}

// --- tests ---

func TestCoordinator_RejectsBadParams(t *testing.T) {
	c := NewCoordinator(Params{})
	err := c.Start(context.Background())
	require.ErrorIs(t, err, core.ErrInvalidConfig)
}

func TestCoordinator_ClientWalksToStreaming(t *testing.T) {
	r := newSessionRig(t, RoleClient, nil)
	r.joinAsClient(t)

	assert.Equal(t, domain.StateStreaming, r.coord.State())
	r.render.mu.Lock()
	started := r.render.started
	r.render.mu.Unlock()
	assert.True(t, started)

	// The intermediate states arrived in order.
	hist := r.sink.stateHistory()
	want := []domain.SessionState{
		domain.StateSignalingConnecting, domain.StateSignalingConnected,
		domain.StateAwaitingJoinAck, domain.StateRoomJoined,
		domain.StateTransportConnecting, domain.StateStreaming,
	}
	assert.Equal(t, want, hist[:len(want)])

	// The join carried our identity; the start request carried our decode
	// capabilities.
	sent := r.sig.sentMessages()
	require.NotEmpty(t, sent)
	join, ok := sent[0].(*protocol.JoinRoom)
	require.True(t, ok)
	assert.Equal(t, domain.ClientID("local"), join.ClientID)

	ctrl := r.transport.decodedControl(t)
	require.NotEmpty(t, ctrl)
	start, ok := ctrl[0].(*protocol.StartTransmission)
	require.True(t, ok)
	assert.Equal(t, []domain.Codec{domain.CodecH265, domain.CodecH264}, start.Codecs)
}

func TestCoordinator_HostNegotiatesAndStreams(t *testing.T) {
	r := newSessionRig(t, RoleHost, nil)
	r.joinAsHost(t)

	r.capture.mu.Lock()
	started := r.capture.started
	r.capture.mu.Unlock()
	assert.True(t, started)

	// The ack commits to the first offered codec the encoder supports.
	ctrl := r.transport.decodedControl(t)
	require.NotEmpty(t, ctrl)
	ack, ok := ctrl[0].(*protocol.StartTransmissionAck)
	require.True(t, ok)
	assert.True(t, ack.Ok)
	assert.Equal(t, domain.CodecH264, ack.Params.Codec)
	assert.Equal(t, uint64(1), ack.Params.Version)
}

func TestCoordinator_HostRejectsUnsupportedCodecs(t *testing.T) {
	r := newSessionRig(t, RoleHost, nil)
	r.sink.waitState(t, domain.StateAwaitingJoinAck)
	r.sig.deliver(&protocol.JoinRoomAck{Type: protocol.TypeJoinRoomAck, Ok: true, Peer: "remote"})
	r.sink.waitState(t, domain.StateTransportConnecting)

	r.transport.deliverControl(t, &protocol.StartTransmission{
		Type:   protocol.TypeStartTransmission,
		Params: streamParams(),
		Codecs: []domain.Codec{domain.CodecAV1},
	})
	r.sink.waitError(t, core.CodeUnsupportedCodec)

	ctrl := r.transport.decodedControl(t)
	require.NotEmpty(t, ctrl)
	ack, ok := ctrl[0].(*protocol.StartTransmissionAck)
	require.True(t, ok)
	assert.False(t, ack.Ok)
	assert.Equal(t, core.CodeUnsupportedCodec, ack.ErrCode)
}

func TestCoordinator_JoinRejected(t *testing.T) {
	r := newSessionRig(t, RoleClient, nil)
	r.sink.waitState(t, domain.StateAwaitingJoinAck)
	r.sig.deliver(&protocol.JoinRoomAck{Type: protocol.TypeJoinRoomAck, Ok: false, Error: "bad token"})
	r.sink.waitError(t, core.CodePeerRejected)
	r.sink.waitState(t, domain.StateFailed)
}

func TestCoordinator_HostDeclinesPeer(t *testing.T) {
	r := newSessionRig(t, RoleHost, nil)
	r.sink.setConfirm(false)
	r.sink.waitState(t, domain.StateAwaitingJoinAck)
	r.sig.deliver(&protocol.JoinRoomAck{Type: protocol.TypeJoinRoomAck, Ok: true, Peer: "remote"})
	r.sink.waitError(t, core.CodePeerRejected)
	assert.Equal(t, domain.StateFailed, r.coord.State())
}

func TestCoordinator_StopIsFinalAndIdempotent(t *testing.T) {
	r := newSessionRig(t, RoleClient, nil)
	r.joinAsClient(t)

	r.coord.Stop()
	assert.Equal(t, domain.StateClosed, r.coord.State())
	assert.True(t, r.transport.isClosed())
	r.render.mu.Lock()
	closed := r.render.closed
	r.render.mu.Unlock()
	assert.True(t, closed)

	before := len(r.sink.stateHistory())
	r.coord.Stop() // second stop is a no-op
	r.coord.SetStreamParams(streamParams())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, len(r.sink.stateHistory()), "no callbacks after Stop")
}

func TestCoordinator_StopBeforeJoin(t *testing.T) {
	r := newSessionRig(t, RoleClient, nil)
	r.coord.Stop()
	assert.Equal(t, domain.StateClosed, r.coord.State())
}

func TestCoordinator_StopWithoutStartReturns(t *testing.T) {
	c := NewCoordinator(Params{
		Role: RoleClient, ClientID: "local", RoomID: "room-1",
		Stream:    streamParams(),
		Signaling: &fakeSignaler{},
		NewRealtime: func(onSignal func(key, value string)) core.TransportChannel {
			return newFakeTransport(true)
		},
		NewRender: func(sp domain.StreamParams) (RenderPipeline, error) {
			return &fakeRender{}, nil
		},
	})

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop before Start never returned")
	}
	assert.Equal(t, domain.StateClosed, c.State())

	// The coordinator is spent; a late Start must refuse.
	require.ErrorIs(t, c.Start(context.Background()), core.ErrClosed)
}

func TestCoordinator_StopAfterFailureReturns(t *testing.T) {
	r := newSessionRig(t, RoleClient, nil)
	r.joinAsClient(t)

	r.transport.mu.Lock()
	cb := r.transport.onControl
	r.transport.mu.Unlock()
	cb([]byte("{{{"))
	r.sink.waitState(t, domain.StateFailed)

	done := make(chan struct{})
	go func() {
		r.coord.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop after failure never returned")
	}
	// Failed is final; Stop does not rewrite it.
	assert.Equal(t, domain.StateFailed, r.coord.State())
}

func TestCoordinator_MalformedControlFailsSession(t *testing.T) {
	r := newSessionRig(t, RoleClient, nil)
	r.joinAsClient(t)

	r.transport.mu.Lock()
	cb := r.transport.onControl
	r.transport.mu.Unlock()
	cb([]byte("{{{"))
	r.sink.waitError(t, core.CodeProtocolViolation)
	r.sink.waitState(t, domain.StateFailed)
}

func TestCoordinator_MediaDeliveryIsSeqMonotonic(t *testing.T) {
	r := newSessionRig(t, RoleClient, nil)
	r.joinAsClient(t)

	for _, seq := range []uint64{1, 3, 2, 3, 4} {
		r.transport.deliverMedia(&domain.EncodedFrame{Payload: []byte{1}, Seq: seq})
	}

	require.Eventually(t, func() bool {
		return len(r.render.frameSeqs()) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{1, 3, 4}, r.render.frameSeqs(),
		"stale and duplicate frames never reach the renderer")
}

func TestCoordinator_CursorReachesRendererWithoutFrames(t *testing.T) {
	r := newSessionRig(t, RoleClient, nil)
	r.joinAsClient(t)

	r.transport.deliverControl(t, &protocol.CursorInfo{
		Type: protocol.TypeCursorInfo, ID: 2, X: 0.4, Y: 0.6, Visible: true,
	})
	require.Eventually(t, func() bool {
		r.render.mu.Lock()
		defer r.render.mu.Unlock()
		return len(r.render.cursors) == 1
	}, 2*time.Second, 5*time.Millisecond)

	r.render.mu.Lock()
	cur := r.render.cursors[0]
	frames := len(r.render.frames)
	r.render.mu.Unlock()
	assert.InDelta(t, 0.4, cur.X, 1e-6)
	assert.True(t, cur.Visible)
	assert.Zero(t, frames)
}

func TestCoordinator_KeepaliveTimeoutClientReconnects(t *testing.T) {
	r := newSessionRig(t, RoleClient, nil)
	r.joinAsClient(t)

	// Never answer keepalives; the client gives the link up and tries to
	// re-establish the transport.
	r.sink.waitState(t, domain.StateReconnecting)
	require.Eventually(t, func() bool {
		return r.transport.reconnectCount() > 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCoordinator_ReconnectRestoresStreaming(t *testing.T) {
	r := newSessionRig(t, RoleClient, nil)
	r.transport.mu.Lock()
	r.transport.autoReconn = true
	r.transport.mu.Unlock()
	r.joinAsClient(t)

	r.sink.waitState(t, domain.StateReconnecting)
	r.sink.waitState(t, domain.StateStreaming)
}

func TestCoordinator_ReconnectGivesUpAfterRetries(t *testing.T) {
	r := newSessionRig(t, RoleClient, nil)
	r.joinAsClient(t)

	r.sink.waitState(t, domain.StateReconnecting)
	r.sink.waitError(t, core.CodeTransportFailure)
	r.sink.waitState(t, domain.StateFailed)
	assert.LessOrEqual(t, r.transport.reconnectCount(), 3)
}

func TestCoordinator_KeepaliveTimeoutHostCloses(t *testing.T) {
	r := newSessionRig(t, RoleHost, nil)
	r.joinAsHost(t)

	// The host has no user to wait on; a hung peer ends the session.
	r.sink.waitError(t, core.CodePeerHung)
	r.sink.waitState(t, domain.StateClosed)
	r.capture.mu.Lock()
	closed := r.capture.closed
	r.capture.mu.Unlock()
	assert.True(t, closed)
}

func TestCoordinator_KeepaliveAnsweredKeepsStreaming(t *testing.T) {
	r := newSessionRig(t, RoleHost, nil)
	r.joinAsHost(t)

	// Answer every keepalive for a while; the session must stay up well
	// past the timeout horizon.
	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		r.transport.deliverControl(t, &protocol.KeepAlive{
			Type: protocol.TypeKeepAlive, Timestamp: time.Now().UnixMicro(),
		})
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, domain.StateStreaming, r.coord.State())
}

func TestCoordinator_HostIgnoresStaleReconfigure(t *testing.T) {
	r := newSessionRig(t, RoleHost, nil)
	r.joinAsHost(t)

	stale := streamParams()
	stale.Version = 1 // already applied during start
	r.transport.deliverControl(t, &protocol.Reconfigure{Type: protocol.TypeReconfigure, Params: stale})

	fresh := streamParams()
	fresh.BitrateBps = 2_000_000
	fresh.Version = 2
	r.transport.deliverControl(t, &protocol.Reconfigure{Type: protocol.TypeReconfigure, Params: fresh})

	require.Eventually(t, func() bool {
		r.capture.mu.Lock()
		defer r.capture.mu.Unlock()
		return len(r.capture.reconfigs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	r.capture.mu.Lock()
	got := r.capture.reconfigs[0]
	r.capture.mu.Unlock()
	assert.Equal(t, uint32(2_000_000), got.BitrateBps)
}

func TestCoordinator_ResolutionChangeRebuildsCapture(t *testing.T) {
	r := newSessionRig(t, RoleHost, nil)
	r.capture.reconfigErr = core.ErrResetRequired
	r.joinAsHost(t)

	next := streamParams()
	next.Width, next.Height = 1280, 720
	next.Version = 2
	r.transport.deliverControl(t, &protocol.Reconfigure{Type: protocol.TypeReconfigure, Params: next})

	require.Eventually(t, func() bool {
		r.capture.mu.Lock()
		defer r.capture.mu.Unlock()
		return r.capture.closed && r.capture.keyframes > 0
	}, 2*time.Second, 5*time.Millisecond, "reset path must rebuild and resync")
	assert.Equal(t, domain.StateStreaming, r.coord.State())
}

func TestCoordinator_HostPushesCapturedFrames(t *testing.T) {
	r := newSessionRig(t, RoleHost, nil)
	r.joinAsHost(t)

	r.capture.mu.Lock()
	sink := r.capture.sink
	r.capture.mu.Unlock()
	require.NotNil(t, sink)

	sink(&domain.EncodedFrame{Payload: []byte{0xAA}, Seq: 7, IsKeyframe: true})

	require.Eventually(t, func() bool {
		r.transport.mu.Lock()
		defer r.transport.mu.Unlock()
		return len(r.transport.media) == 1
	}, 2*time.Second, 5*time.Millisecond)

	r.transport.mu.Lock()
	raw := r.transport.media[0]
	r.transport.mu.Unlock()
	f, err := protocol.DecodeMediaFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), f.Seq)
	assert.True(t, f.IsKeyframe)
}

func TestCoordinator_InputStampedWithPointerMode(t *testing.T) {
	r := newSessionRig(t, RoleClient, nil)
	r.joinAsClient(t)

	r.coord.SendInput(domain.InputEvent{Kind: domain.InputPointer, X: 0.5, Y: 0.5})

	require.Eventually(t, func() bool {
		ctrl := r.transport.decodedControl(t)
		for _, m := range ctrl {
			if in, ok := m.(*protocol.Input); ok {
				return in.Event.Absolute
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "pointer events default to absolute mode")
}

func TestCoordinator_SwitchMouseModePropagates(t *testing.T) {
	r := newSessionRig(t, RoleClient, nil)
	r.joinAsClient(t)

	r.coord.SwitchMouseMode(false)

	require.Eventually(t, func() bool {
		ctrl := r.transport.decodedControl(t)
		for _, m := range ctrl {
			if sw, ok := m.(*protocol.SwitchMouseMode); ok {
				return !sw.Absolute
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// Later pointer events carry the new mode.
	r.coord.SendInput(domain.InputEvent{Kind: domain.InputPointer, DX: 3})
	require.Eventually(t, func() bool {
		ctrl := r.transport.decodedControl(t)
		for _, m := range ctrl {
			if in, ok := m.(*protocol.Input); ok {
				return !in.Event.Absolute
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCoordinator_TimeSyncFillsLinkStats(t *testing.T) {
	r := newSessionRig(t, RoleClient, nil)
	r.joinAsClient(t)

	now := time.Now().UnixMicro()
	r.transport.deliverControl(t, &protocol.TimeSync{
		Type: protocol.TypeTimeSync, T0: now - 500, T1: now + 1000, T2: now + 1000,
	})

	require.Eventually(t, func() bool {
		return r.coord.LinkStats().RTT > 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCoordinator_HostReflectsTimeSyncProbe(t *testing.T) {
	r := newSessionRig(t, RoleHost, nil)
	r.joinAsHost(t)

	r.transport.deliverControl(t, &protocol.TimeSync{Type: protocol.TypeTimeSync, T0: 12345})

	require.Eventually(t, func() bool {
		ctrl := r.transport.decodedControl(t)
		for _, m := range ctrl {
			if ts, ok := m.(*protocol.TimeSync); ok && ts.T0 == 12345 {
				return ts.T1 != 0 && ts.T2 != 0
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "probe must come back with receive/send stamps")
}

func TestCoordinator_RemoteInputReachesReplayer(t *testing.T) {
	var mu sync.Mutex
	var replayed []domain.InputEvent
	r := newSessionRig(t, RoleHost, func(p *Params) {
		p.Replayer = replayFunc(func(ev domain.InputEvent) error {
			mu.Lock()
			replayed = append(replayed, ev)
			mu.Unlock()
			return nil
		})
	})
	r.joinAsHost(t)

	r.transport.deliverControl(t, &protocol.Input{
		Type:  protocol.TypeInput,
		Event: domain.InputEvent{Kind: domain.InputKey, Scancode: 0x04, Down: true},
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(replayed) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

type replayFunc func(ev domain.InputEvent) error

func (f replayFunc) Replay(ev domain.InputEvent) error { return f(ev) }

func TestCoordinator_FallsBackToReliableTransport(t *testing.T) {
	reliable := newFakeTransport(true)
	reliable.link = domain.LinkReliable
	var rt *fakeTransport
	r := newSessionRig(t, RoleClient, func(p *Params) {
		p.ConnectTimeout = 50 * time.Millisecond
		p.NewReliable = func() core.TransportChannel { return reliable }
	})
	rt = r.transport
	rt.mu.Lock()
	rt.autoConnect = false // realtime never comes up
	rt.mu.Unlock()

	r.sink.waitState(t, domain.StateAwaitingJoinAck)
	r.sig.deliver(&protocol.JoinRoomAck{Type: protocol.TypeJoinRoomAck, Ok: true, Peer: "remote"})

	// After the realtime attempt times out the reliable path connects and
	// the session proceeds.
	require.Eventually(t, func() bool { return rt.isClosed() }, 2*time.Second, 5*time.Millisecond)
	waitStartRequest(t, reliable)
	params := streamParams()
	params.Version = 1
	reliable.deliverControl(t, &protocol.StartTransmissionAck{
		Type: protocol.TypeStartTransmissionAck, Ok: true, Params: params,
	})
	r.sink.waitState(t, domain.StateStreaming)
}

func TestCoordinator_BothTransportsFailing(t *testing.T) {
	reliable := newFakeTransport(false)
	r := newSessionRig(t, RoleClient, func(p *Params) {
		p.ConnectTimeout = 30 * time.Millisecond
		p.NewReliable = func() core.TransportChannel { return reliable }
	})
	r.transport.mu.Lock()
	r.transport.autoConnect = false
	r.transport.mu.Unlock()

	r.sink.waitState(t, domain.StateAwaitingJoinAck)
	r.sig.deliver(&protocol.JoinRoomAck{Type: protocol.TypeJoinRoomAck, Ok: true, Peer: "remote"})

	r.sink.waitError(t, core.CodeTimeout)
	r.sink.waitState(t, domain.StateFailed)
}
