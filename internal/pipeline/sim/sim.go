// Package sim provides software stand-ins for the platform capture, encode,
// decode and render backends. The real GPU/hardware-codec bindings live with
// the service layer and implement the same core interfaces; sim keeps the
// engine runnable and testable without them.
package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mirror/internal/core"
	"github.com/dkeye/Mirror/internal/domain"
)

type surface struct {
	ts int64
}

func (s *surface) Timestamp() int64 { return s.ts }
func (s *surface) Release()         {}

// Capturer emits a synthetic changed-display frame per refresh interval and
// ErrNoNewFrame between them, mimicking a duplication API.
type Capturer struct {
	interval time.Duration
	last     time.Time
	mu       sync.Mutex
	closed   bool
}

func NewCapturer(p domain.StreamParams) (core.VideoCapturer, error) {
	refresh := p.RefreshRate
	if refresh == 0 {
		refresh = 60
	}
	return &Capturer{interval: time.Second / time.Duration(refresh)}, nil
}

func (c *Capturer) Capture(maxWaitMs int64) (core.Surface, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, core.ErrClosed
	}
	now := time.Now()
	due := c.last.Add(c.interval)
	c.mu.Unlock()

	if now.Before(due) {
		wait := due.Sub(now)
		if limit := time.Duration(maxWaitMs) * time.Millisecond; wait > limit {
			time.Sleep(limit)
			return nil, core.ErrNoNewFrame
		}
		time.Sleep(wait)
	}
	c.mu.Lock()
	c.last = time.Now()
	c.mu.Unlock()
	return &surface{ts: time.Now().UnixMicro()}, nil
}

func (c *Capturer) Device() any { return "sim-device" }

func (c *Capturer) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Encoder fabricates opaque payloads sized to the configured bitrate.
type Encoder struct {
	mu     sync.Mutex
	params domain.StreamParams
}

func NewEncoder(device any, p domain.StreamParams) (core.VideoEncoder, error) {
	if device == nil {
		return nil, core.ErrDeviceUnsupported
	}
	if !p.Codec.Valid() {
		return nil, core.ErrDeviceUnsupported
	}
	return &Encoder{params: p}, nil
}

func (e *Encoder) Encode(s core.Surface, forceKeyframe bool) (*domain.EncodedFrame, error) {
	e.mu.Lock()
	p := e.params
	e.mu.Unlock()

	refresh := p.RefreshRate
	if refresh == 0 {
		refresh = 60
	}
	size := int(p.BitrateBps / 8 / refresh)
	if size < 64 {
		size = 64
	}
	if forceKeyframe {
		size *= 4
	}
	return &domain.EncodedFrame{
		Payload:    make([]byte, size),
		IsKeyframe: forceKeyframe,
	}, nil
}

func (e *Encoder) Reconfigure(p domain.StreamParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.params.NeedsReset(p) {
		return core.ErrResetRequired
	}
	e.params = p
	return nil
}

func (e *Encoder) Close() {}

// Decoder passes payloads through as opaque textures.
type Decoder struct{}

func NewDecoder(p domain.StreamParams) (core.VideoDecoder, error) {
	return &Decoder{}, nil
}

func (d *Decoder) Decode(f *domain.EncodedFrame) (any, error) {
	if len(f.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", core.ErrDecodeFailure)
	}
	return f.Payload, nil
}

func (d *Decoder) Close() {}

// Renderer tracks presentation state; real backends swap in the GPU path.
type Renderer struct {
	mu       sync.Mutex
	cursor   domain.CursorState
	absolute bool
	rendered uint64
}

func NewRenderer(p domain.StreamParams) (core.VideoRenderer, error) {
	return &Renderer{absolute: true}, nil
}

func (r *Renderer) BindTextures(textures []any) error { return nil }

func (r *Renderer) Render(seq uint64) core.RenderResult {
	r.mu.Lock()
	r.rendered = seq
	r.mu.Unlock()
	return core.RenderSuccess
}

func (r *Renderer) UpdateCursor(c domain.CursorState) {
	r.mu.Lock()
	r.cursor = c
	r.mu.Unlock()
}

func (r *Renderer) Cursor() domain.CursorState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

func (r *Renderer) SwitchMouseMode(absolute bool) {
	r.mu.Lock()
	r.absolute = absolute
	r.mu.Unlock()
}

func (r *Renderer) ResetRenderTarget() error { return nil }

func (r *Renderer) WaitForPipeline(maxWaitMs int64) bool { return true }

func (r *Renderer) Close() {}

// Injector logs replayed input instead of touching the OS.
type Injector struct{}

func (Injector) Inject(ev domain.InputEvent) error {
	log.Debug().Str("module", "sim").Str("kind", string(ev.Kind)).Msg("input injected")
	return nil
}
