package core

import "github.com/dkeye/Mirror/internal/domain"

// VideoCapturer pulls raw frames from the display subsystem. Implementations
// are platform bindings (DXGI, pipewire, test sources) supplied from outside
// the core.
type VideoCapturer interface {
	// Capture blocks until a frame is available or maxWaitMs elapses.
	// Returns ErrNoNewFrame when the display content has not changed,
	// ErrDeviceLoss when the GPU device was removed.
	Capture(maxWaitMs int64) (Surface, error)
	// Device returns the GPU device handle the encoder must share.
	Device() any
	Close()
}

// Surface is an opaque captured frame handle owned by the capturer until the
// encoder consumes it.
type Surface interface {
	Timestamp() int64
	Release()
}

// VideoEncoder wraps a hardware encoder session bound to the capturer's
// device.
type VideoEncoder interface {
	// Encode consumes the surface and returns the compressed frame.
	// forceKeyframe makes the result self-contained.
	Encode(s Surface, forceKeyframe bool) (*domain.EncodedFrame, error)
	// Reconfigure applies bitrate/fps/qp changes on the live session.
	// Returns ErrResetRequired if the change needs a full rebuild.
	Reconfigure(p domain.StreamParams) error
	Close()
}

// EncoderFactory creates an encoder on the given device, or
// ErrDeviceUnsupported when the codec/format combination is unavailable.
type EncoderFactory func(device any, p domain.StreamParams) (VideoEncoder, error)

// CapturerFactory creates a capturer bound to the display output that owns
// the requested resolution.
type CapturerFactory func(p domain.StreamParams) (VideoCapturer, error)

type RenderResult int

const (
	RenderSuccess RenderResult = iota
	RenderNeedsReset
	RenderFailed
)

// VideoRenderer is the GPU-composited presentation stage: decoded texture
// plus cursor overlay.
type VideoRenderer interface {
	BindTextures(textures []any) error
	// Render presents the decoded frame identified by seq, compositing the
	// cursor overlay when visible.
	Render(seq uint64) RenderResult
	UpdateCursor(c domain.CursorState)
	SwitchMouseMode(absolute bool)
	ResetRenderTarget() error
	// WaitForPipeline bounds the GPU fence wait; returns false on timeout
	// so the caller can skip the frame.
	WaitForPipeline(maxWaitMs int64) bool
	Close()
}

// VideoDecoder turns encoded frames into textures the renderer binds.
type VideoDecoder interface {
	Decode(f *domain.EncodedFrame) (texture any, err error)
	Close()
}

type (
	DecoderFactory  func(p domain.StreamParams) (VideoDecoder, error)
	RendererFactory func(p domain.StreamParams) (VideoRenderer, error)
)

// InputInjector replays normalized events as synthetic input on the host.
// Implementations need the elevated-injection capability from the service
// layer.
type InputInjector interface {
	Inject(ev domain.InputEvent) error
}
