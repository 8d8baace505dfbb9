package app

import (
	"context"

	"github.com/dkeye/Mirror/internal/domain"
)

// Signaler is what the coordinator needs from the signaling client.
// Implemented by signaling.Client; faked in tests.
type Signaler interface {
	Dial(ctx context.Context) error
	Send(v any) error
	Close()
	OnConnected(func())
	OnDisconnected(func())
	OnMessage(func(msg any))
}

// CapturePipeline is the host-side capture+encode stage as the coordinator
// sees it. Implemented by pipeline/capture.
type CapturePipeline interface {
	Start() error
	// Reconfigure applies live changes; ErrResetRequired means the caller
	// must rebuild the pipeline with the new params instead.
	Reconfigure(p domain.StreamParams) error
	RequestKeyframe()
	Close()
}

// RenderPipeline is the client-side decode+render stage.
type RenderPipeline interface {
	Start() error
	Submit(f *domain.EncodedFrame)
	UpdateCursor(c domain.CursorState)
	SwitchMouseMode(absolute bool)
	Close()
}

// InputReplayer maps and injects remote input on the host.
type InputReplayer interface {
	Replay(ev domain.InputEvent) error
}
