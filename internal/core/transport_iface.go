package core

import (
	"context"

	"github.com/dkeye/Mirror/internal/domain"
)

// TransportChannel is the bidirectional conduit between the two peers.
// Control is reliable and ordered; media is best-effort and favors recency:
// under saturation the oldest unflushed frame is dropped, never the newest.
//
// Callbacks must be set before Connect. All callbacks may fire from the
// transport's own goroutines; the coordinator reposts them onto its runloop.
type TransportChannel interface {
	// Connect is asynchronous; the outcome arrives via OnConnected/OnClosed.
	Connect(ctx context.Context) error
	// Reconnect re-establishes the link with the already negotiated
	// parameters. No signaling/room state is renegotiated.
	Reconnect()

	// SendControl queues while disconnected and flushes on reconnect.
	SendControl(data []byte) error
	// SendMedia never blocks and never retries.
	SendMedia(data []byte) error

	Close()

	OnConnected(func(domain.LinkType))
	OnReconnecting(func())
	OnClosed(func())
	OnControl(func(data []byte))
	OnMedia(func(data []byte))
}
