// Package render runs the client's decode→render loop, paced independently
// of the network. It favors interactivity: the newest frame wins, GPU waits
// are bounded, and the cursor overlay tracks its latest state even when no
// video arrives.
package render

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mirror/internal/core"
	"github.com/dkeye/Mirror/internal/domain"
)

const (
	decodeFailLimit = 3
	resetFailLimit  = 3

	// inbox depth: enough to absorb jitter, small enough that a stalled
	// renderer sheds frames instead of building latency.
	inboxDepth = 3
)

type Pipeline struct {
	params      domain.StreamParams
	newDecoder  core.DecoderFactory
	newRenderer core.RendererFactory

	// mu guards the decoder/renderer pair across reset swaps.
	mu       sync.Mutex
	decoder  core.VideoDecoder
	renderer core.VideoRenderer

	inbox       chan *domain.EncodedFrame
	cursorDirty atomic.Bool
	maxFenceMs  int64
	lastSeq     atomic.Uint64
	dropped     atomic.Uint64

	started   atomic.Bool
	closeOnce sync.Once
	quit      chan struct{}
	done      chan struct{}
}

func New(p domain.StreamParams, df core.DecoderFactory, rf core.RendererFactory, maxFenceWaitMs int64) (*Pipeline, error) {
	if maxFenceWaitMs <= 0 {
		maxFenceWaitMs = 16
	}
	pl := &Pipeline{
		params:      p,
		newDecoder:  df,
		newRenderer: rf,
		inbox:       make(chan *domain.EncodedFrame, inboxDepth),
		maxFenceMs:  maxFenceWaitMs,
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	if err := pl.initStages(); err != nil {
		return nil, err
	}
	return pl, nil
}

func (pl *Pipeline) initStages() error {
	decoder, err := pl.newDecoder(pl.params)
	if err != nil {
		return fmt.Errorf("decoder init: %w", err)
	}
	renderer, err := pl.newRenderer(pl.params)
	if err != nil {
		decoder.Close()
		return fmt.Errorf("renderer init: %w", err)
	}
	pl.mu.Lock()
	pl.decoder = decoder
	pl.renderer = renderer
	pl.mu.Unlock()
	return nil
}

func (pl *Pipeline) Start() error {
	if !pl.started.CompareAndSwap(false, true) {
		return fmt.Errorf("render pipeline started twice")
	}
	go pl.run()
	return nil
}

// Submit hands a frame to the render loop without blocking; when the inbox
// is full the oldest queued frame gives way.
func (pl *Pipeline) Submit(f *domain.EncodedFrame) {
	for {
		select {
		case pl.inbox <- f:
			return
		default:
		}
		select {
		case <-pl.inbox:
			pl.dropped.Add(1)
		default:
		}
	}
}

// UpdateCursor applies immediately, independent of frame cadence; the loop
// re-presents on the next tick even without new video.
func (pl *Pipeline) UpdateCursor(c domain.CursorState) {
	pl.mu.Lock()
	r := pl.renderer
	pl.mu.Unlock()
	if r == nil {
		return
	}
	r.UpdateCursor(c)
	pl.cursorDirty.Store(true)
}

func (pl *Pipeline) SwitchMouseMode(absolute bool) {
	pl.mu.Lock()
	r := pl.renderer
	pl.mu.Unlock()
	if r != nil {
		r.SwitchMouseMode(absolute)
	}
}

// LastRendered is the seq of the newest frame presented.
func (pl *Pipeline) LastRendered() uint64 { return pl.lastSeq.Load() }

func (pl *Pipeline) Dropped() uint64 { return pl.dropped.Load() }

func (pl *Pipeline) run() {
	defer close(pl.done)

	refresh := pl.params.RefreshRate
	if refresh == 0 {
		refresh = 60
	}
	tick := time.NewTicker(time.Second / time.Duration(refresh))
	defer tick.Stop()

	decodeFails := 0
	resetFails := 0

	for {
		select {
		case <-pl.quit:
			return
		case f := <-pl.inbox:
			if pl.presentFrame(f, &decodeFails, &resetFails) {
				return
			}
		case <-tick.C:
			// No new video: re-present only when the cursor moved.
			if pl.cursorDirty.Swap(false) {
				if pl.present(pl.lastSeq.Load(), &resetFails) {
					return
				}
			}
		}
	}
}

// presentFrame decodes and presents one frame. Returns true when the loop
// must exit.
func (pl *Pipeline) presentFrame(f *domain.EncodedFrame, decodeFails, resetFails *int) bool {
	pl.mu.Lock()
	decoder := pl.decoder
	pl.mu.Unlock()
	if decoder == nil {
		return true
	}

	texture, err := decoder.Decode(f)
	if err != nil {
		*decodeFails++
		log.Warn().Err(err).Str("module", "render").Uint64("seq", f.Seq).Int("fails", *decodeFails).Msg("frame dropped")
		if *decodeFails >= decodeFailLimit {
			// Escalate to device-loss handling: rebuild both stages.
			*decodeFails = 0
			if rerr := pl.reinit(); rerr != nil {
				log.Error().Err(rerr).Str("module", "render").Msg("reinit failed")
				return true
			}
		}
		return false
	}
	*decodeFails = 0

	pl.mu.Lock()
	renderer := pl.renderer
	pl.mu.Unlock()
	if renderer == nil {
		return true
	}
	if texture != nil {
		if err := renderer.BindTextures([]any{texture}); err != nil {
			log.Warn().Err(err).Str("module", "render").Msg("bind textures")
			return false
		}
	}
	pl.lastSeq.Store(f.Seq)
	pl.cursorDirty.Store(false)
	return pl.present(f.Seq, resetFails)
}

// present runs the bounded-fence render and the swap-chain reset dance.
// Repeated reset failure is a pipeline fault, not a session fault: log, skip
// and carry on until the display settles.
func (pl *Pipeline) present(seq uint64, resetFails *int) bool {
	pl.mu.Lock()
	renderer := pl.renderer
	pl.mu.Unlock()
	if renderer == nil {
		return true
	}

	if !renderer.WaitForPipeline(pl.maxFenceMs) {
		// Fence timed out; skipping the frame keeps the session
		// interactive.
		log.Debug().Str("module", "render").Uint64("seq", seq).Msg("fence timeout, frame skipped")
		return false
	}

	switch renderer.Render(seq) {
	case core.RenderSuccess:
		*resetFails = 0
	case core.RenderNeedsReset:
		if err := renderer.ResetRenderTarget(); err != nil {
			*resetFails++
			log.Warn().Err(err).Str("module", "render").Int("fails", *resetFails).Msg("swap chain reset")
			if *resetFails >= resetFailLimit {
				log.Error().Str("module", "render").Msg("render target unrecoverable, waiting for display change")
				*resetFails = 0
			}
		}
	case core.RenderFailed:
		log.Warn().Str("module", "render").Uint64("seq", seq).Msg("render failed")
	}
	return false
}

func (pl *Pipeline) reinit() error {
	pl.mu.Lock()
	if pl.decoder != nil {
		pl.decoder.Close()
		pl.decoder = nil
	}
	if pl.renderer != nil {
		pl.renderer.Close()
		pl.renderer = nil
	}
	pl.mu.Unlock()
	return pl.initStages()
}

func (pl *Pipeline) Close() {
	pl.closeOnce.Do(func() {
		close(pl.quit)
		if pl.started.Load() {
			<-pl.done
		}
		pl.mu.Lock()
		defer pl.mu.Unlock()
		if pl.decoder != nil {
			pl.decoder.Close()
			pl.decoder = nil
		}
		if pl.renderer != nil {
			pl.renderer.Close()
			pl.renderer = nil
		}
	})
}
