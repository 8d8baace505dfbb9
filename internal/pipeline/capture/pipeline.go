// Package capture runs the host's capture→encode loop. The loop is paced by
// the display subsystem (capture blocks with a timeout), decoupled from the
// network; encoded frames leave through the sink without blocking.
package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mirror/internal/core"
	"github.com/dkeye/Mirror/internal/domain"
)

const (
	// Consecutive per-frame encode failures before we treat the encoder
	// as a lost device.
	encodeFailLimit = 3
	// Consecutive failed device re-inits before the session dies.
	reinitLimit = 2
)

type Pipeline struct {
	params      domain.StreamParams
	newCapturer core.CapturerFactory
	newEncoder  core.EncoderFactory
	sink        func(*domain.EncodedFrame)

	// mu guards the capturer/encoder pair; the loop holds it per frame,
	// Reconfigure swaps under it.
	mu       sync.Mutex
	capturer core.VideoCapturer
	encoder  core.VideoEncoder

	seq      atomic.Uint64
	forceKey atomic.Bool
	onFatal  func(error)

	started   atomic.Bool
	closeOnce sync.Once
	quit      chan struct{}
	done      chan struct{}
}

// New binds to the display device and a hardware encoder for the requested
// codec. ErrDeviceUnsupported surfaces when the codec/format combination is
// unavailable.
func New(p domain.StreamParams, cf core.CapturerFactory, ef core.EncoderFactory, sink func(*domain.EncodedFrame)) (*Pipeline, error) {
	pl := &Pipeline{
		params:      p,
		newCapturer: cf,
		newEncoder:  ef,
		sink:        sink,
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	if err := pl.initStages(); err != nil {
		return nil, err
	}
	return pl, nil
}

func (pl *Pipeline) initStages() error {
	capturer, err := pl.newCapturer(pl.params)
	if err != nil {
		return fmt.Errorf("capturer init: %w", err)
	}
	encoder, err := pl.newEncoder(capturer.Device(), pl.params)
	if err != nil {
		capturer.Close()
		return fmt.Errorf("encoder init: %w", err)
	}
	pl.mu.Lock()
	pl.capturer = capturer
	pl.encoder = encoder
	pl.mu.Unlock()
	return nil
}

// OnFatal registers the callback fired when device re-init fails twice in a
// row. Must be set before Start.
func (pl *Pipeline) OnFatal(fn func(error)) { pl.onFatal = fn }

func (pl *Pipeline) Start() error {
	if !pl.started.CompareAndSwap(false, true) {
		return fmt.Errorf("capture pipeline started twice")
	}
	go pl.run()
	return nil
}

func (pl *Pipeline) run() {
	defer close(pl.done)

	frameWaitMs := int64(1000 / pl.refreshRate())
	if frameWaitMs < 1 {
		frameWaitMs = 1
	}
	encodeFails := 0
	reinitFails := 0

	for {
		select {
		case <-pl.quit:
			return
		default:
		}

		frame, err := pl.captureAndEncode(frameWaitMs)
		switch {
		case err == nil:
			encodeFails = 0
			reinitFails = 0
			if frame != nil {
				pl.sink(frame)
			}
		case errors.Is(err, core.ErrNoNewFrame):
			// Display unchanged, skip the encode entirely.
		case errors.Is(err, core.ErrClosed):
			return
		case errors.Is(err, core.ErrDeviceLoss):
			log.Warn().Str("module", "capture").Msg("device lost, reinitializing")
			if rerr := pl.reinit(); rerr != nil {
				reinitFails++
				log.Error().Err(rerr).Str("module", "capture").Int("attempt", reinitFails).Msg("reinit failed")
				if reinitFails >= reinitLimit {
					if pl.onFatal != nil {
						pl.onFatal(core.ErrDeviceLoss)
					}
					return
				}
			} else {
				reinitFails = 0
				pl.forceKey.Store(true)
			}
		default:
			encodeFails++
			log.Warn().Err(err).Str("module", "capture").Int("fails", encodeFails).Msg("frame dropped")
			if encodeFails >= encodeFailLimit {
				// Escalate to device-loss handling.
				encodeFails = 0
				if rerr := pl.reinit(); rerr != nil {
					reinitFails++
					if reinitFails >= reinitLimit {
						if pl.onFatal != nil {
							pl.onFatal(core.ErrDeviceLoss)
						}
						return
					}
				} else {
					reinitFails = 0
					pl.forceKey.Store(true)
				}
			}
		}
	}
}

// captureAndEncode pulls one frame and submits it to the encoder. A nil
// frame with nil error means the surface was consumed without output.
func (pl *Pipeline) captureAndEncode(maxWaitMs int64) (*domain.EncodedFrame, error) {
	pl.mu.Lock()
	capturer := pl.capturer
	encoder := pl.encoder
	pl.mu.Unlock()
	if capturer == nil || encoder == nil {
		// Stages are only nil mid-run after a failed reinit; report it as
		// device loss so the loop keeps counting attempts.
		return nil, core.ErrDeviceLoss
	}

	surface, err := capturer.Capture(maxWaitMs)
	if err != nil {
		return nil, err
	}
	defer surface.Release()

	frame, err := encoder.Encode(surface, pl.forceKey.Swap(false))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrEncodeFailure, err)
	}
	if frame == nil {
		return nil, nil
	}
	frame.Seq = pl.seq.Add(1)
	frame.CaptureTS = surface.Timestamp()
	return frame, nil
}

// reinit tears down both stages and rebuilds them on the (possibly new)
// device.
func (pl *Pipeline) reinit() error {
	pl.mu.Lock()
	if pl.capturer != nil {
		pl.capturer.Close()
		pl.capturer = nil
	}
	if pl.encoder != nil {
		pl.encoder.Close()
		pl.encoder = nil
	}
	pl.mu.Unlock()
	return pl.initStages()
}

// Reconfigure applies bitrate/fps/qp changes on the live encoder. Resolution
// or codec changes need a rebuilt pipeline and return ErrResetRequired.
func (pl *Pipeline) Reconfigure(p domain.StreamParams) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.encoder == nil {
		return core.ErrClosed
	}
	if pl.params.NeedsReset(p) {
		return core.ErrResetRequired
	}
	if err := pl.encoder.Reconfigure(p); err != nil {
		return err
	}
	pl.params = p
	log.Info().Str("module", "capture").
		Uint32("bitrate", p.BitrateBps).Uint32("fps", p.RefreshRate).Msg("reconfigured")
	return nil
}

// RequestKeyframe forces the next encoded frame to be self-contained.
func (pl *Pipeline) RequestKeyframe() {
	pl.forceKey.Store(true)
}

func (pl *Pipeline) refreshRate() uint32 {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.params.RefreshRate == 0 {
		return 60
	}
	return pl.params.RefreshRate
}

func (pl *Pipeline) Close() {
	pl.closeOnce.Do(func() {
		close(pl.quit)
		if pl.started.Load() {
			<-pl.done
		}
		pl.mu.Lock()
		defer pl.mu.Unlock()
		if pl.capturer != nil {
			pl.capturer.Close()
			pl.capturer = nil
		}
		if pl.encoder != nil {
			pl.encoder.Close()
			pl.encoder = nil
		}
	})
}
