// Package input normalizes local input on the client and replays it as
// synthetic input on the host. Ordering matters for key down/up pairs, which
// is why events ride the reliable control path.
package input

import (
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mirror/internal/core"
	"github.com/dkeye/Mirror/internal/domain"
)

var errUnmappedScancode = errors.New("unmapped scancode")

// Replayer maps normalized events into the host's native input space and
// injects them. Unmapped scancodes are dropped and counted, never fatal.
type Replayer struct {
	table    map[uint16]uint16
	injector core.InputInjector
	unmapped atomic.Uint64
}

// NewReplayer builds the replayer with the default scancode table patched by
// overrides (scancode → native key). Overrides win over built-ins.
func NewReplayer(injector core.InputInjector, overrides map[uint16]uint16) *Replayer {
	table := defaultTable()
	for sc, vk := range overrides {
		table[sc] = vk
	}
	return &Replayer{table: table, injector: injector}
}

func (r *Replayer) Replay(ev domain.InputEvent) error {
	switch ev.Kind {
	case domain.InputKey:
		native, ok := r.table[ev.Scancode]
		if !ok {
			n := r.unmapped.Add(1)
			if n%100 == 1 {
				log.Warn().Str("module", "input").
					Uint16("scancode", ev.Scancode).Uint64("total", n).Msg("unmapped scancode dropped")
			}
			return errUnmappedScancode
		}
		ev.Scancode = native
	case domain.InputPointer:
		if ev.Absolute {
			ev.X = clamp01(ev.X)
			ev.Y = clamp01(ev.Y)
		}
	case domain.InputWheel, domain.InputGamepad:
		// Injected as-is.
	default:
		return errors.New("unknown input kind")
	}
	return r.injector.Inject(ev)
}

// Unmapped reports how many key events were dropped for lack of a mapping.
func (r *Replayer) Unmapped() uint64 { return r.unmapped.Load() }

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
