package transport

import "time"

// Backoff yields exponentially growing reconnect intervals, capped at the
// ceiling. Not safe for concurrent use.
type Backoff struct {
	Base    time.Duration
	Ceiling time.Duration
	attempt int
}

func (b *Backoff) Next() time.Duration {
	base := b.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base << b.attempt
	if b.Ceiling > 0 && d >= b.Ceiling {
		return b.Ceiling
	}
	if b.attempt < 16 {
		b.attempt++
	}
	return d
}

func (b *Backoff) Reset() { b.attempt = 0 }
