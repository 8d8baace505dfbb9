// Package app owns the session state machine. Everything here runs on a
// single-threaded task loop: state transitions, timers and control-message
// handling are serialized, so session state needs no locks.
package app

import (
	"sync"
	"sync/atomic"
	"time"
)

type runLoop struct {
	tasks   chan func()
	quit    chan struct{}
	done    chan struct{}
	stopped atomic.Bool

	mu      sync.Mutex
	started bool
	timers  map[*time.Timer]struct{}
}

func newRunLoop() *runLoop {
	return &runLoop{
		tasks:  make(chan func(), 128),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
	}
}

func (l *runLoop) start() {
	l.mu.Lock()
	if l.stopped.Load() || l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()
	go l.run()
}

func (l *runLoop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.quit:
			return
		case fn := <-l.tasks:
			fn()
		}
	}
}

// post schedules fn on the loop. Returns false once the loop has stopped;
// callers treat that as "session over" and drop the work.
func (l *runLoop) post(fn func()) bool {
	if l.stopped.Load() {
		return false
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// postDelayed schedules fn on the loop after d. The returned timer may be
// stopped to cancel.
func (l *runLoop) postDelayed(d time.Duration, fn func()) *time.Timer {
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		l.mu.Lock()
		delete(l.timers, t)
		l.mu.Unlock()
		l.post(fn)
	})
	l.mu.Lock()
	l.timers[t] = struct{}{}
	l.mu.Unlock()
	return t
}

// stop ends the loop. Safe to call from any goroutine, including from a task
// running on the loop itself; idempotent. A loop stopped before start counts
// as done, so wait never blocks on a goroutine that does not exist.
func (l *runLoop) stop() {
	if !l.stopped.CompareAndSwap(false, true) {
		return
	}
	close(l.quit)
	l.mu.Lock()
	if !l.started {
		close(l.done)
	}
	for t := range l.timers {
		t.Stop()
	}
	l.timers = map[*time.Timer]struct{}{}
	l.mu.Unlock()
}

// wait blocks until the loop goroutine has exited.
func (l *runLoop) wait() {
	<-l.done
}

// alive reports whether the loop goroutine is running and will still drain
// its queue. False before start and after stop.
func (l *runLoop) alive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started && !l.stopped.Load()
}
