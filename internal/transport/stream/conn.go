// Package stream is the reliable-stream TransportChannel fallback: both
// paths multiplexed over one ordered websocket through the relay endpoint.
// Media loses its lossiness on the wire but keeps the drop-oldest send
// contract, so a slow relay still costs frames rather than latency.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mirror/internal/core"
	"github.com/dkeye/Mirror/internal/domain"
	"github.com/dkeye/Mirror/internal/transport"
)

// One writer goroutine and one media drainer live for the whole Conn; only
// the read pump is tied to a websocket generation. Pumps bound to a dead
// generation must never consume from the shared queues.

const (
	frameControl byte = 0x01
	frameMedia   byte = 0x02

	writeTimeout    = 5 * time.Second
	mediaQueueDepth = 8
)

type Conn struct {
	url string
	sid domain.ClientID

	mu          sync.Mutex
	ws          *websocket.Conn
	connected   bool
	closed      bool
	closedFired bool
	gen         int // bumped per (re)dial so stale pumps exit quietly

	redialing bool

	ctrlQ    *transport.ControlQueue
	mediaQ   *transport.MediaQueue
	send     chan []byte
	quit     chan struct{}
	pumpOnce sync.Once

	onConnected    func(domain.LinkType)
	onReconnecting func()
	onClosed       func()
	onControl      func([]byte)
	onMedia        func([]byte)
}

// New creates a relayed stream transport dialing the given ws URL. The relay
// pairs the two peers of a room and forwards bytes verbatim. Reconnect pacing
// belongs to the caller; Reconnect here is a single bounded redial.
func New(url string, sid domain.ClientID) *Conn {
	return &Conn{
		url:    url,
		sid:    sid,
		ctrlQ:  &transport.ControlQueue{},
		mediaQ: transport.NewMediaQueue(mediaQueueDepth),
		send:   make(chan []byte, 64),
		quit:   make(chan struct{}),
	}
}

func (c *Conn) OnConnected(fn func(domain.LinkType)) { c.onConnected = fn }
func (c *Conn) OnReconnecting(fn func())             { c.onReconnecting = fn }
func (c *Conn) OnClosed(fn func())                   { c.onClosed = fn }
func (c *Conn) OnControl(fn func([]byte))            { c.onControl = fn }
func (c *Conn) OnMedia(fn func([]byte))              { c.onMedia = fn }

func (c *Conn) Connect(ctx context.Context) error {
	c.pumpOnce.Do(func() {
		go c.writeLoop()
		go c.drainMedia()
	})
	go c.dial(ctx)
	return nil
}

func (c *Conn) dial(ctx context.Context) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "stream").Str("url", c.url).Msg("dial failed")
		c.fireClosed()
		return
	}
	c.adopt(ws)
}

// adopt installs a freshly dialed websocket as the live generation and
// flushes everything queued while the link was down.
func (c *Conn) adopt(ws *websocket.Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.ws = ws
	c.connected = true
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	go c.readPump(ws, gen)

	c.flushControl()
	if c.onConnected != nil {
		c.onConnected(domain.LinkReliable)
	}
}

func (c *Conn) SendControl(data []byte) error {
	c.mu.Lock()
	connected := c.connected && !c.closed
	c.mu.Unlock()
	if !connected {
		return c.ctrlQ.Push(data)
	}
	buf := make([]byte, 1+len(data))
	buf[0] = frameControl
	copy(buf[1:], data)
	select {
	case c.send <- buf:
		return nil
	default:
		// Control must not be lost: queue for the flush path.
		return c.ctrlQ.Push(data)
	}
}

func (c *Conn) SendMedia(data []byte) error {
	buf := make([]byte, 1+len(data))
	buf[0] = frameMedia
	copy(buf[1:], data)
	return c.mediaQ.Push(buf)
}

func (c *Conn) flushControl() {
	for _, data := range c.ctrlQ.Drain() {
		if err := c.SendControl(data); err != nil {
			log.Warn().Err(err).Str("module", "stream").Msg("control flush")
			return
		}
	}
}

// drainMedia feeds queued frames to the writer for the life of the Conn.
// Exits when the queue is closed.
func (c *Conn) drainMedia() {
	for {
		buf, ok := c.mediaQ.Pop()
		if !ok {
			return
		}
		select {
		case c.send <- buf:
		default:
			// Writer saturated: the queue already evicted the oldest,
			// losing this one keeps recency too.
		}
	}
}

// writeLoop owns all websocket writes for the life of the Conn, whichever
// generation is live. A frame picked up while the link is down goes back to
// the control queue (control) or is dropped (media).
func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.quit:
			return
		case buf := <-c.send:
			c.write(buf)
		}
	}
}

func (c *Conn) write(buf []byte) {
	c.mu.Lock()
	ws := c.ws
	up := c.connected && !c.closed
	gen := c.gen
	c.mu.Unlock()

	if !up || ws == nil {
		c.requeue(buf)
		return
	}
	if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		c.requeue(buf)
		c.linkDown(gen)
		return
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		log.Error().Err(err).Str("module", "stream").Msg("write error")
		c.requeue(buf)
		c.linkDown(gen)
	}
}

// requeue keeps the at-least-once control contract across link gaps; media
// stays lossy.
func (c *Conn) requeue(buf []byte) {
	if len(buf) > 0 && buf[0] == frameControl {
		_ = c.ctrlQ.Push(buf[1:])
	}
}

func (c *Conn) readPump(ws *websocket.Conn, gen int) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !c.stale(gen) {
				log.Error().Err(err).Str("module", "stream").Str("sid", string(c.sid)).Msg("read error")
				c.linkDown(gen)
			}
			return
		}
		if len(data) < 1 {
			continue
		}
		switch data[0] {
		case frameControl:
			if c.onControl != nil {
				c.onControl(data[1:])
			}
		case frameMedia:
			if c.onMedia != nil {
				c.onMedia(data[1:])
			}
		default:
			log.Warn().Str("module", "stream").Uint8("tag", data[0]).Msg("unknown frame tag")
		}
	}
}

func (c *Conn) stale(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.gen != gen
}

// linkDown marks the link transiently failed and surfaces onReconnecting.
// Session state stays intact; Reconnect redials.
func (c *Conn) linkDown(gen int) {
	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.connected = false
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		_ = ws.Close()
	}
	if c.onReconnecting != nil {
		c.onReconnecting()
	}
}

// Reconnect redials once. Pacing between attempts belongs to the session
// coordinator; overlapping calls collapse to a single in-flight dial.
func (c *Conn) Reconnect() {
	c.mu.Lock()
	if c.closed || c.connected || c.redialing {
		c.mu.Unlock()
		return
	}
	c.redialing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.redialing = false
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "stream").Msg("redial failed")
		if c.onReconnecting != nil {
			c.onReconnecting()
		}
		return
	}
	c.adopt(ws)
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	c.mediaQ.Close()
	c.ctrlQ.Close()
	close(c.quit)
	if ws != nil {
		_ = ws.Close()
	}
	c.fireClosed()
}

func (c *Conn) fireClosed() {
	c.mu.Lock()
	fired := c.closedFired
	c.closedFired = true
	c.mu.Unlock()
	if !fired && c.onClosed != nil {
		c.onClosed()
	}
}

var _ core.TransportChannel = (*Conn)(nil)
