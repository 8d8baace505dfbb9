// Package signaling contains the thin rendezvous client and the room server
// it talks to. The server pairs exactly two peers per room and relays their
// messages until a direct transport exists.
package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mirror/internal/core"
	"github.com/dkeye/Mirror/internal/domain"
	"github.com/dkeye/Mirror/internal/protocol"
)

const (
	clientWriteTimeout = 5 * time.Second
	serverPingPeriod   = 30 * time.Second
)

// Client is the websocket signaling connection. Callbacks fire from the read
// pump goroutine; the coordinator reposts them.
type Client struct {
	url string
	sid domain.ClientID

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
	send   chan []byte
	quit   chan struct{}

	onConnected    func()
	onDisconnected func()
	onMessage      func(msg any)
}

func NewClient(url string, sid domain.ClientID) *Client {
	return &Client{
		url:  url,
		sid:  sid,
		send: make(chan []byte, 32),
		quit: make(chan struct{}),
	}
}

func (c *Client) OnConnected(fn func())    { c.onConnected = fn }
func (c *Client) OnDisconnected(fn func()) { c.onDisconnected = fn }
func (c *Client) OnMessage(fn func(any))   { c.onMessage = fn }

func (c *Client) Dial(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return core.ErrClosed
	}
	c.ws = ws
	c.mu.Unlock()

	go c.writePump(ws)
	go c.readPump(ws)
	go c.pingLoop()

	if c.onConnected != nil {
		c.onConnected()
	}
	return nil
}

// Send marshals and queues a control message; drops with an error when the
// outbound buffer is full rather than blocking the caller.
func (c *Client) Send(v any) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return core.ErrClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return core.ErrBackpressure
	}
}

// pingLoop keeps the room alive at the server while we hold it.
func (c *Client) pingLoop() {
	t := time.NewTicker(serverPingPeriod)
	defer t.Stop()
	for {
		select {
		case <-c.quit:
			return
		case <-t.C:
			now := time.Now().UnixMicro()
			if err := c.Send(&protocol.KeepAlive{Type: protocol.TypeKeepAlive, Timestamp: now}); err != nil {
				return
			}
		}
	}
}

func (c *Client) writePump(ws *websocket.Conn) {
	for {
		select {
		case <-c.quit:
			return
		case data := <-c.send:
			if err := ws.SetWriteDeadline(time.Now().Add(clientWriteTimeout)); err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signaling").Msg("write error")
				return
			}
		}
	}
}

func (c *Client) readPump(ws *websocket.Conn) {
	defer func() {
		if c.onDisconnected != nil {
			c.onDisconnected()
		}
	}()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				log.Error().Err(err).Str("module", "signaling").Str("sid", string(c.sid)).Msg("read error")
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "signaling").Msg("bad message")
			continue
		}
		if _, ok := msg.(*protocol.KeepAliveAck); ok {
			continue // server liveness only
		}
		if c.onMessage != nil {
			c.onMessage(msg)
		}
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	close(c.quit)
	if ws != nil {
		_ = ws.Close()
	}
}
