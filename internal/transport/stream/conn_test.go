package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Mirror/internal/domain"
	"github.com/dkeye/Mirror/internal/signaling"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// relayURL spins up a real relay server and returns the ws endpoint template.
func relayURL(t *testing.T) string {
	t.Helper()
	ts := httptest.NewServer(signaling.NewServer("", 0).SetupRouter("test"))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws/relay/room-1?client_id="
}

type events struct {
	connected chan domain.LinkType
	reconn    chan struct{}
	closed    chan struct{}
	control   chan []byte
	media     chan []byte
}

func bind(c *Conn) *events {
	ev := &events{
		connected: make(chan domain.LinkType, 4),
		reconn:    make(chan struct{}, 4),
		closed:    make(chan struct{}, 4),
		control:   make(chan []byte, 16),
		media:     make(chan []byte, 16),
	}
	c.OnConnected(func(l domain.LinkType) { ev.connected <- l })
	c.OnReconnecting(func() { ev.reconn <- struct{}{} })
	c.OnClosed(func() { ev.closed <- struct{}{} })
	c.OnControl(func(data []byte) { ev.control <- append([]byte(nil), data...) })
	c.OnMedia(func(data []byte) { ev.media <- append([]byte(nil), data...) })
	return ev
}

func waitLink(t *testing.T, ev *events) domain.LinkType {
	t.Helper()
	select {
	case l := <-ev.connected:
		return l
	case <-time.After(5 * time.Second):
		t.Fatal("transport never connected")
		return domain.LinkUnknown
	}
}

func recv(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case data := <-ch:
		return data
	case <-time.After(5 * time.Second):
		t.Fatal("nothing received")
		return nil
	}
}

func TestConn_ControlAndMediaBothWays(t *testing.T) {
	base := relayURL(t)
	a := New(base+"peer-a", "peer-a")
	b := New(base+"peer-b", "peer-b")
	evA, evB := bind(a), bind(b)
	t.Cleanup(a.Close)
	t.Cleanup(b.Close)

	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, b.Connect(context.Background()))
	assert.Equal(t, domain.LinkReliable, waitLink(t, evA))
	assert.Equal(t, domain.LinkReliable, waitLink(t, evB))

	require.NoError(t, a.SendControl([]byte(`{"type":"keepalive"}`)))
	assert.Equal(t, `{"type":"keepalive"}`, string(recv(t, evB.control)))

	require.NoError(t, b.SendControl([]byte(`{"type":"keepalive_ack"}`)))
	assert.Equal(t, `{"type":"keepalive_ack"}`, string(recv(t, evA.control)))

	require.NoError(t, a.SendMedia([]byte{0xDE, 0xAD}))
	assert.Equal(t, []byte{0xDE, 0xAD}, recv(t, evB.media))
}

func TestConn_ControlQueuedBeforeConnectIsFlushed(t *testing.T) {
	base := relayURL(t)
	a := New(base+"peer-a", "peer-a")
	b := New(base+"peer-b", "peer-b")
	evA, evB := bind(a), bind(b)
	t.Cleanup(a.Close)
	t.Cleanup(b.Close)

	// Queued while the link is down; must arrive once it exists, in order.
	require.NoError(t, a.SendControl([]byte("first")))
	require.NoError(t, a.SendControl([]byte("second")))

	require.NoError(t, b.Connect(context.Background()))
	waitLink(t, evB)
	require.NoError(t, a.Connect(context.Background()))
	waitLink(t, evA)

	assert.Equal(t, "first", string(recv(t, evB.control)))
	assert.Equal(t, "second", string(recv(t, evB.control)))
}

func TestConn_DialFailureFiresClosed(t *testing.T) {
	c := New("ws://127.0.0.1:1/api/ws/relay/room-1?client_id=x", "x")
	ev := bind(c)

	require.NoError(t, c.Connect(context.Background()))
	select {
	case <-ev.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("closed callback never fired")
	}
}

func TestConn_CloseFiresClosedOnce(t *testing.T) {
	base := relayURL(t)
	c := New(base+"peer-a", "peer-a")
	ev := bind(c)
	require.NoError(t, c.Connect(context.Background()))
	waitLink(t, ev)

	c.Close()
	c.Close()
	select {
	case <-ev.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("closed callback never fired")
	}
	select {
	case <-ev.closed:
		t.Fatal("closed fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConn_SendAfterCloseIsRejected(t *testing.T) {
	c := New("ws://127.0.0.1:1/unused", "x")
	c.Close()
	assert.Error(t, c.SendMedia([]byte{1}))
}

// captureSrv is a bare ws endpoint recording everything it receives and able
// to kill the live connection, standing in for a relay that drops the link.
type captureSrv struct {
	url string

	mu      sync.Mutex
	conns   []*websocket.Conn
	control [][]byte
	media   [][]byte
}

func newCaptureSrv(t *testing.T) *captureSrv {
	t.Helper()
	s := &captureSrv{}
	up := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, ws)
		s.mu.Unlock()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if len(data) < 1 {
				continue
			}
			s.mu.Lock()
			switch data[0] {
			case frameControl:
				s.control = append(s.control, append([]byte(nil), data[1:]...))
			case frameMedia:
				s.media = append(s.media, append([]byte(nil), data[1:]...))
			}
			s.mu.Unlock()
		}
	}))
	t.Cleanup(ts.Close)
	s.url = "ws" + strings.TrimPrefix(ts.URL, "http")
	return s
}

func (s *captureSrv) dropLink() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ws := range s.conns {
		_ = ws.Close()
	}
	s.conns = nil
}

func (s *captureSrv) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *captureSrv) mediaCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.media)
}

func (s *captureSrv) controlStrings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.control))
	for i, c := range s.control {
		out[i] = string(c)
	}
	return out
}

func TestConn_MediaAndControlSurviveReconnect(t *testing.T) {
	srv := newCaptureSrv(t)
	c := New(srv.url, "peer-a")
	ev := bind(c)
	t.Cleanup(c.Close)

	require.NoError(t, c.Connect(context.Background()))
	waitLink(t, ev)

	srv.dropLink()
	select {
	case <-ev.reconn:
	case <-time.After(5 * time.Second):
		t.Fatal("link loss never surfaced")
	}

	// Queued during the gap; must come through the new link.
	require.NoError(t, c.SendControl([]byte("during-gap")))

	c.Reconnect()
	waitLink(t, ev)

	const frames = 200
	for i := 0; i < frames; i++ {
		require.NoError(t, c.SendMedia([]byte{byte(i)}))
		time.Sleep(2 * time.Millisecond) // paced, the link is never saturated
	}

	require.Eventually(t, func() bool {
		return srv.mediaCount() == frames
	}, 10*time.Second, 10*time.Millisecond,
		"an idle link after reconnect must deliver every frame")
	assert.Contains(t, srv.controlStrings(), "during-gap")
}

func TestConn_ReconnectIsSingleFlight(t *testing.T) {
	srv := newCaptureSrv(t)
	c := New(srv.url, "peer-a")
	ev := bind(c)
	t.Cleanup(c.Close)

	require.NoError(t, c.Connect(context.Background()))
	waitLink(t, ev)

	srv.dropLink()
	select {
	case <-ev.reconn:
	case <-time.After(5 * time.Second):
		t.Fatal("link loss never surfaced")
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Reconnect()
		}()
	}
	wg.Wait()
	waitLink(t, ev)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, srv.connCount(), "overlapping redials must collapse to one dial")
}
