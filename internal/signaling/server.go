package signaling

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mirror/internal/domain"
	"github.com/dkeye/Mirror/internal/protocol"
)

const roomCapacity = 2

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type peerConn struct {
	sid  domain.ClientID
	ws   *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func (p *peerConn) trySend(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.send <- data:
	default:
		log.Warn().Str("module", "signaling.server").Str("sid", string(p.sid)).Msg("peer send backpressure")
	}
}

func (p *peerConn) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.send)
	_ = p.ws.Close()
}

type room struct {
	id       domain.RoomID
	mu       sync.Mutex
	peers    map[domain.ClientID]*peerConn
	lastSeen time.Time
}

// other returns the opposite peer of sid, if present.
func (r *room) other(sid domain.ClientID) *peerConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, pc := range r.peers {
		if id != sid {
			return pc
		}
	}
	return nil
}

// Server pairs exactly two peers per room and relays their signaling
// traffic. Empty rooms are reaped after the TTL.
type Server struct {
	token   string
	roomTTL time.Duration

	mu    sync.Mutex
	rooms map[domain.RoomID]*room
}

func NewServer(token string, roomTTL time.Duration) *Server {
	if roomTTL <= 0 {
		roomTTL = 2 * time.Minute
	}
	return &Server{
		token:   token,
		roomTTL: roomTTL,
		rooms:   make(map[domain.RoomID]*room),
	}
}

// SetupRouter wires the gin routes: a client-token cookie middleware plus
// the signaling and relay websocket endpoints.
func (s *Server) SetupRouter(mode string) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(clientTokenMiddleware())

	api := r.Group("/api")
	api.GET("/ws/signal", s.handleSignal)
	api.GET("/ws/relay/:room", s.handleRelay)
	return r
}

func clientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func (s *Server) getOrCreateRoom(id domain.RoomID) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[id]; ok {
		return r
	}
	r := &room{
		id:       id,
		peers:    make(map[domain.ClientID]*peerConn),
		lastSeen: time.Now(),
	}
	s.rooms[id] = r
	log.Info().Str("module", "signaling.server").Str("room", string(id)).Msg("room created")
	return r
}

func (s *Server) dropPeer(r *room, sid domain.ClientID) {
	r.mu.Lock()
	delete(r.peers, sid)
	empty := len(r.peers) == 0
	r.mu.Unlock()
	if empty {
		s.mu.Lock()
		delete(s.rooms, r.id)
		s.mu.Unlock()
		log.Info().Str("module", "signaling.server").Str("room", string(r.id)).Msg("room closed")
	}
}

func (s *Server) handleSignal(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signaling.server").Msg("ws upgrade")
		return
	}

	// The first message must be join_room; everything before a successful
	// join is a protocol violation and closes the socket.
	_, data, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		_ = ws.Close()
		return
	}
	join, ok := msg.(*protocol.JoinRoom)
	if !ok {
		_ = ws.Close()
		return
	}
	if s.token != "" && join.Token != s.token {
		s.reject(ws, "bad_token")
		return
	}
	if join.Room == "" || join.ClientID == "" {
		s.reject(ws, "bad_join")
		return
	}

	r := s.getOrCreateRoom(join.Room)
	pc := &peerConn{sid: join.ClientID, ws: ws, send: make(chan []byte, 32)}

	r.mu.Lock()
	if len(r.peers) >= roomCapacity {
		r.mu.Unlock()
		s.reject(ws, "room_full")
		return
	}
	r.peers[join.ClientID] = pc
	var peerID domain.ClientID
	for id := range r.peers {
		if id != join.ClientID {
			peerID = id
		}
	}
	r.lastSeen = time.Now()
	r.mu.Unlock()

	log.Info().Str("module", "signaling.server").
		Str("room", string(join.Room)).Str("sid", string(join.ClientID)).Msg("join")

	ack, _ := protocol.Encode(&protocol.JoinRoomAck{
		Type: protocol.TypeJoinRoomAck, Ok: true, Peer: peerID,
	})
	pc.trySend(ack)
	if other := r.other(join.ClientID); other != nil {
		// Announce the joiner to the peer already waiting in the room.
		notice, _ := protocol.Encode(&protocol.JoinRoomAck{
			Type: protocol.TypeJoinRoomAck, Ok: true, Peer: join.ClientID,
		})
		other.trySend(notice)
	}

	go s.writePump(pc)
	s.readPump(r, pc)
}

func (s *Server) reject(ws *websocket.Conn, reason string) {
	data, _ := protocol.Encode(&protocol.JoinRoomAck{
		Type: protocol.TypeJoinRoomAck, Ok: false, Error: reason,
	})
	_ = ws.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	_ = ws.WriteMessage(websocket.TextMessage, data)
	_ = ws.Close()
}

func (s *Server) writePump(pc *peerConn) {
	for data := range pc.send {
		if err := pc.ws.SetWriteDeadline(time.Now().Add(clientWriteTimeout)); err != nil {
			return
		}
		if err := pc.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func (s *Server) readPump(r *room, pc *peerConn) {
	defer func() {
		s.dropPeer(r, pc.sid)
		pc.close()
	}()
	for {
		_, data, err := pc.ws.ReadMessage()
		if err != nil {
			return
		}
		r.mu.Lock()
		r.lastSeen = time.Now()
		r.mu.Unlock()

		msg, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "signaling.server").Str("sid", string(pc.sid)).Msg("bad message")
			continue
		}
		switch m := msg.(type) {
		case *protocol.KeepAlive:
			ack, _ := protocol.Encode(&protocol.KeepAliveAck{
				Type: protocol.TypeKeepAliveAck, Timestamp: m.Timestamp,
			})
			pc.trySend(ack)
		case *protocol.SignalRelay:
			m.From = pc.sid
			fwd, _ := protocol.Encode(m)
			if other := r.other(pc.sid); other != nil {
				other.trySend(fwd)
			}
		default:
			// Everything else is peer-to-peer payload; relay verbatim.
			if other := r.other(pc.sid); other != nil {
				other.trySend(data)
			}
		}
	}
}

// handleRelay is the reliable-stream fallback path: opaque binary
// passthrough between the two peers of a room.
func (s *Server) handleRelay(c *gin.Context) {
	roomID := domain.RoomID(c.Param("room"))
	sid := domain.ClientID(c.Query("client_id"))
	if roomID == "" || sid == "" {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signaling.server").Msg("relay upgrade")
		return
	}

	r := s.getOrCreateRoom(roomID + ":relay")
	pc := &peerConn{sid: sid, ws: ws, send: make(chan []byte, 64)}

	r.mu.Lock()
	if len(r.peers) >= roomCapacity {
		r.mu.Unlock()
		_ = ws.Close()
		return
	}
	r.peers[sid] = pc
	r.mu.Unlock()

	go func() {
		for data := range pc.send {
			if err := pc.ws.SetWriteDeadline(time.Now().Add(clientWriteTimeout)); err != nil {
				return
			}
			if err := pc.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		}
	}()

	defer func() {
		s.dropPeer(r, sid)
		pc.close()
	}()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if other := r.other(sid); other != nil {
			other.trySend(data)
		}
	}
}

// Reap removes rooms idle past the TTL. Run it on a ticker from main.
func (s *Server) Reap() {
	cutoff := time.Now().Add(-s.roomTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.rooms {
		r.mu.Lock()
		stale := len(r.peers) == 0 || r.lastSeen.Before(cutoff)
		peers := make([]*peerConn, 0, len(r.peers))
		for _, pc := range r.peers {
			peers = append(peers, pc)
		}
		r.mu.Unlock()
		if stale {
			for _, pc := range peers {
				pc.close()
			}
			delete(s.rooms, id)
			log.Info().Str("module", "signaling.server").Str("room", string(id)).Msg("room reaped")
		}
	}
}
