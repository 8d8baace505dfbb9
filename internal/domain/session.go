package domain

import "github.com/google/uuid"

type (
	ClientID string
	RoomID   string
)

func NewClientID() ClientID { return ClientID(uuid.NewString()) }

type LinkType string

const (
	LinkUnknown  LinkType = ""
	LinkP2P      LinkType = "p2p"      // direct realtime peer
	LinkRelayed  LinkType = "relayed"  // realtime peer through TURN
	LinkReliable LinkType = "reliable" // ordered stream fallback
)

type SessionState int32

const (
	StateIdle SessionState = iota
	StateSignalingConnecting
	StateSignalingConnected
	StateAwaitingJoinAck
	StateRoomJoined
	StateTransportConnecting
	StateStreaming
	StateReconnecting
	StateClosed
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSignalingConnecting:
		return "signaling_connecting"
	case StateSignalingConnected:
		return "signaling_connected"
	case StateAwaitingJoinAck:
		return "awaiting_join_ack"
	case StateRoomJoined:
		return "room_joined"
	case StateTransportConnecting:
		return "transport_connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// LinkStats is written by the time-sync loop and read by the coordinator for
// timeout detection and by adaptive-bitrate policy outside this core.
type LinkStats struct {
	RTT             int64 // microseconds
	ClockOffset     int64 // microseconds, peer clock minus ours
	LastKeepaliveTS int64 // microseconds, our clock
}
