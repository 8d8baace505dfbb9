// Package protocol defines the wire messages exchanged over the control and
// media paths. Control messages are JSON envelopes discriminated by "type";
// media frames use a fixed binary header.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/Mirror/internal/core"
	"github.com/dkeye/Mirror/internal/domain"
)

const (
	TypeJoinRoom             = "join_room"
	TypeJoinRoomAck          = "join_room_ack"
	TypeSignalRelay          = "signal"
	TypeStartTransmission    = "start_transmission"
	TypeStartTransmissionAck = "start_transmission_ack"
	TypeKeepAlive            = "keepalive"
	TypeKeepAliveAck         = "keepalive_ack"
	TypeTimeSync             = "time_sync"
	TypeReconfigure          = "reconfigure"
	TypeCursorInfo           = "cursor_info"
	TypeInput                = "input"
	TypeSwitchMouseMode      = "switch_mouse_mode"
)

// JoinRoom and SignalRelay travel client<->signaling; everything else travels
// peer<->peer over the transport control path.
type JoinRoom struct {
	Type     string          `json:"type"`
	Room     domain.RoomID   `json:"room"`
	ClientID domain.ClientID `json:"client_id"`
	Token    string          `json:"token,omitempty"`
}

type JoinRoomAck struct {
	Type  string          `json:"type"`
	Ok    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Peer  domain.ClientID `json:"peer,omitempty"`
}

// SignalRelay carries opaque transport negotiation blobs (SDP, ICE) between
// peers before the direct link exists.
type SignalRelay struct {
	Type  string          `json:"type"`
	From  domain.ClientID `json:"from,omitempty"`
	Key   string          `json:"key"`
	Value string          `json:"value"`
}

type StartTransmission struct {
	Type   string              `json:"type"`
	Params domain.StreamParams `json:"params"`
	// Codecs the sender can decode, in preference order. The host answers
	// with the first one its encoder supports.
	Codecs []domain.Codec `json:"codecs"`
}

type StartTransmissionAck struct {
	Type    string              `json:"type"`
	Ok      bool                `json:"ok"`
	ErrCode core.ErrorCode      `json:"err_code,omitempty"`
	Params  domain.StreamParams `json:"params"`
}

type KeepAlive struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type KeepAliveAck struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// TimeSync carries the three-timestamp exchange: T0 request send, T1 request
// receive, T2 reply send. The receiver supplies T3 locally.
type TimeSync struct {
	Type string `json:"type"`
	T0   int64  `json:"t0"`
	T1   int64  `json:"t1,omitempty"`
	T2   int64  `json:"t2,omitempty"`
}

type Reconfigure struct {
	Type   string              `json:"type"`
	Params domain.StreamParams `json:"params"`
}

type CursorInfo struct {
	Type    string  `json:"type"`
	ID      int32   `json:"id"`
	X       float32 `json:"x"`
	Y       float32 `json:"y"`
	Visible bool    `json:"visible"`
}

type Input struct {
	Type  string            `json:"type"`
	Event domain.InputEvent `json:"event"`
}

type SwitchMouseMode struct {
	Type     string `json:"type"`
	Absolute bool   `json:"absolute"`
}

func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode parses the envelope and returns the concrete message struct.
// Unknown types and malformed payloads are protocol violations.
func Decode(data []byte) (any, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: bad envelope: %v", core.ErrProtocolViolation, err)
	}

	var msg any
	switch env.Type {
	case TypeJoinRoom:
		msg = &JoinRoom{}
	case TypeJoinRoomAck:
		msg = &JoinRoomAck{}
	case TypeSignalRelay:
		msg = &SignalRelay{}
	case TypeStartTransmission:
		msg = &StartTransmission{}
	case TypeStartTransmissionAck:
		msg = &StartTransmissionAck{}
	case TypeKeepAlive:
		msg = &KeepAlive{}
	case TypeKeepAliveAck:
		msg = &KeepAliveAck{}
	case TypeTimeSync:
		msg = &TimeSync{}
	case TypeReconfigure:
		msg = &Reconfigure{}
	case TypeCursorInfo:
		msg = &CursorInfo{}
	case TypeInput:
		msg = &Input{}
	case TypeSwitchMouseMode:
		msg = &SwitchMouseMode{}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", core.ErrProtocolViolation, env.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: bad %s payload: %v", core.ErrProtocolViolation, env.Type, err)
	}
	return msg, nil
}
