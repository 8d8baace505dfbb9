package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Mirror/internal/core"
	"github.com/dkeye/Mirror/internal/domain"
)

func TestDecode_RoundTripsEveryMessage(t *testing.T) {
	params := domain.StreamParams{
		Width: 1920, Height: 1080, RefreshRate: 60,
		Codec: domain.CodecH264, BitrateBps: 8_000_000, Version: 3,
	}

	msgs := []any{
		&JoinRoom{Type: TypeJoinRoom, Room: "room-1", ClientID: "c-1", Token: "tk"},
		&JoinRoomAck{Type: TypeJoinRoomAck, Ok: true, Peer: "c-2"},
		&SignalRelay{Type: TypeSignalRelay, From: "c-1", Key: "sdp_offer", Value: "v=0"},
		&StartTransmission{Type: TypeStartTransmission, Params: params,
			Codecs: []domain.Codec{domain.CodecH265, domain.CodecH264}},
		&StartTransmissionAck{Type: TypeStartTransmissionAck, Ok: true, Params: params},
		&KeepAlive{Type: TypeKeepAlive, Timestamp: 42},
		&KeepAliveAck{Type: TypeKeepAliveAck, Timestamp: 42},
		&TimeSync{Type: TypeTimeSync, T0: 1, T1: 2, T2: 3},
		&Reconfigure{Type: TypeReconfigure, Params: params},
		&CursorInfo{Type: TypeCursorInfo, ID: 7, X: 0.5, Y: 0.25, Visible: true},
		&Input{Type: TypeInput, Event: domain.InputEvent{
			Kind: domain.InputKey, Scancode: 0x04, Down: true}},
		&SwitchMouseMode{Type: TypeSwitchMouseMode, Absolute: true},
	}

	for _, in := range msgs {
		data, err := Encode(in)
		require.NoError(t, err)
		out, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestDecode_RejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"teleport"}`))
	require.ErrorIs(t, err, core.ErrProtocolViolation)
}

func TestDecode_RejectsBadEnvelope(t *testing.T) {
	_, err := Decode([]byte(`{{{`))
	require.ErrorIs(t, err, core.ErrProtocolViolation)
}

func TestDecode_RejectsMismatchedPayload(t *testing.T) {
	_, err := Decode([]byte(`{"type":"keepalive","timestamp":"not-a-number"}`))
	require.ErrorIs(t, err, core.ErrProtocolViolation)
}
