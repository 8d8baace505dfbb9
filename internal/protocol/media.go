package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/dkeye/Mirror/internal/core"
	"github.com/dkeye/Mirror/internal/domain"
)

// Media frames travel the lossy path as one datagram each:
//
//	magic(2) flags(1) seq(8) capture_ts(8) size(4) payload(size)
//
// Big-endian throughout. flags bit0 = keyframe.
const (
	mediaMagic    = 0x4D52 // "MR"
	mediaHdrSize  = 2 + 1 + 8 + 8 + 4
	flagKeyframe  = 0x01
	MaxMediaBytes = 8 << 20
)

func EncodeMediaFrame(f *domain.EncodedFrame) []byte {
	buf := make([]byte, mediaHdrSize+len(f.Payload))
	binary.BigEndian.PutUint16(buf[0:2], mediaMagic)
	if f.IsKeyframe {
		buf[2] = flagKeyframe
	}
	binary.BigEndian.PutUint64(buf[3:11], f.Seq)
	binary.BigEndian.PutUint64(buf[11:19], uint64(f.CaptureTS))
	binary.BigEndian.PutUint32(buf[19:23], uint32(len(f.Payload)))
	copy(buf[mediaHdrSize:], f.Payload)
	return buf
}

func DecodeMediaFrame(data []byte) (*domain.EncodedFrame, error) {
	if len(data) < mediaHdrSize {
		return nil, fmt.Errorf("%w: media frame truncated header", core.ErrProtocolViolation)
	}
	if binary.BigEndian.Uint16(data[0:2]) != mediaMagic {
		return nil, fmt.Errorf("%w: bad media magic", core.ErrProtocolViolation)
	}
	size := binary.BigEndian.Uint32(data[19:23])
	if size > MaxMediaBytes {
		return nil, fmt.Errorf("%w: media frame size %d", core.ErrProtocolViolation, size)
	}
	if len(data) != mediaHdrSize+int(size) {
		return nil, fmt.Errorf("%w: media frame size mismatch", core.ErrProtocolViolation)
	}
	f := &domain.EncodedFrame{
		IsKeyframe: data[2]&flagKeyframe != 0,
		Seq:        binary.BigEndian.Uint64(data[3:11]),
		CaptureTS:  int64(binary.BigEndian.Uint64(data[11:19])),
		Payload:    append([]byte(nil), data[mediaHdrSize:]...),
	}
	return f, nil
}
