package core

import "errors"

// Session-level error taxonomy. Frame-level errors are absorbed where they
// happen; only these surface to the status sink.
var (
	ErrInvalidConfig     = errors.New("invalid config")
	ErrTransportFailure  = errors.New("transport failure")
	ErrDeviceLoss        = errors.New("device loss")
	ErrEncodeFailure     = errors.New("encode failure")
	ErrDecodeFailure     = errors.New("decode failure")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrTimeout           = errors.New("timeout")
)

// Pipeline-local sentinels, never fatal by themselves.
var (
	ErrNoNewFrame        = errors.New("no new frame")
	ErrResetRequired     = errors.New("pipeline reset required")
	ErrDeviceUnsupported = errors.New("device unsupported")
	ErrBackpressure      = errors.New("backpressure")
	ErrClosed            = errors.New("closed")
)

// ErrorCode is the stable code carried to the UI layer.
type ErrorCode string

const (
	CodeInvalidConfig     ErrorCode = "invalid_config"
	CodeTransportFailure  ErrorCode = "transport_failure"
	CodeDeviceLoss        ErrorCode = "device_loss"
	CodeProtocolViolation ErrorCode = "protocol_violation"
	CodeTimeout           ErrorCode = "timeout"
	CodeUnsupportedCodec  ErrorCode = "unsupported_codec"
	CodePeerRejected      ErrorCode = "peer_rejected"
	CodePeerHung          ErrorCode = "peer_hung"
)

// CodeOf maps a session-level error to its wire/UI code.
func CodeOf(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrInvalidConfig):
		return CodeInvalidConfig
	case errors.Is(err, ErrDeviceLoss):
		return CodeDeviceLoss
	case errors.Is(err, ErrProtocolViolation):
		return CodeProtocolViolation
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	default:
		return CodeTransportFailure
	}
}
