// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const (
	MinDimension = 128
	MaxDimension = 8192

	DefaultGOPLength = 0 // infinite GOP, keyframes on demand only
)

var (
	ErrBadDimensions = errors.New("bad stream dimensions")
	ErrBadRefresh    = errors.New("bad refresh rate")
	ErrBadBitrate    = errors.New("bad bitrate")
	ErrBadQPRange    = errors.New("bad qp range")
	ErrUnknownCodec  = errors.New("unknown codec")
)

type Codec string

const (
	CodecH264 Codec = "h264"
	CodecH265 Codec = "h265"
	CodecAV1  Codec = "av1"
)

func (c Codec) Valid() bool {
	switch c {
	case CodecH264, CodecH265, CodecAV1:
		return true
	}
	return false
}

type RateControl string

const (
	RateControlCBR RateControl = "cbr"
	RateControlVBR RateControl = "vbr"
)

// StreamParams describes the negotiated video stream. Every mutation bumps
// Version; receivers ignore any params older than what they already applied.
type StreamParams struct {
	Width       uint32      `json:"width" mapstructure:"width"`
	Height      uint32      `json:"height" mapstructure:"height"`
	RefreshRate uint32      `json:"refresh_rate" mapstructure:"refresh_rate"`
	Codec       Codec       `json:"codec" mapstructure:"codec"`
	BitrateBps  uint32      `json:"bitrate_bps" mapstructure:"bitrate_bps"`
	GOPLength   uint32      `json:"gop_length" mapstructure:"gop_length"`
	RateControl RateControl `json:"rate_control" mapstructure:"rate_control"`
	MinQP       uint32      `json:"min_qp" mapstructure:"min_qp"`
	MaxQP       uint32      `json:"max_qp" mapstructure:"max_qp"`

	// Audio follows the same envelope; only the format fields live here.
	AudioFreq     uint32 `json:"audio_freq" mapstructure:"audio_freq"`
	AudioChannels uint32 `json:"audio_channels" mapstructure:"audio_channels"`

	Version uint64 `json:"version"`
}

func (p StreamParams) Validate() error {
	if p.Width < MinDimension || p.Width > MaxDimension ||
		p.Height < MinDimension || p.Height > MaxDimension {
		return ErrBadDimensions
	}
	if p.RefreshRate == 0 || p.RefreshRate > 480 {
		return ErrBadRefresh
	}
	if p.BitrateBps == 0 {
		return ErrBadBitrate
	}
	if !p.Codec.Valid() {
		return ErrUnknownCodec
	}
	if p.MaxQP != 0 && p.MinQP > p.MaxQP {
		return ErrBadQPRange
	}
	return nil
}

// NeedsReset reports whether switching to next requires a full pipeline
// rebuild instead of a live encoder update.
func (p StreamParams) NeedsReset(next StreamParams) bool {
	return p.Width != next.Width || p.Height != next.Height || p.Codec != next.Codec
}
