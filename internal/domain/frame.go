package domain

// EncodedFrame is one compressed video (or audio) frame as it travels the
// media path. Seq is monotonically increasing per stream; the receiver reads
// gaps as loss.
type EncodedFrame struct {
	Payload    []byte
	IsKeyframe bool
	Seq        uint64
	CaptureTS  int64 // microseconds, sender clock
}

// CursorState is delivered out-of-band from the host, independent of video
// cadence. Position is normalized to [0,1] of the host display.
type CursorState struct {
	ID      int32
	X       float32
	Y       float32
	Visible bool
}
