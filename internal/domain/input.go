package domain

type InputKind string

const (
	InputKey     InputKind = "key"
	InputPointer InputKind = "pointer"
	InputWheel   InputKind = "wheel"
	InputGamepad InputKind = "gamepad"
)

type MouseButton uint8

const ButtonNone MouseButton = 0

const (
	ButtonLeft MouseButton = 1 << iota
	ButtonRight
	ButtonMiddle
	ButtonX1
	ButtonX2
)

// InputEvent is the tagged union replayed at the host. Pointer coordinates in
// absolute mode are normalized to [0,1] so client and host resolutions never
// need translating against each other.
type InputEvent struct {
	Kind InputKind `json:"kind"`

	// key
	Scancode uint16 `json:"scancode,omitempty"`
	Down     bool   `json:"down,omitempty"`

	// pointer
	Absolute bool        `json:"absolute,omitempty"`
	X        float32     `json:"x,omitempty"`
	Y        float32     `json:"y,omitempty"`
	DX       int32       `json:"dx,omitempty"`
	DY       int32       `json:"dy,omitempty"`
	Buttons  MouseButton `json:"buttons,omitempty"`

	// wheel
	WheelDelta int32 `json:"wheel_delta,omitempty"`

	// gamepad
	GamepadIndex  uint8  `json:"gamepad_index,omitempty"`
	GamepadButton uint16 `json:"gamepad_button,omitempty"`
	GamepadAxis   uint8  `json:"gamepad_axis,omitempty"`
	GamepadValue  int16  `json:"gamepad_value,omitempty"`
}
