package input

import "github.com/dkeye/Mirror/internal/domain"

// Capture-side constructors: turn raw OS values into normalized events. The
// session-wide absolute/relative tag is stamped by the coordinator on send,
// so pointer events are built untagged here.

func KeyEvent(scancode uint16, down bool) domain.InputEvent {
	return domain.InputEvent{Kind: domain.InputKey, Scancode: scancode, Down: down}
}

// AbsolutePointer normalizes window coordinates to [0,1] against the local
// window size, so host/client resolution differences need no translation.
func AbsolutePointer(x, y, width, height int32, buttons domain.MouseButton) domain.InputEvent {
	ev := domain.InputEvent{Kind: domain.InputPointer, Buttons: buttons}
	if width > 0 {
		ev.X = clamp01(float32(x) / float32(width))
	}
	if height > 0 {
		ev.Y = clamp01(float32(y) / float32(height))
	}
	return ev
}

func RelativePointer(dx, dy int32, buttons domain.MouseButton) domain.InputEvent {
	return domain.InputEvent{Kind: domain.InputPointer, DX: dx, DY: dy, Buttons: buttons}
}

func WheelEvent(delta int32) domain.InputEvent {
	return domain.InputEvent{Kind: domain.InputWheel, WheelDelta: delta}
}

func GamepadButton(index uint8, button uint16, down bool) domain.InputEvent {
	return domain.InputEvent{
		Kind: domain.InputGamepad, GamepadIndex: index, GamepadButton: button, Down: down,
	}
}

func GamepadAxis(index, axis uint8, value int16) domain.InputEvent {
	return domain.InputEvent{
		Kind: domain.InputGamepad, GamepadIndex: index, GamepadAxis: axis, GamepadValue: value,
	}
}
