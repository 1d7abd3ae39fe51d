package hidreport

import "github.com/rpkgo/firmware/internal/layout"

// Kind discriminates the HID events the mapper emits, per spec.md §4.5.
type Kind int

const (
	Basic Kind = iota
	Modifiers
	PendingModifiers
	Consumer
	SysCtl
	MouseButton
	MouseMove
	Clear
	Delay
)

// Axis selects which mouse report field a MouseMove event updates.
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisWheelY
	AxisWheelX
)

// Event is one HID-level event the mapper emits onto the HID-event
// channel, consumed one at a time by Reporter.Handle.
type Event struct {
	Kind Kind

	Key  layout.Code // Basic, Consumer, SysCtl
	Down bool        // Basic, Modifiers, PendingModifiers

	Bits uint8 // Modifiers, PendingModifiers, MouseButton

	Axis  Axis  // MouseMove
	Value int8  // MouseMove

	DelayMs uint16 // Delay
}
