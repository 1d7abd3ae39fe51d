package mapper

import (
	"time"

	"github.com/rpkgo/firmware/internal/hidreport"
	"github.com/rpkgo/firmware/internal/layout"
)

// mouseReportPeriod is the fixed report window mouse moves accumulate
// over while any direction key is down (spec.md §4.4.5).
const mouseReportPeriod = 16 * time.Millisecond

// mouseController implements the cubic-Bezier acceleration curve and
// three named profiles of spec.md §4.4.5: slow/normal/fast, each with
// independent movement and scroll settings, hot-swapped by the 0x10-0x12
// accel keys.
type mouseController struct {
	globals *layout.Globals

	activeProfile int
	dirDown       [8]bool // 0:X- 1:X+ 2:Y- 3:Y+ 4:WheelY- 5:WheelY+ 6:WheelX- 7:WheelX+

	firstPressAt time.Time
	lastReportAt time.Time
	residue      [4]float32 // X, Y, WheelY, WheelX

	buttons uint8
}

func newMouseController(globals *layout.Globals) *mouseController {
	return &mouseController{
		globals:       globals,
		activeProfile: layout.ProfileNormal,
		lastReportAt:  time.Now(),
	}
}

func (mc *mouseController) reset() {
	mc.dirDown = [8]bool{}
	mc.residue = [4]float32{}
	mc.buttons = 0
	mc.activeProfile = layout.ProfileNormal
}

func (mc *mouseController) anyDown() bool {
	for _, d := range mc.dirDown {
		if d {
			return true
		}
	}
	return false
}

// handleAction processes one mouse-family action press/release.
func (mc *mouseController) handleAction(code layout.Code, down bool, now time.Time, emit func(hidreport.Event)) {
	switch {
	case code.IsMouseButton():
		bit := code.MouseButtonBit()
		if down {
			mc.buttons |= bit
		} else {
			mc.buttons &^= bit
		}
		emit(hidreport.Event{Kind: hidreport.MouseButton, Bits: mc.buttons})

	case code.IsMouseDelta():
		wasAny := mc.anyDown()
		mc.dirDown[code.MouseDeltaIndex()] = down
		nowAny := mc.anyDown()
		if !wasAny && nowAny {
			mc.firstPressAt = now
			mc.lastReportAt = now
			mc.residue = [4]float32{}
		}

	case code.IsMouseAccel():
		if down {
			mc.activeProfile = code.MouseAccelProfile()
		}
	}
}

// nextEventTime reports when the mouse controller next needs ticking: one
// report-window after the last report, or timer.Max ("no deadline") when
// every direction key has been released, matching the §8 property that no
// further moves are emitted once released.
func (mc *mouseController) nextEventTime(now time.Time) time.Time {
	if !mc.anyDown() {
		return farFuture
	}
	return mc.lastReportAt.Add(mouseReportPeriod)
}

var farFuture = time.Unix(1<<62, 0)

// tick accumulates one report-window's motion for every axis with a
// direction key held and emits a MouseMove per axis with a non-zero
// integer delta, preserving the sub-integer remainder across windows
// (spec.md §4.4.5, and the §8 integral-delta property).
func (mc *mouseController) tick(now time.Time, emit func(hidreport.Event)) {
	if !mc.anyDown() || now.Before(mc.lastReportAt.Add(mouseReportPeriod)) {
		return
	}
	windowMs := float32(now.Sub(mc.lastReportAt).Milliseconds())
	elapsedMs := float32(now.Sub(mc.firstPressAt).Milliseconds())
	profile := mc.globals.MouseProfiles[mc.activeProfile]

	axes := [4]struct {
		neg, pos int
		axis     hidreport.Axis
		settings layout.MouseAnalogSettings
	}{
		{0, 1, hidreport.AxisX, profile.Movement},
		{2, 3, hidreport.AxisY, profile.Movement},
		{4, 5, hidreport.AxisWheelY, profile.Scroll},
		{6, 7, hidreport.AxisWheelX, profile.Scroll},
	}

	for i, a := range axes {
		dir := 0
		if mc.dirDown[a.neg] {
			dir--
		}
		if mc.dirDown[a.pos] {
			dir++
		}
		if dir == 0 {
			mc.residue[i] = 0
			continue
		}
		rate := analogRate(a.settings, elapsedMs) * float32(dir)
		delta := rate*windowMs + mc.residue[i]
		iv := clampDelta(delta)
		mc.residue[i] = delta - float32(iv)
		if iv != 0 {
			emit(hidreport.Event{Kind: hidreport.MouseMove, Axis: a.axis, Value: iv})
		}
	}
	mc.lastReportAt = now
}

func clampDelta(delta float32) int8 {
	v := int32(delta)
	if v > 127 {
		v = 127
	}
	if v < -127 {
		v = -127
	}
	return int8(v)
}

// analogRate is the per-millisecond tick rate at elapsedMs into a
// constant-held direction key: min_ticks + max_ticks * B(clamp(t)), a
// cubic Bezier with fixed endpoints 0 and 1 (spec.md §4.4.5).
func analogRate(s layout.MouseAnalogSettings, elapsedMs float32) float32 {
	t := elapsedMs / s.MaxTimeMs
	return s.MinTicksPerMs + s.MaxTicksPerMs*bezier(t, s.C0, s.C1)
}

func bezier(t, c0, c1 float32) float32 {
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	u := 1 - t
	return 3*u*u*t*c0 + 3*u*t*t*c1 + t*t*t
}
