package mapper_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rpkgo/firmware/internal/hidreport"
	"github.com/rpkgo/firmware/internal/layout"
	"github.com/rpkgo/firmware/internal/scanner"
)

// macroCode builds the layout.Code for the macro table entry at idx.
func macroCode(idx int) layout.Code { return layout.Code(0x1000 + idx) }

// TestMapper_ModifierMacroEmitsPendingDownThenPlainUp drives spec.md §8
// Scenario 2 exactly: Modifier(0x1b, mods=0x03), pressed then released.
// The macro sets two modifier bits at once, so the fix for the atomic
// "pending down / plain up" protocol must not fall back to a bit-count
// heuristic: press emits PendingModifiers, release emits plain Modifiers,
// regardless of how many bits are set.
func TestMapper_ModifierMacroEmitsPendingDownThenPlainUp(t *testing.T) {
	const tapCode = layout.Code(0x1b)
	const modBits = uint8(0x03)

	macroBody := []uint16{0 /* macroKindModifier */, uint16(tapCode), uint16(modBits)}
	a := buildArtifact(t, 1, 1, map[int]layout.Code{0: macroCode(0)}, [][]uint16{macroBody})

	scans, _, m := newHarness(t, a)
	cancel, events := runHarness(t, m)
	defer cancel()

	scans <- scanner.Event{Row: 0, Col: 0, Pressed: true, Timestamp: time.Now()}

	ev := recvEvent(t, events)
	assert.Equal(t, hidreport.PendingModifiers, ev.Kind)
	assert.Equal(t, modBits, ev.Bits)
	assert.True(t, ev.Down)

	ev = recvEvent(t, events)
	assert.Equal(t, hidreport.Basic, ev.Kind)
	assert.Equal(t, tapCode, ev.Key)
	assert.True(t, ev.Down)

	ev = recvEvent(t, events)
	assert.Equal(t, hidreport.Basic, ev.Kind)
	assert.False(t, ev.Down)

	scans <- scanner.Event{Row: 0, Col: 0, Pressed: false, Timestamp: time.Now()}

	ev = recvEvent(t, events)
	assert.Equal(t, hidreport.Modifiers, ev.Kind, "release must flush a plain Modifiers event, not PendingModifiers")
	assert.Equal(t, modBits, ev.Bits)
	assert.False(t, ev.Down)
}

// TestMapper_SequenceMacroStepsTapsInOrder drives a two-step Sequence
// macro end to end through stepMacro, confirming each MacroTap entry
// emits a press then a release in the order encoded.
func TestMapper_SequenceMacroStepsTapsInOrder(t *testing.T) {
	codeA := layout.Code(0x04)
	codeB := layout.Code(0x05)

	macroBody := []uint16{
		1, // macroKindSequence
		uint16(layout.MacroTap), uint16(codeA),
		uint16(layout.MacroTap), uint16(codeB),
	}
	a := buildArtifact(t, 1, 1, map[int]layout.Code{0: macroCode(0)}, [][]uint16{macroBody})

	scans, _, m := newHarness(t, a)
	cancel, events := runHarness(t, m)
	defer cancel()

	scans <- scanner.Event{Row: 0, Col: 0, Pressed: true, Timestamp: time.Now()}

	ev := recvEvent(t, events)
	assert.Equal(t, codeA, ev.Key)
	assert.True(t, ev.Down)
	ev = recvEvent(t, events)
	assert.Equal(t, codeA, ev.Key)
	assert.False(t, ev.Down)

	ev = recvEvent(t, events)
	assert.Equal(t, codeB, ev.Key)
	assert.True(t, ev.Down)
	ev = recvEvent(t, events)
	assert.Equal(t, codeB, ev.Key)
	assert.False(t, ev.Down)
}
