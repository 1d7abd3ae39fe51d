package mapper

import (
	"github.com/rpkgo/firmware/internal/hidreport"
	"github.com/rpkgo/firmware/internal/layout"
)

// Macro body kinds. spec.md §4.4.4 names these five families; the exact
// wire tag is this repository's own encoding of the macro body (the
// distilled spec fixes the layer body format precisely but leaves macro
// body encoding unspecified beyond the behavior each kind must have).
const (
	macroKindModifier = iota
	macroKindSequence
	macroKindHoldReleasePair
	macroKindDualAction
	macroKindDelay
)

// decodedMacro is a macro body split into its kind tag and payload words.
type decodedMacro struct {
	kind  int
	words []uint16
}

func (m *Mapper) decodeMacro(ref *layout.MacroRef) decodedMacro {
	a := m.layoutMgr.Artifact()
	words := make([]uint16, 0, ref.Length)
	for i := uint32(1); i < ref.Length; i++ {
		words = append(words, a.Word(ref.Offset+i))
	}
	return decodedMacro{kind: int(a.Word(ref.Offset)), words: words}
}

// executeMacro runs one macro invocation. Delay macros run to completion
// immediately on press; Modifier macros apply their modifiers and tap their
// key on press and release the modifiers on release; Sequence macros push a frame the main
// loop steps one entry per iteration; Hold-Release-Pair macros select
// their hold or release sub-macro by which edge triggered them;
// Dual-Action macros are intercepted earlier, in handlePress, before
// reaching here (they never enter active_actions).
func (m *Mapper) executeMacro(ref *layout.MacroRef, row, col int, down bool) error {
	dm := m.decodeMacro(ref)
	switch dm.kind {
	case macroKindModifier:
		// Atomic "modifier-set + key" (spec.md §4.4.4): the macro key's own
		// press emits pending-modifiers down and the tap, and its own
		// release emits the matching non-pending modifiers up — the two
		// edges of one macro invocation, not a bit-crossing calculation.
		if len(dm.words) < 2 {
			return nil
		}
		tapCode := layout.Code(dm.words[0])
		modBits := uint8(dm.words[1])
		if down {
			m.macroModifierEdge(modBits, true)
			return m.runTapAction(tapCode, row, col)
		}
		m.macroModifierEdge(modBits, false)

	case macroKindSequence:
		if !down {
			return nil
		}
		m.layoutMgr.PushMacroFrame(layout.MacroFrame{
			Offset:    ref.Offset + 1,
			Remaining: ref.Length - 1,
		})

	case macroKindHoldReleasePair:
		if len(dm.words) < 2 {
			return nil
		}
		var subIdx uint16
		if down {
			subIdx = dm.words[0]
		} else {
			subIdx = dm.words[1]
		}
		a := m.layoutMgr.Artifact()
		if int(subIdx) < len(a.Macros) {
			return m.executeMacro(&a.Macros[subIdx], row, col, true)
		}

	case macroKindDualAction:
		if down {
			m.setupDualAction(row, col, dm)
		}

	case macroKindDelay:
		if down && len(dm.words) >= 1 {
			m.emit(hidreport.Event{Kind: hidreport.Delay, DelayMs: dm.words[0]})
		}
	}
	return nil
}

// stepMacro advances the running sequence macro one entry: each entry is a
// (mode, code) word pair, run as tap (press then release), hold (press
// only), or release (release only), per spec.md §4.4.4.
func (m *Mapper) stepMacro() error {
	frame := m.layoutMgr.CurrentMacroFrame()
	if frame == nil {
		return nil
	}
	if frame.Remaining < 2 {
		m.layoutMgr.PopMacroFrame()
		return nil
	}

	a := m.layoutMgr.Artifact()
	mode := layout.MacroMode(a.Word(frame.Offset))
	code := layout.Code(a.Word(frame.Offset + 1))
	frame.Offset += 2
	frame.Remaining -= 2

	var err error
	switch mode {
	case layout.MacroTap:
		if err = m.executeAction(code, 0, -1, -1, true); err == nil {
			err = m.executeAction(code, 0, -1, -1, false)
		}
	case layout.MacroHold:
		err = m.executeAction(code, 0, -1, -1, true)
	case layout.MacroRelease:
		err = m.executeAction(code, 0, -1, -1, false)
	}

	if frame.Remaining == 0 {
		m.layoutMgr.PopMacroFrame()
	}
	return err
}
