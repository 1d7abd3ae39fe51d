package mapper

import (
	"math/bits"
	"time"

	"github.com/rpkgo/firmware/internal/hidreport"
	"github.com/rpkgo/firmware/internal/layout"
)

type dualPhase int

const (
	dualWait dualPhase = iota
	dualInterloped
)

// dualActionState is the single pending dual-action decision; spec.md §4.4.2
// and its Open Question treat dual-action resolution as a single global
// pending slot, not one per key, so a second key's press while one is
// pending becomes an "interloper" of the first rather than an independent
// decision.
type dualActionState struct {
	row, col          int
	tapCode, holdCode layout.Code
	time1, time2      time.Duration
	start, deadline   time.Time
	phase             dualPhase
	count             int
}

type oneShotPhase int

const (
	osWaitUp oneShotPhase = iota
	osReady
)

type oneshotState struct {
	layer    uint16
	row, col int
	phase    oneShotPhase
}

// dispatchScan routes one scan event per spec.md §4.4.2: while a dual
// action decision is pending, events are appended to the memo ring unless
// they resolve it (the terminal case of the SAME key releasing); otherwise
// the event is dispatched directly.
func (m *Mapper) dispatchScan(row, col int, pressed bool) error {
	if m.dual != nil {
		resolved, err := m.tryResolveDual(row, col, pressed)
		if resolved {
			return err
		}
		if !m.layoutMgr.PushMemo(layout.Memo{Row: row, Col: col, Pressed: pressed, Timestamp: m.now}) {
			m.clearAll()
		}
		return err
	}

	if pressed {
		return m.handlePress(row, col)
	}
	return m.handleRelease(row, col)
}

// tryResolveDual advances the pending dual-action FSM. It returns true
// only for the terminal case that fully resolves the decision without
// needing to be memoed (the same key releasing, resolved as TAP); every
// other event — including interlopers that trip the FSM toward HOLD — is
// still memoed by the caller so replay preserves arrival order.
func (m *Mapper) tryResolveDual(row, col int, pressed bool) (bool, error) {
	d := m.dual
	if row == d.row && col == d.col {
		if !pressed {
			m.dual = nil
			return true, m.runTapAction(d.tapCode, row, col)
		}
		return false, nil
	}

	if !pressed {
		return false, nil
	}

	switch d.phase {
	case dualWait:
		if !m.now.Before(d.deadline) {
			return false, m.resolveDualHold()
		}
		d.count--
		d.phase = dualInterloped
		d.deadline = d.start.Add(d.time1 + d.time2)
		if d.count <= 0 {
			return false, m.resolveDualHold()
		}
	case dualInterloped:
		return false, m.resolveDualHold()
	}
	return false, nil
}

// resolveDualHold commits the pending decision to HOLD: the hold action is
// pressed (and recorded so the eventual key-up undoes it exactly), mirroring
// spec.md §4.4.3's active-action press/release symmetry.
func (m *Mapper) resolveDualHold() error {
	d := m.dual
	m.dual = nil
	m.activeActions[cellKey(d.row, d.col)] = pressedAction{code: d.holdCode}
	return m.executeAction(d.holdCode, 0, d.row, d.col, true)
}

// runTapAction resolves a dual-action decision to TAP: a synthetic
// press-then-release of the tap code, never entering active_actions since
// nothing remains held afterward.
func (m *Mapper) runTapAction(code layout.Code, row, col int) error {
	if err := m.executeAction(code, 0, row, col, true); err != nil {
		return err
	}
	return m.executeAction(code, 0, row, col, false)
}

func (m *Mapper) setupDualAction(row, col int, dm decodedMacro) {
	tapCode := layout.Code(dm.words[0])
	holdCode := layout.Code(dm.words[1])
	t1 := resolveTimeout(dm.words[2], layout.TimeoutDualActionTime1, m.layoutMgr.Artifact())
	t2 := resolveTimeout(dm.words[3], layout.TimeoutDualActionTime2, m.layoutMgr.Artifact())
	m.dual = &dualActionState{
		row: row, col: col,
		tapCode: tapCode, holdCode: holdCode,
		time1: t1, time2: t2,
		start: m.now, deadline: m.now.Add(t1),
		phase: dualWait, count: 2,
	}
}

func resolveTimeout(word uint16, idx int, a *layout.Artifact) time.Duration {
	if word == layout.DefaultTimeout {
		return time.Duration(a.Globals.Timeouts[idx]) * time.Millisecond
	}
	return time.Duration(word) * time.Millisecond
}

func (m *Mapper) handlePress(row, col int) error {
	code, mod, ok := m.layoutMgr.Lookup(row, col)
	if !ok {
		return nil
	}

	if code.IsMacro() {
		if ref, ok2 := m.resolveMacroRef(code); ok2 {
			dm := m.decodeMacro(ref)
			if dm.kind == macroKindDualAction {
				m.setupDualAction(row, col, dm)
				return nil
			}
		}
	}

	m.activeActions[cellKey(row, col)] = pressedAction{code: code, mod: mod}
	return m.executeAction(code, mod, row, col, true)
}

func (m *Mapper) handleRelease(row, col int) error {
	key := cellKey(row, col)
	var err error
	if pa, ok := m.activeActions[key]; ok {
		delete(m.activeActions, key)
		err = m.executeAction(pa.code, pa.mod, row, col, false)
	}
	m.resolveOneShots(row, col)
	return err
}

// applyModifiers updates the per-bit reference counts for every set bit in
// bits and emits the appropriate HID event for whichever bits actually
// cross the 0<->1 boundary: a single crossing bit emits a plain,
// immediately-flushed Modifiers event; more than one crossing bit at once
// (one action asserting a modifier combination) emits PendingModifiers so
// the eventual key event consolidates into a single report (spec.md
// §4.4.3, Glossary "Pending modifiers").
func (m *Mapper) applyModifiers(maskBits uint8, down bool) {
	var crossed uint8
	for b := 0; b < 8; b++ {
		bit := uint8(1) << uint(b)
		if maskBits&bit == 0 {
			continue
		}
		if down {
			m.modRef[b]++
			if m.modRef[b] == 1 {
				crossed |= bit
			}
		} else {
			if m.modRef[b] > 0 {
				m.modRef[b]--
			}
			if m.modRef[b] == 0 {
				crossed |= bit
			}
		}
	}
	if crossed == 0 {
		return
	}
	if bits.OnesCount8(crossed) == 1 {
		m.emit(hidreport.Event{Kind: hidreport.Modifiers, Bits: crossed, Down: down})
	} else {
		m.emit(hidreport.Event{Kind: hidreport.PendingModifiers, Bits: crossed, Down: down})
	}
}

// macroModifierEdge applies one edge of a Modifier macro's atomic
// "pending-modifiers down ... non-pending modifiers up" protocol (spec.md
// §4.4.4). Unlike applyModifiers, the emitted event's kind is fixed by
// edge rather than derived from how many bits cross 0<->1, matching the
// literal two-bit example in spec.md §8 Scenario 2 exactly. Reference
// counts are still updated so any other source holding an overlapping bit
// is tracked correctly.
func (m *Mapper) macroModifierEdge(maskBits uint8, down bool) {
	for b := 0; b < 8; b++ {
		bit := uint8(1) << uint(b)
		if maskBits&bit == 0 {
			continue
		}
		if down {
			m.modRef[b]++
		} else if m.modRef[b] > 0 {
			m.modRef[b]--
		}
	}
	if down {
		m.emit(hidreport.Event{Kind: hidreport.PendingModifiers, Bits: maskBits, Down: true})
		return
	}
	m.emit(hidreport.Event{Kind: hidreport.Modifiers, Bits: maskBits, Down: false})
}

func (m *Mapper) toggleLayer(n uint16) {
	if m.toggled[n] {
		m.layoutMgr.Pop(n)
		delete(m.toggled, n)
		return
	}
	m.layoutMgr.Push(n, false)
	m.toggled[n] = true
}

// handleOneShot implements the three-state FSM from spec.md §4.4.3 and the
// Glossary's "One-shot" entry: push on press, then wait for this key's own
// release (WaitUp -> Ready) before the pop is armed; the pop itself is
// triggered by the next OTHER key's release, in resolveOneShots.
func (m *Mapper) handleOneShot(n uint16, row, col int, down bool) {
	if down {
		m.layoutMgr.Push(n, false)
		m.oneshots = append(m.oneshots, oneshotState{layer: n, row: row, col: col, phase: osWaitUp})
		return
	}
	for i := range m.oneshots {
		os := &m.oneshots[i]
		if os.layer == n && os.row == row && os.col == col && os.phase == osWaitUp {
			os.phase = osReady
			return
		}
	}
}

func (m *Mapper) resolveOneShots(row, col int) {
	if len(m.oneshots) == 0 {
		return
	}
	kept := m.oneshots[:0]
	for _, os := range m.oneshots {
		if os.row == row && os.col == col {
			kept = append(kept, os)
			continue
		}
		if os.phase == osReady {
			m.layoutMgr.Pop(os.layer)
			continue
		}
		kept = append(kept, os)
	}
	m.oneshots = kept
}

// clearAll implements the firmware clear-all action (spec.md §4.4.3): wipes
// layer stack, modifier counts, macros, and mouse state, and emits a Clear
// report so no key or modifier is left stuck.
func (m *Mapper) clearAll() {
	m.layoutMgr.ClearAll()
	for i := range m.modRef {
		m.modRef[i] = 0
	}
	m.activeActions = make(map[int]pressedAction)
	m.dual = nil
	m.oneshots = nil
	m.toggled = make(map[uint16]bool)
	m.mouse.reset()
	m.emit(hidreport.Event{Kind: hidreport.Clear})
}
