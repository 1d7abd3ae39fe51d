package layout

import "time"

// MainLayerIndex is the reserved "main" slot: stack[0] always holds it,
// and SetLayout replaces only this entry (spec.md §4.3).
const MainLayerIndex = 5

type stackEntry struct {
	layer    uint16
	rightMod bool
}

// MacroMode is the action a running sequence-macro step performs, per
// spec.md §4.4.4.
type MacroMode int

const (
	MacroTap MacroMode = iota
	MacroHold
	MacroRelease
)

// MacroFrame is one entry of the macro stack: which sequence macro is
// running, where in the artifact it is, and how many words remain.
type MacroFrame struct {
	Mode      MacroMode
	Offset    uint32
	Remaining uint32
}

// Memo is a deferred scan event or action, recorded in arrival order in the
// memo ring while a dual-action decision is pending (spec.md §3, §4.4.2).
type Memo struct {
	Row, Col  int
	Pressed   bool
	Timestamp time.Time
}

// Manager owns a decoded Artifact plus the mutable active-layer stack and
// the macro-stack/memo-ring region that, on the original firmware, share
// one fixed arena growing from opposite ends (spec.md §4.3). This host
// model keeps the same capacity-gated push/pop contract — PushMacroFrame
// and PushMemo return false on exhaustion exactly like the embedded arena
// would — without literally packing a shared word buffer, since the host
// has no analogue of LAYOUT_MAX's fixed-memory constraint.
type Manager struct {
	artifact *Artifact

	stack           []stackEntry
	partCount       map[uint16]int
	compositeActive map[uint16]bool

	macroStack []MacroFrame
	memoRing   []Memo

	capMacroFrames int
	capMemoEntries int
}

// NewManager constructs a Manager over a decoded artifact, with the given
// macro-stack and memo-ring capacities standing in for the shared arena's
// size budget.
func NewManager(a *Artifact, capMacroFrames, capMemoEntries int) *Manager {
	m := &Manager{
		artifact:        a,
		partCount:       make(map[uint16]int),
		compositeActive: make(map[uint16]bool),
		capMacroFrames:  capMacroFrames,
		capMemoEntries:  capMemoEntries,
	}
	m.resetStack()
	return m
}

func (m *Manager) resetStack() {
	m.stack = []stackEntry{{layer: MainLayerIndex}}
	for k := range m.partCount {
		delete(m.partCount, k)
	}
	for k := range m.compositeActive {
		delete(m.compositeActive, k)
	}
}

// Artifact returns the currently loaded artifact.
func (m *Manager) Artifact() *Artifact { return m.artifact }

// Reload swaps in a freshly decoded artifact and resets the active-layer
// stack to its power-on state (main layout only), plus clears the macro
// stack and memo ring. Used by the mapper's hot-reload path (spec.md
// §4.6).
func (m *Manager) Reload(a *Artifact) {
	m.artifact = a
	m.resetStack()
	m.macroStack = m.macroStack[:0]
	m.memoRing = m.memoRing[:0]
}

// ClearAll resets layer stack, macro stack, and memo ring without replacing
// the artifact — used by the firmware clear-all action (spec.md §4.4.3).
func (m *Manager) ClearAll() {
	m.resetStack()
	m.macroStack = m.macroStack[:0]
	m.memoRing = m.memoRing[:0]
}

// Push appends layerNum to the active-layer stack and, if it is a
// composite participant whose presence newly completes some composite
// layer's bitmap, pushes that composite too (spec.md §4.3).
func (m *Manager) Push(layerNum uint16, rightMod bool) {
	m.stack = append(m.stack, stackEntry{layer: layerNum, rightMod: rightMod})
	if int(layerNum) >= len(m.artifact.Layers) {
		return
	}
	layer := &m.artifact.Layers[layerNum]
	if layer.CompositeBits != compositePart {
		return
	}
	m.partCount[layerNum]++
	if m.partCount[layerNum] != 1 {
		return
	}
	m.activateSatisfiedComposites()
}

func (m *Manager) activeMask() uint32 {
	var mask uint32
	for layerNum, n := range m.partCount {
		if n > 0 && layerNum < 32 {
			mask |= 1 << layerNum
		}
	}
	return mask
}

func (m *Manager) activateSatisfiedComposites() {
	mask := m.activeMask()
	for idx := range m.artifact.Layers {
		l := &m.artifact.Layers[idx]
		if l.CompositeBits != compositeFull || m.compositeActive[uint16(idx)] {
			continue
		}
		if mask&l.CompositeMask == l.CompositeMask {
			m.compositeActive[uint16(idx)] = true
			m.stack = append(m.stack, stackEntry{layer: uint16(idx)})
		}
	}
}

func (m *Manager) topIndex(layerNum uint16) int {
	for i := len(m.stack) - 1; i >= 0; i-- {
		if m.stack[i].layer == layerNum {
			return i
		}
	}
	return -1
}

func (m *Manager) removeAt(i int) {
	m.stack = append(m.stack[:i], m.stack[i+1:]...)
}

// Pop removes the topmost occurrence of layerNum. If it was the last
// active copy of a composite participant, composite layers above the
// removed position whose bitmap is no longer satisfied are evicted too,
// leaving an older, still-satisfied activation of the same composite
// undisturbed (spec.md §4.3).
func (m *Manager) Pop(layerNum uint16) {
	idx := m.topIndex(layerNum)
	if idx < 0 {
		return
	}
	m.removeAt(idx)

	if int(layerNum) >= len(m.artifact.Layers) {
		return
	}
	layer := &m.artifact.Layers[layerNum]
	if layer.CompositeBits != compositePart {
		return
	}
	if m.partCount[layerNum] > 0 {
		m.partCount[layerNum]--
	}
	if m.partCount[layerNum] > 0 {
		return
	}

	mask := m.activeMask()
	for i := len(m.stack) - 1; i >= idx; i-- {
		e := m.stack[i]
		if int(e.layer) >= len(m.artifact.Layers) {
			continue
		}
		l := &m.artifact.Layers[e.layer]
		if l.CompositeBits == compositeFull && m.compositeActive[e.layer] && mask&l.CompositeMask != l.CompositeMask {
			m.compositeActive[e.layer] = false
			m.removeAt(i)
		}
	}
}

// ClearModifierLayers removes every stack entry whose layer index is below
// ReservedModifierLayers-1 (i.e. < 5: control/shift/alt/gui/altgr),
// preserving the relative order of the remainder — including the main
// layer at index 5, which is never removed this way (spec.md §4.3).
func (m *Manager) ClearModifierLayers() {
	kept := m.stack[:0]
	for _, e := range m.stack {
		if e.layer < MainLayerIndex {
			continue
		}
		kept = append(kept, e)
	}
	m.stack = kept
}

// SetLayout replaces the bottom ("main") stack slot with n.
func (m *Manager) SetLayout(n uint16) {
	if len(m.stack) == 0 {
		m.stack = []stackEntry{{layer: n}}
		return
	}
	m.stack[0] = stackEntry{layer: n}
}

// Lookup resolves (row,col) by scanning the active-layer stack top to
// bottom, returning the first non-zero action code and the resolving
// layer's modifier bitmap (shifted to the right-hand modifiers if the
// stack entry carries the right-modifier flag).
func (m *Manager) Lookup(row, col int) (Code, uint8, bool) {
	for i := len(m.stack) - 1; i >= 0; i-- {
		e := m.stack[i]
		if int(e.layer) >= len(m.artifact.Layers) {
			continue
		}
		layer := &m.artifact.Layers[e.layer]
		code, ok := layer.Lookup(row, col, m.artifact.ColCount)
		if !ok {
			continue
		}
		mod := layer.ModifierBitmap
		if e.rightMod {
			mod <<= 4
		}
		return code, mod, true
	}
	return 0, 0, false
}

// PushMacroFrame pushes f onto the macro stack, returning false if the
// arena's macro-stack/memo-ring region has no room left (spec.md §7:
// "push-memo / push-macro return false").
func (m *Manager) PushMacroFrame(f MacroFrame) bool {
	if len(m.macroStack) >= m.capMacroFrames {
		return false
	}
	m.macroStack = append(m.macroStack, f)
	return true
}

// PopMacroFrame removes and returns the top macro frame.
func (m *Manager) PopMacroFrame() (MacroFrame, bool) {
	if len(m.macroStack) == 0 {
		return MacroFrame{}, false
	}
	f := m.macroStack[len(m.macroStack)-1]
	m.macroStack = m.macroStack[:len(m.macroStack)-1]
	return f, true
}

// CurrentMacroFrame returns a mutable pointer to the top macro frame, or
// nil if none is running.
func (m *Manager) CurrentMacroFrame() *MacroFrame {
	if len(m.macroStack) == 0 {
		return nil
	}
	return &m.macroStack[len(m.macroStack)-1]
}

// PushMemo appends a deferred event to the memo ring, returning false if
// the ring already holds capMemoEntries memos (spec.md §4.3).
func (m *Manager) PushMemo(memo Memo) bool {
	if len(m.memoRing) >= m.capMemoEntries {
		return false
	}
	m.memoRing = append(m.memoRing, memo)
	return true
}

// PopMemo removes and returns the oldest memo (FIFO replay order).
func (m *Manager) PopMemo() (Memo, bool) {
	if len(m.memoRing) == 0 {
		return Memo{}, false
	}
	memo := m.memoRing[0]
	m.memoRing = m.memoRing[1:]
	return memo, true
}

// MemoLen reports how many memos are queued.
func (m *Manager) MemoLen() int { return len(m.memoRing) }

// Defragment is a no-op retained for interface parity with the embedded
// arena's compaction step; the host model's macro stack and memo ring are
// independent slices with no shared backing buffer to compact.
func (m *Manager) Defragment() {}
