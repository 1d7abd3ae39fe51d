package mapper

import (
	"fmt"

	"github.com/rpkgo/firmware/internal/hidreport"
	"github.com/rpkgo/firmware/internal/layout"
)

// ErrReplaceLayersUnimplemented is the sentinel executeAction returns for
// any replace_layers action (0xA00-0xAFF): the range is reserved but left
// unimplemented, per the Open Question in spec.md §9.
var ErrReplaceLayersUnimplemented = fmt.Errorf("mapper: replace_layers action is reserved and unimplemented")

// executeAction runs the effect of one resolved action code, classified by
// its numeric range per spec.md §6. mod is the resolving layer's modifier
// bitmap from the same Lookup call that produced code, applied for the
// duration this specific key is held (spec.md §4.4.3). The only action that
// can fail is replace_layers; every other case is infallible.
func (m *Mapper) executeAction(code layout.Code, mod uint8, row, col int, down bool) error {
	if mod != 0 {
		m.applyModifiers(mod, down)
	}

	switch {
	case code.IsFirmware():
		if down {
			m.executeFirmware(code)
		}

	case code.IsModifier():
		m.applyModifiers(code.ModifierBit(), down)

	case code.IsBasicKey():
		m.emit(hidreport.Event{Kind: hidreport.Basic, Key: code, Down: down})

	case code.IsConsumer():
		if down {
			m.emit(hidreport.Event{Kind: hidreport.Consumer, Key: code})
		} else {
			m.emit(hidreport.Event{Kind: hidreport.Consumer, Key: 0})
		}

	case code.IsSysCtl():
		if down {
			m.emit(hidreport.Event{Kind: hidreport.SysCtl, Key: code})
		} else {
			m.emit(hidreport.Event{Kind: hidreport.SysCtl, Key: 0})
		}

	case code.IsMouse():
		m.mouse.handleAction(code, down, m.now, m.emit)

	case code.IsLayerPush():
		if down {
			m.layoutMgr.Push(code.LayerNum(), false)
		} else {
			m.layoutMgr.Pop(code.LayerNum())
		}

	case code.IsLayerToggle():
		if down {
			m.toggleLayer(code.LayerNum())
		}

	case code.IsSetLayout():
		if down {
			m.layoutMgr.SetLayout(code.LayerNum())
		}

	case code.IsOneShot():
		m.handleOneShot(code.LayerNum(), row, col, down)

	case code.IsReplaceLayers():
		if down {
			return fmt.Errorf("mapper: code 0x%03x: %w", int(code), ErrReplaceLayersUnimplemented)
		}

	case code.IsMacro():
		if ref, ok := m.resolveMacroRef(code); ok {
			return m.executeMacro(ref, row, col, down)
		}
	}
	return nil
}

func (m *Mapper) executeFirmware(code layout.Code) {
	switch code {
	case layout.FWReset:
		m.firmwareReset()
	case layout.FWResetToUSBBoot:
		m.firmwareResetToUSBBoot()
	case layout.FWClearAll:
		m.clearAll()
	case layout.FWClearLayers:
		m.layoutMgr.ClearModifierLayers()
	case layout.FWStopActive:
		m.layoutMgr.ClearModifierLayers()
		m.emit(hidreport.Event{Kind: hidreport.Clear})
	}
}

// firmwareReset and firmwareResetToUSBBoot invoke the process-wide,
// critical-section-guarded handler pointers (spec.md §9's Global State
// note), kept as two independent registrable hooks per
// firmware_functions.rs rather than one combined callback.
func (m *Mapper) firmwareReset() {
	m.resetMu.Lock()
	fn := m.resetFn
	m.resetMu.Unlock()
	if fn != nil {
		fn()
		return
	}
	m.logger.Warn("mapper: reset requested but no handler registered")
}

func (m *Mapper) firmwareResetToUSBBoot() {
	m.resetMu.Lock()
	fn := m.resetToUSBBoot
	m.resetMu.Unlock()
	if fn != nil {
		fn()
		return
	}
	m.logger.Warn("mapper: reset-to-usb-boot requested but no handler registered")
}

func (m *Mapper) resolveMacroRef(code layout.Code) (*layout.MacroRef, bool) {
	idx := code.MacroIndex()
	a := m.layoutMgr.Artifact()
	if idx < 0 || idx >= len(a.Macros) {
		return nil, false
	}
	return &a.Macros[idx], true
}
