// Package mapper is the system's heart (spec.md §4.4): it owns the layout
// manager, the mouse controller, the per-cell active-action table, the
// per-modifier-bit reference counts, the dual-action timer state, and the
// running macro frame, turning scan events into HID events.
package mapper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rpkgo/firmware/internal/control"
	"github.com/rpkgo/firmware/internal/hidreport"
	"github.com/rpkgo/firmware/internal/layout"
	"github.com/rpkgo/firmware/internal/ringfs"
	"github.com/rpkgo/firmware/internal/scanner"
	"github.com/rpkgo/firmware/internal/timer"
)

// FileStore is the ring-FS capability set the mapper needs for layout
// reload, matching spec.md §9's Dynamic Dispatch note so the mapper does
// not depend on ringfs.FS concretely.
type FileStore interface {
	FileReaderByIndex(index uint32) (*ringfs.FileDescriptor, error)
	ReadFile(desc *ringfs.FileDescriptor, data []byte) (uint32, error)
	CloseFile(desc *ringfs.FileDescriptor)
}

// minFreeHIDSlots is the report channel's minimum free-slot threshold the
// mapper maintains before it will ever drop a modifier transition
// (spec.md §4.4.1).
const minFreeHIDSlots = 4

// backoffCeiling bounds how many short back-off iterations the mapper
// spends waiting for HID channel capacity before proceeding anyway.
const backoffCeiling = 10

type pressedAction struct {
	code layout.Code
	mod  uint8
}

func cellKey(row, col int) int { return row<<16 | col }

// Mapper is the key-event state machine.
type Mapper struct {
	logger *slog.Logger

	scans  <-chan scanner.Event
	ctrl   *control.Control
	tmr    timer.Timer
	hidOut chan hidreport.Event
	store  FileStore

	rowCount, colCount int
	fallback           *layout.Artifact

	layoutMgr *layout.Manager

	activeActions map[int]pressedAction
	modRef        [8]int

	dual     *dualActionState
	oneshots []oneshotState
	toggled  map[uint16]bool

	mouse *mouseController

	now time.Time

	resetMu        sync.Mutex
	resetFn        func()
	resetToUSBBoot func()
}

// Option configures a Mapper at construction.
type Option func(*Mapper)

// WithHIDBufferSize sets the HID-event channel capacity. Default 16.
func WithHIDBufferSize(n int) Option {
	return func(m *Mapper) { m.hidOut = make(chan hidreport.Event, n) }
}

// WithResetHandlers registers the process-wide reset / reset-to-USB-boot
// function pointers (spec.md §9's Global State note).
func WithResetHandlers(reset, resetToUSBBoot func()) Option {
	return func(m *Mapper) {
		m.resetFn = reset
		m.resetToUSBBoot = resetToUSBBoot
	}
}

// New constructs a Mapper. fallback is the compiled-in default layout used
// whenever a reload fails to decode (spec.md §7).
func New(
	scans <-chan scanner.Event,
	ctrl *control.Control,
	tmr timer.Timer,
	store FileStore,
	fallback *layout.Artifact,
	logger *slog.Logger,
	opts ...Option,
) *Mapper {
	m := &Mapper{
		logger:        logger,
		scans:         scans,
		ctrl:          ctrl,
		tmr:           tmr,
		store:         store,
		rowCount:      fallback.RowCount,
		colCount:      fallback.ColCount,
		fallback:      fallback,
		hidOut:        make(chan hidreport.Event, 16),
		activeActions: make(map[int]pressedAction),
		toggled:       make(map[uint16]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.layoutMgr = layout.NewManager(fallback, 32, 32)
	m.mouse = newMouseController(&m.layoutMgr.Artifact().Globals)
	return m
}

// Events returns the channel HID events are published on for the
// reporter. Closed when Run returns.
func (m *Mapper) Events() <-chan hidreport.Event { return m.hidOut }

// Run drives the main loop described in spec.md §4.4.1 until ctx is
// cancelled or a control.SignalExit is received.
func (m *Mapper) Run(ctx context.Context) {
	defer close(m.hidOut)
	m.now = time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if frame := m.layoutMgr.CurrentMacroFrame(); frame != nil {
			m.awaitCapacity(ctx)
			if err := m.stepMacro(); err != nil {
				m.logger.Warn("mapper: action error while stepping macro", slog.Any("error", err))
			}
			m.rearmTimer()
			continue
		}

		if m.layoutMgr.MemoLen() > 0 && m.dual == nil {
			memo, ok := m.layoutMgr.PopMemo()
			if ok {
				m.now = memo.Timestamp
				m.awaitCapacity(ctx)
				if err := m.dispatchScan(memo.Row, memo.Col, memo.Pressed); err != nil {
					m.logger.Warn("mapper: action error dispatching memoed scan event", slog.Any("error", err))
				}
				m.rearmTimer()
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.scans:
			if !ok {
				return
			}
			m.now = ev.Timestamp
			m.awaitCapacity(ctx)
			if err := m.dispatchScan(ev.Row, ev.Col, ev.Pressed); err != nil {
				m.logger.Warn("mapper: action error dispatching scan event", slog.Any("error", err))
			}
		case sig := <-m.ctrl.Chan():
			m.now = time.Now()
			switch sig {
			case control.SignalReload:
				m.reload()
			case control.SignalTimerExpired:
				m.checkTime()
			case control.SignalExit:
				return
			}
		}
		m.rearmTimer()
	}
}

func (m *Mapper) freeHIDSlots() int { return cap(m.hidOut) - len(m.hidOut) }

// awaitCapacity backs off up to backoffCeiling short iterations so the
// mapper never drops a modifier transition by writing into a full
// channel (spec.md §4.4.1). It never blocks indefinitely: after the
// ceiling it proceeds, relying on the HID channel's own blocking send as
// the final backstop.
func (m *Mapper) awaitCapacity(ctx context.Context) {
	for i := 0; i < backoffCeiling && m.freeHIDSlots() < minFreeHIDSlots; i++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Millisecond):
		}
	}
}

func (m *Mapper) emit(ev hidreport.Event) {
	m.hidOut <- ev
}

// reload streams the newest file out of the ring FS and decodes it as a
// fresh layout artifact, falling back to the compiled-in default on any
// decode failure (spec.md §4.6, §7).
func (m *Mapper) reload() {
	desc, err := m.store.FileReaderByIndex(0)
	if err != nil {
		m.logger.Warn("mapper: layout reload failed to open file, keeping current layout", slog.Any("error", err))
		return
	}
	defer m.store.CloseFile(desc)

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 256)
	for {
		n, err := m.store.ReadFile(desc, chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil || n == 0 {
			break
		}
	}

	artifact, err := layout.Decode(buf, m.rowCount, m.colCount)
	if err != nil {
		m.logger.Warn("mapper: layout reload decode failed, falling back to compiled-in default",
			slog.Any("error", err))
		artifact = m.fallback
	}
	m.clearAll()
	m.layoutMgr.Reload(artifact)
	m.mouse = newMouseController(&artifact.Globals)
}

func (m *Mapper) rearmTimer() {
	deadline := timer.Max
	if m.dual != nil && m.dual.deadline.Before(deadline) {
		deadline = m.dual.deadline
	}
	if m.layoutMgr.CurrentMacroFrame() != nil && m.now.Before(deadline) {
		deadline = m.now
	}
	if mt := m.mouse.nextEventTime(m.now); mt.Before(deadline) {
		deadline = mt
	}
	m.tmr.At(deadline)
}

func (m *Mapper) checkTime() {
	if m.dual != nil && !m.now.Before(m.dual.deadline) {
		if err := m.resolveDualHold(); err != nil {
			m.logger.Warn("mapper: action error while resolving dual-action hold", slog.Any("error", err))
		}
	}
	m.mouse.tick(m.now, m.emit)
}
