// Package sim provides in-memory board.MatrixDriver and board.FlashDevice
// implementations used by cmd/firmware's demo wiring and cmd/bench's
// simulated device loop. Chip-specific GPIO/USB bindings are out of scope
// (spec.md §1); this package is not one of those bindings, it is the
// in-memory stand-in the bench harness and the demo binary drive instead.
package sim

import (
	"context"
	"sync"

	"github.com/rpkgo/firmware/internal/board"
)

// Matrix is an in-memory MatrixDriver over a rows*cols grid of button
// states, toggled by SetPressed from a test or a scripted driver.
type Matrix struct {
	mu sync.Mutex

	numOutputs, numInputs int
	pressed               []bool // len numOutputs*numInputs, indexed [o*numInputs+i]
	currentOutput         int    // output most recently driven low

	edge chan struct{}
}

// NewMatrix creates a Matrix with the given electrical dimensions.
func NewMatrix(numOutputs, numInputs int) *Matrix {
	return &Matrix{
		numOutputs: numOutputs,
		numInputs:  numInputs,
		pressed:    make([]bool, numOutputs*numInputs),
		edge:       make(chan struct{}, 1),
	}
}

func (m *Matrix) NumOutputs() int { return m.numOutputs }
func (m *Matrix) NumInputs() int  { return m.numInputs }

// DriveOutput records which output line is active; scanOnce always drives
// an output low, samples every input on it, then drives it back high
// before moving to the next, so the most recent "low" call identifies
// which output SampleInput's cells belong to.
func (m *Matrix) DriveOutput(o int, low bool) {
	if low {
		m.mu.Lock()
		m.currentOutput = o
		m.mu.Unlock()
	}
}

func (m *Matrix) SampleInput(i int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pressed[m.currentOutput*m.numInputs+i], nil
}

// AwaitEdge blocks until SetPressed changes some cell, or ctx is done.
func (m *Matrix) AwaitEdge(ctx context.Context) error {
	select {
	case <-m.edge:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetPressed sets the simulated state of cell (o,i) and wakes any blocked
// AwaitEdge call.
func (m *Matrix) SetPressed(o, i int, pressed bool) {
	m.mu.Lock()
	m.pressed[o*m.numInputs+i] = pressed
	m.mu.Unlock()
	select {
	case m.edge <- struct{}{}:
	default:
	}
}

// Flash is an in-memory FlashDevice backed by a byte slice, modeling NOR
// flash's erase-to-all-ones / program-clears-bits semantics closely enough
// for ringfs's recovery and wear-leveling logic to exercise for real.
type Flash struct {
	mu sync.Mutex

	data      []byte
	pageSize  uint32
	eraseSize uint32
}

// NewFlash creates a Flash device of the given size, already erased.
func NewFlash(size, pageSize, eraseSize uint32) *Flash {
	f := &Flash{
		data:      make([]byte, size),
		pageSize:  pageSize,
		eraseSize: eraseSize,
	}
	for i := range f.data {
		f.data[i] = 0xff
	}
	return f
}

func (f *Flash) Size() uint32          { return uint32(len(f.data)) }
func (f *Flash) PageSize() uint32      { return f.pageSize }
func (f *Flash) EraseUnitSize() uint32 { return f.eraseSize }

func (f *Flash) ReadAt(p []byte, off uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off+uint32(len(p)) > uint32(len(f.data)) {
		return board.ErrOutOfBounds
	}
	copy(p, f.data[off:off+uint32(len(p))])
	return nil
}

// ProgramAt clears bits to match p, modeling NOR flash's write-once-per-
// erase-cycle bit semantics: a byte can only go from 1 to 0, never back.
func (f *Flash) ProgramAt(p []byte, off uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off+uint32(len(p)) > uint32(len(f.data)) {
		return board.ErrOutOfBounds
	}
	for i, b := range p {
		f.data[off+uint32(i)] &= b
	}
	return nil
}

func (f *Flash) EraseBlock(off uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := off - (off % f.eraseSize)
	end := start + f.eraseSize
	if end > uint32(len(f.data)) {
		return board.ErrOutOfBounds
	}
	for i := start; i < end; i++ {
		f.data[i] = 0xff
	}
	return nil
}
