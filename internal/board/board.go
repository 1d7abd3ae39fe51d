// Package board defines the small set of capability interfaces that
// decouple the core firmware packages (scanner, ringfs, configendpoint)
// from any particular microcontroller binding. Chip-specific GPIO/USB
// drivers are out of scope for this repository (see spec.md §1); callers
// supply an implementation of these interfaces, and tests/the bench
// harness supply in-memory ones.
package board

import (
	"context"
	"errors"
)

// Flash access errors a FlashDevice implementation may return from ReadAt,
// ProgramAt, or EraseBlock; ringfs maps these onto its own error values.
var (
	ErrNotAligned  = errors.New("board: unaligned flash access")
	ErrOutOfBounds = errors.New("board: access past end of device")
)

// MatrixDriver is the electrical interface the matrix scanner drives. It
// models a single row/column switch matrix: one side is driven low in turn
// ("output"), the other side is sampled ("input"). Which physical side is
// which is a board-layout decision the scanner does not need to know about.
type MatrixDriver interface {
	// NumOutputs and NumInputs report the matrix dimensions.
	NumOutputs() int
	NumInputs() int

	// DriveOutput sets output pin o low (active) or lets it float high
	// (inactive). The scanner always restores the pin high before
	// returning from a scan step.
	DriveOutput(o int, low bool)

	// SampleInput reads input pin i. A read error is treated by the
	// scanner as "not pressed" per spec.md §7 and is never surfaced
	// further; implementations may still return one for diagnostics.
	SampleInput(i int) (pressed bool, err error)

	// AwaitEdge blocks until any input pin transitions, or ctx is done.
	// Used only while the scanner is in interrupt (idle) mode.
	AwaitEdge(ctx context.Context) error
}

// FlashDevice is the NOR flash interface the ring filesystem reads and
// programs. Addresses are absolute byte offsets into the device.
type FlashDevice interface {
	// Size is the total addressable size of the device in bytes.
	Size() uint32
	// PageSize is the size of the smallest atomic program unit.
	PageSize() uint32
	// EraseUnitSize is the size of the smallest erasable block; directory
	// and data segment sizes are always multiples of it.
	EraseUnitSize() uint32

	// ReadAt copies len(p) bytes starting at off into p.
	ReadAt(p []byte, off uint32) error
	// ProgramAt writes p at off. off and len(p) need not be page-aligned;
	// implementations that require it internally pad through a page
	// cache (see ringfs's write-cache design).
	ProgramAt(p []byte, off uint32) error
	// EraseBlock erases the erase-unit-aligned block containing off.
	EraseBlock(off uint32) error
}

// VendorLink is the bulk-transfer interface the config endpoint FSM runs
// over. The real binding is a USB bulk-out/bulk-in endpoint pair (out of
// scope, see spec.md §1); the bench harness supplies a gRPC-streamed
// simulation (internal/bench/link) so the FSM can be exercised end to end
// in tests.
type VendorLink interface {
	// Recv blocks for the next command/data frame from the host. Frames
	// are at most 64 bytes, matching the real bulk-out max packet size.
	Recv(ctx context.Context) ([]byte, error)
	// Send writes a reply frame (at most 64 bytes) to the host.
	Send(ctx context.Context, frame []byte) error
}
