// Package scanner polls a row/column key-switch matrix and emits debounced
// scan events. It is the lowest-level producer in the pipeline described in
// spec.md §2: Scanner -> scan-event channel -> Mapper.
//
// The scan loop itself is invariant; whether the physical "output" side of
// the matrix corresponds to rows or columns is a board decision applied only
// when translating (input, output) indices into (row, column) on event
// emission — see WithRowIsOutput.
package scanner

import (
	"context"
	"log/slog"
	"time"

	"github.com/rpkgo/firmware/internal/board"
)

// Event is a single debounced transition: key (row, col) changed to pressed
// or released at Timestamp (the wall-clock time at emission).
type Event struct {
	Row       int
	Col       int
	Pressed   bool
	Timestamp time.Time
}

// debounce state byte layout, per spec.md §4.1:
//
//	bit7    debouncing
//	bits6-2 settle counter (5 bits, 0-31)
//	bit1    last-reported logical state
//	bit0    last-sampled physical state
const (
	debFlagBit     = 1 << 7
	debCounterMask = 0b0111_1100
	debCounterShift = 2
	debReportedBit = 1 << 1
	debSampledBit  = 1 << 0
)

// idleTimeout is how long a complete scan must observe no pressed key
// before the scanner switches to interrupt mode, per spec.md §4.1.
const idleTimeout = time.Second

// Scanner owns per-cell debounce state and the output/input drive loop.
type Scanner struct {
	drv    board.MatrixDriver
	logger *slog.Logger
	events chan Event

	rowIsOutput bool
	sensitivity uint8 // settle-count target; tunable at runtime (debounce tuning atomic, spec.md §5)

	debounce []uint8 // len = NumOutputs()*NumInputs(), indexed [o*numInputs+i]
	cycle    uint32

	lastActivity time.Time
}

// Option configures a Scanner at construction.
type Option func(*Scanner)

// WithRowIsOutput selects which physical side of the matrix is rows. When
// false (the default), outputs are columns and inputs are rows.
func WithRowIsOutput(rowIsOutput bool) Option {
	return func(s *Scanner) { s.rowIsOutput = rowIsOutput }
}

// WithSensitivity sets the debounce settle-count target. Higher values
// trade latency for bounce immunity. Also settable live via SetSensitivity
// to model the "debounce tuning atomic" shared with the globals loader
// (spec.md §5).
func WithSensitivity(n uint8) Option {
	return func(s *Scanner) { s.sensitivity = n }
}

// WithBufferSize sets the scan-event channel capacity. Default 32.
func WithBufferSize(n int) Option {
	return func(s *Scanner) { s.events = make(chan Event, n) }
}

const defaultSensitivity = 5

// New creates a Scanner driving drv. Call Run to start polling.
func New(drv board.MatrixDriver, logger *slog.Logger, opts ...Option) *Scanner {
	s := &Scanner{
		drv:         drv,
		logger:      logger,
		events:      make(chan Event, 32),
		sensitivity: defaultSensitivity,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.debounce = make([]uint8, drv.NumOutputs()*drv.NumInputs())
	return s
}

// Events returns the channel scan events are published on. The channel is
// closed when Run returns.
func (s *Scanner) Events() <-chan Event { return s.events }

// SetSensitivity updates the debounce settle-count target. Safe to call
// concurrently with Run; the next scan step picks it up (matches the
// "debounce tuning atomic" note in spec.md §5 — a single byte write/read
// is atomic on the target architectures this models).
func (s *Scanner) SetSensitivity(n uint8) { s.sensitivity = n }

// Run polls the matrix until ctx is cancelled, emitting debounced Events.
// It implements the §4.1 algorithm: active polling with per-cell debounce,
// falling back to AwaitEdge-based interrupt mode after idleTimeout with no
// key pressed, and returning to active polling on any edge.
func (s *Scanner) Run(ctx context.Context) {
	defer close(s.events)

	s.lastActivity = time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		anyPressed := s.scanOnce(ctx)
		s.cycle++

		if anyPressed {
			s.lastActivity = time.Now()
			continue
		}

		if time.Since(s.lastActivity) > idleTimeout {
			if err := s.drv.AwaitEdge(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Debug("scanner: await edge error, treating as wake", slog.Any("error", err))
			}
			s.lastActivity = time.Now()
		}
	}
}

// scanOnce drives every output in turn, samples every input, advances
// debounce state, and emits events for settled transitions. It reports
// whether any key was observed pressed this scan, used to drive the idle
// timer.
func (s *Scanner) scanOnce(ctx context.Context) bool {
	anyPressed := false
	numOutputs := s.drv.NumOutputs()
	numInputs := s.drv.NumInputs()

	target := s.debounceTarget()

	for o := 0; o < numOutputs; o++ {
		s.drv.DriveOutput(o, true)
		// No settle delay is inserted for the output line; inputs are
		// sampled straight after driving it (spec.md §4.1: "wait >= 100ns").
		for i := 0; i < numInputs; i++ {
			sample, err := s.drv.SampleInput(i)
			if err != nil {
				sample = false // §7: GPIO errors coerce to "not pressed"
			}

			idx := o*numInputs + i
			st := s.debounce[idx]
			reported := st&debReportedBit != 0

			if st&debFlagBit != 0 {
				// Currently debouncing.
				counter := (st & debCounterMask) >> debCounterShift
				sampled := st&debSampledBit != 0
				if sample != sampled {
					// Sample flipped mid-settle: restart the window on
					// the new value.
					st = debFlagBit | (1 << debCounterShift)
					if sample {
						st |= debSampledBit
					}
					if reported {
						st |= debReportedBit
					}
					s.debounce[idx] = st
					continue
				}
				counter++
				if counter >= target {
					// Settled: accept latest sample, clear debouncing.
					newReported := sample
					st = 0
					if newReported {
						st |= debReportedBit
					}
					if sample {
						st |= debSampledBit
					}
					s.debounce[idx] = st
					if newReported != reported {
						s.emit(o, i, newReported)
					}
					if newReported {
						anyPressed = true
					}
				} else {
					st = debFlagBit | (counter << debCounterShift)
					if sampled {
						st |= debSampledBit
					}
					if reported {
						st |= debReportedBit
					}
					s.debounce[idx] = st
					if reported {
						anyPressed = true
					}
				}
			} else {
				if sample != reported {
					// Start a new settle window.
					st = debFlagBit | (1 << debCounterShift)
					if sample {
						st |= debSampledBit
					}
					if reported {
						st |= debReportedBit
					}
					s.debounce[idx] = st
				}
				if reported {
					anyPressed = true
				}
			}
		}
		s.drv.DriveOutput(o, false)
	}

	return anyPressed
}

// debounceTarget maps the sensitivity parameter into the settle-counter
// comparison target; the scan cycle count does not affect it. A simple monotonic mapping is used: the
// target is just the configured sensitivity, clamped into the 5-bit counter
// range the debounce byte can hold.
func (s *Scanner) debounceTarget() uint8 {
	t := s.sensitivity
	if t == 0 {
		t = 1
	}
	if t > 31 {
		t = 31
	}
	return t
}

func (s *Scanner) emit(o, i int, pressed bool) {
	row, col := i, o
	if s.rowIsOutput {
		row, col = o, i
	}
	evt := Event{Row: row, Col: col, Pressed: pressed, Timestamp: time.Now()}
	select {
	case s.events <- evt:
	default:
		// The channel is sized generously relative to human typing rates;
		// a full channel means the mapper has stalled. Drop silently
		// rather than block the scan loop indefinitely — matches the
		// "scanner never fails fatally" rule in §7 applied to backpressure.
		s.logger.Warn("scanner: event channel full, dropping", slog.Int("row", row), slog.Int("col", col))
	}
}
